package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestWriterProducesExpectedStream(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf, Microsecond)

	const snapLen = 512
	if err := writer.WriteFileHeader(snapLen, LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	payload := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	if err := writer.WriteFrame(ts, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got := buf.Bytes()
	if wantLen := fileHeaderLen + recordHeaderLen + len(payload); len(got) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(got))
	}
	if writer.Bytes() != uint64(len(got)) || writer.Records() != 1 {
		t.Fatalf("counters %d bytes, %d records", writer.Bytes(), writer.Records())
	}

	global := got[:fileHeaderLen]
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"magic", binary.LittleEndian.Uint32(global[0:4]), magicMicroseconds},
		{"major", uint32(binary.LittleEndian.Uint16(global[4:6])), 2},
		{"minor", uint32(binary.LittleEndian.Uint16(global[6:8])), 4},
		{"thiszone", binary.LittleEndian.Uint32(global[8:12]), 0},
		{"sigfigs", binary.LittleEndian.Uint32(global[12:16]), 0},
		{"snaplen", binary.LittleEndian.Uint32(global[16:20]), snapLen},
		{"linktype", binary.LittleEndian.Uint32(global[20:24]), LinkTypeEthernet},
	}
	record := got[fileHeaderLen : fileHeaderLen+recordHeaderLen]
	checks = append(checks, []struct {
		name string
		got  uint32
		want uint32
	}{
		{"ts_sec", binary.LittleEndian.Uint32(record[0:4]), uint32(ts.Unix())},
		{"ts_usec", binary.LittleEndian.Uint32(record[4:8]), 250_000},
		{"incl_len", binary.LittleEndian.Uint32(record[8:12]), uint32(len(payload))},
		{"orig_len", binary.LittleEndian.Uint32(record[12:16]), uint32(len(payload))},
	}...)
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}

	if data := got[fileHeaderLen+recordHeaderLen:]; !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: got %x, want %x", data, payload)
	}
}

func TestNanosecondResolution(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf, Nanosecond)
	if err := writer.WriteFileHeader(0, LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := writer.WriteFrame(time.Unix(10, 123_456_789), []byte{1}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got := buf.Bytes()
	if magic := binary.LittleEndian.Uint32(got[0:4]); magic != magicNanoseconds {
		t.Fatalf("magic = %#x", magic)
	}
	if frac := binary.LittleEndian.Uint32(got[fileHeaderLen+4:]); frac != 123_456_789 {
		t.Fatalf("fraction = %d", frac)
	}
}

func TestWriteRecordRequiresHeader(t *testing.T) {
	writer := NewWriter(new(bytes.Buffer), Microsecond)
	err := writer.WriteFrame(time.Time{}, []byte{0x01})
	if !errors.Is(err, ErrHeaderNotWritten) {
		t.Fatalf("expected ErrHeaderNotWritten, got %v", err)
	}
	if err := writer.WriteFileHeader(0, LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := writer.WriteFileHeader(0, LinkTypeEthernet); !errors.Is(err, ErrHeaderAlreadyWritten) {
		t.Fatalf("expected ErrHeaderAlreadyWritten, got %v", err)
	}
}

func TestWriteFrameTruncatesToSnapLength(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf, Microsecond)
	if err := writer.WriteFileHeader(4, LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}

	payload := []byte{0, 1, 2, 3, 4, 5}
	if err := writer.WriteFrame(time.Time{}, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	record := buf.Bytes()[fileHeaderLen:]
	if incl := binary.LittleEndian.Uint32(record[8:12]); incl != 4 {
		t.Fatalf("incl_len = %d, want 4", incl)
	}
	if orig := binary.LittleEndian.Uint32(record[12:16]); orig != 6 {
		t.Fatalf("orig_len = %d, want 6", orig)
	}
	if data := record[recordHeaderLen:]; !bytes.Equal(data, payload[:4]) {
		t.Fatalf("data = %x", data)
	}

	err := writer.WriteRecord(Record{CaptureLength: 5, Length: 6}, payload)
	if err == nil {
		t.Fatalf("expected snaplen enforcement error")
	}
}
