// Package pcap writes captured frames in the classic libpcap file format.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeEthernet is the DLT value for Ethernet frames.
const LinkTypeEthernet uint32 = 1

// File header magic numbers. The nanosecond variant stores fractional
// seconds in nanoseconds instead of microseconds.
const (
	magicMicroseconds uint32 = 0xa1b2c3d4
	magicNanoseconds  uint32 = 0xa1b23c4d
)

const (
	fileHeaderLen   = 24
	recordHeaderLen = 16
	versionMajor    = 2
	versionMinor    = 4
)

// Resolution selects the timestamp precision of a stream.
type Resolution int

const (
	Microsecond Resolution = iota
	Nanosecond
)

var (
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	ErrHeaderNotWritten     = errors.New("pcap: file header not written")
)

// Record is the per-frame metadata of one pcap record.
type Record struct {
	Timestamp time.Time
	// CaptureLength bytes of the frame are stored.
	CaptureLength int
	// Length is the size of the frame on the wire.
	Length int
}

// Writer emits a pcap stream one frame at a time.
type Writer struct {
	w          io.Writer
	resolution Resolution
	snapLen    uint32
	header     bool

	records uint64
	bytes   uint64
}

// NewWriter wraps out. WriteFileHeader must be called before any record.
func NewWriter(out io.Writer, resolution Resolution) *Writer {
	return &Writer{w: out, resolution: resolution}
}

// WriteFileHeader writes the 24-byte global header. snapLen of zero means
// records are never truncated.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.header {
		return ErrHeaderAlreadyWritten
	}
	magic := magicMicroseconds
	if w.resolution == Nanosecond {
		magic = magicNanoseconds
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.header = true
	w.bytes += fileHeaderLen
	return nil
}

// WriteFrame stores frame, truncated to the snap length.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	capLen := len(frame)
	if w.snapLen != 0 && uint64(capLen) > uint64(w.snapLen) {
		capLen = int(w.snapLen)
	}
	return w.WriteRecord(Record{Timestamp: ts, CaptureLength: capLen, Length: len(frame)}, frame)
}

// WriteRecord appends a record holding data[:rec.CaptureLength].
func (w *Writer) WriteRecord(rec Record, data []byte) error {
	if !w.header {
		return ErrHeaderNotWritten
	}
	switch {
	case rec.CaptureLength < 0 || rec.Length < 0:
		return fmt.Errorf("pcap: negative record length (%d captured, %d on wire)", rec.CaptureLength, rec.Length)
	case rec.CaptureLength > len(data):
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", rec.CaptureLength, len(data))
	case rec.CaptureLength > rec.Length:
		return fmt.Errorf("pcap: capture length %d exceeds wire length %d", rec.CaptureLength, rec.Length)
	case uint64(rec.Length) > math.MaxUint32:
		return fmt.Errorf("pcap: wire length %d overflows uint32", rec.Length)
	case w.snapLen != 0 && uint64(rec.CaptureLength) > uint64(w.snapLen):
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", rec.CaptureLength, w.snapLen)
	}

	sec, frac, err := w.splitTimestamp(rec.Timestamp)
	if err != nil {
		return err
	}

	var hdr [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sec)
	binary.LittleEndian.PutUint32(hdr[4:8], frac)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(rec.CaptureLength))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(rec.Length))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if rec.CaptureLength > 0 {
		if _, err := w.w.Write(data[:rec.CaptureLength]); err != nil {
			return fmt.Errorf("pcap: write record data: %w", err)
		}
	}
	w.records++
	w.bytes += recordHeaderLen + uint64(rec.CaptureLength)
	return nil
}

func (w *Writer) splitTimestamp(ts time.Time) (uint32, uint32, error) {
	if ts.IsZero() {
		return 0, 0, nil
	}
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return 0, 0, fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
	}
	frac := uint32(ts.Nanosecond())
	if w.resolution == Microsecond {
		frac /= 1_000
	}
	return uint32(sec), frac, nil
}

// Records returns the number of records written.
func (w *Writer) Records() uint64 { return w.records }

// Bytes returns the stream length so far.
func (w *Writer) Bytes() uint64 { return w.bytes }
