package capture

import (
	"fmt"
	"io"

	"github.com/tinyrange/virtiocap/internal/pcap"
	"github.com/tinyrange/virtiocap/internal/virtio"
)

// PcapSink writes frames as a libpcap stream with Ethernet link type.
type PcapSink struct {
	w *pcap.Writer
}

// NewPcapSink writes the file header to w immediately.
func NewPcapSink(w io.Writer, snapLen uint32, res pcap.Resolution) (*PcapSink, error) {
	pw := pcap.NewWriter(w, res)
	if err := pw.WriteFileHeader(snapLen, pcap.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &PcapSink{w: pw}, nil
}

func (s *PcapSink) WriteFrame(f virtio.Frame) error {
	return s.w.WriteFrame(f.Timestamp, f.Data)
}

// Records returns the number of frames stored.
func (s *PcapSink) Records() uint64 { return s.w.Records() }

// Bytes returns the length of the stream written so far.
func (s *PcapSink) Bytes() uint64 { return s.w.Bytes() }

// RawSink writes the frame bytes back to back with no framing.
type RawSink struct {
	w io.Writer
}

func NewRawSink(w io.Writer) *RawSink {
	return &RawSink{w: w}
}

func (s *RawSink) WriteFrame(f virtio.Frame) error {
	n, err := s.w.Write(f.Data)
	if err != nil {
		return err
	}
	if n != len(f.Data) {
		return fmt.Errorf("short write (want %d, got %d)", len(f.Data), n)
	}
	return nil
}
