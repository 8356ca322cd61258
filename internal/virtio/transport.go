package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Device status bits.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
	StatusNeedsReset  uint8 = 64
	StatusFailed      uint8 = 128
)

// Transport is the driver's view of a virtio device's control registers.
type Transport interface {
	DeviceFeatures() (uint64, error)
	SetDriverFeatures(features uint64) error

	Status() (uint8, error)
	SetStatus(status uint8) error
	Reset() error

	SelectQueue(index uint16) error
	// QueueMaxSize returns the largest size of the selected queue, or 0
	// when the queue does not exist.
	QueueMaxSize() (uint16, error)
	SetQueueSize(size uint16) error
	SetQueueAddress(desc, avail, used uint64) error
	EnableQueue() error
	DisableQueue() error

	Notify(index uint16) error
	// AckInterrupt reads and clears the interrupt status.
	AckInterrupt() (uint8, error)
	ReadConfig(offset int, p []byte) error
}

// Registers is a register window addressed by byte offset.
type Registers interface {
	io.ReaderAt
	io.WriterAt
}

// Legacy virtio-pci register offsets within the I/O BAR.
const (
	legacyDeviceFeatures = 0x00
	legacyDriverFeatures = 0x04
	legacyQueuePFN       = 0x08
	legacyQueueSize      = 0x0c
	legacyQueueSelect    = 0x0e
	legacyQueueNotify    = 0x10
	legacyDeviceStatus   = 0x12
	legacyISRStatus      = 0x13
	// Device config starts here when MSI-X is disabled.
	legacyConfig = 0x14
)

const legacyPFNShift = 12

// LegacyTransport drives the pre-1.0 virtio-pci register layout. Queues
// there have a fixed size and a single page frame number that locates the
// whole contiguous ring.
type LegacyTransport struct {
	regs     Registers
	selected uint16
	size     uint16
}

// NewLegacyTransport wraps the register window of BAR0.
func NewLegacyTransport(regs Registers) *LegacyTransport {
	return &LegacyTransport{regs: regs}
}

func (t *LegacyTransport) read(off int64, width int) (uint32, error) {
	var buf [4]byte
	if n, err := t.regs.ReadAt(buf[:width], off); n != width {
		return 0, fmt.Errorf("virtio: read register %#x: %w", off, err)
	}
	switch width {
	case 1:
		return uint32(buf[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf[:2])), nil
	default:
		return binary.LittleEndian.Uint32(buf[:4]), nil
	}
}

func (t *LegacyTransport) write(off int64, width int, v uint32) error {
	var buf [4]byte
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(v))
	default:
		binary.LittleEndian.PutUint32(buf[:4], v)
	}
	if n, err := t.regs.WriteAt(buf[:width], off); n != width {
		return fmt.Errorf("virtio: write register %#x: %w", off, err)
	}
	return nil
}

func (t *LegacyTransport) DeviceFeatures() (uint64, error) {
	v, err := t.read(legacyDeviceFeatures, 4)
	return uint64(v), err
}

func (t *LegacyTransport) SetDriverFeatures(features uint64) error {
	if features>>32 != 0 {
		return fmt.Errorf("virtio: legacy transport cannot accept features %#x", features)
	}
	return t.write(legacyDriverFeatures, 4, uint32(features))
}

func (t *LegacyTransport) Status() (uint8, error) {
	v, err := t.read(legacyDeviceStatus, 1)
	return uint8(v), err
}

func (t *LegacyTransport) SetStatus(status uint8) error {
	return t.write(legacyDeviceStatus, 1, uint32(status))
}

func (t *LegacyTransport) Reset() error {
	return t.SetStatus(0)
}

func (t *LegacyTransport) SelectQueue(index uint16) error {
	if err := t.write(legacyQueueSelect, 2, uint32(index)); err != nil {
		return err
	}
	t.selected = index
	t.size = 0
	return nil
}

func (t *LegacyTransport) QueueMaxSize() (uint16, error) {
	v, err := t.read(legacyQueueSize, 2)
	return uint16(v), err
}

// SetQueueSize only accepts the device's own size; legacy queues cannot be
// resized.
func (t *LegacyTransport) SetQueueSize(size uint16) error {
	max, err := t.QueueMaxSize()
	if err != nil {
		return err
	}
	if size != max {
		return fmt.Errorf("%w: legacy queue %d has fixed size %d, requested %d", ErrQueueConfig, t.selected, max, size)
	}
	t.size = size
	return nil
}

func (t *LegacyTransport) SetQueueAddress(desc, avail, used uint64) error {
	if t.size == 0 {
		return fmt.Errorf("%w: queue %d address set before size", ErrQueueState, t.selected)
	}
	l := NewLayout(t.size)
	if desc%LegacyQueueAlign != 0 ||
		avail != desc+uint64(l.Avail) ||
		used != desc+uint64(l.Used) {
		return fmt.Errorf("%w: queue %d rings at %#x/%#x/%#x do not form a legacy layout", ErrQueueConfig, t.selected, desc, avail, used)
	}
	pfn := desc >> legacyPFNShift
	if pfn>>32 != 0 {
		return fmt.Errorf("%w: queue %d ring at %#x is above the legacy addressable range", ErrQueueConfig, t.selected, desc)
	}
	return t.write(legacyQueuePFN, 4, uint32(pfn))
}

// EnableQueue is a no-op: a legacy queue is live once its PFN is written
// and the device is DRIVER_OK.
func (t *LegacyTransport) EnableQueue() error { return nil }

func (t *LegacyTransport) DisableQueue() error {
	return t.write(legacyQueuePFN, 4, 0)
}

func (t *LegacyTransport) Notify(index uint16) error {
	return t.write(legacyQueueNotify, 2, uint32(index))
}

func (t *LegacyTransport) AckInterrupt() (uint8, error) {
	v, err := t.read(legacyISRStatus, 1)
	return uint8(v), err
}

// ReadConfig reads device config one byte at a time; the I/O BAR only
// accepts naturally aligned accesses.
func (t *LegacyTransport) ReadConfig(offset int, p []byte) error {
	for i := range p {
		v, err := t.read(int64(legacyConfig+offset+i), 1)
		if err != nil {
			return err
		}
		p[i] = byte(v)
	}
	return nil
}

var _ Transport = (*LegacyTransport)(nil)
