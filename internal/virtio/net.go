package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Virtio-net feature bits.
const (
	NetFeatureCsum     uint64 = 1 << 0
	NetFeatureMAC      uint64 = 1 << 5
	NetFeatureMrgRxbuf uint64 = 1 << 15
	NetFeatureStatus   uint64 = 1 << 16
)

// NetHeaderSize is the length of struct virtio_net_hdr without mergeable
// receive buffers. Every received buffer starts with one.
const NetHeaderSize = 10

// DefaultFrameSize covers an Ethernet frame with a VLAN tag.
const DefaultFrameSize = 1518

// Device config offsets.
const (
	netConfigMAC    = 0
	netConfigStatus = 6
)

// NetStatusLinkUp is the link bit of the config status field.
const NetStatusLinkUp = 1

const netRxQueue = 0

// Frame is one received Ethernet frame with the virtio header removed.
type Frame struct {
	Data      []byte
	Length    uint32
	Timestamp time.Time
}

// NetOptions configures a Net driver.
type NetOptions struct {
	// QueueSize of the receive queue; zero uses the device maximum.
	QueueSize uint16
	// FrameSize is the payload capacity of each receive buffer.
	FrameSize uint32
	// Buffers caps the number of armed receive buffers; zero fills the ring.
	Buffers int
	// SplitHeader places the virtio header in its own descriptor.
	SplitHeader  bool
	Poll         bool
	PollInterval time.Duration
	Unmask       bool
	Logger       *slog.Logger
}

// Net is a receive-only virtio-net driver.
type Net struct {
	t        Transport
	rx       *Queue
	opts     NetOptions
	log      *slog.Logger
	features uint64
	mac      net.HardwareAddr
}

// NewNet prepares a driver over t. Nothing is written to the device until
// Init.
func NewNet(t Transport, mem Memory, irq Interrupts, opts NetOptions) *Net {
	if opts.FrameSize == 0 {
		opts.FrameSize = DefaultFrameSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	segments := []uint32{NetHeaderSize + opts.FrameSize}
	if opts.SplitHeader {
		segments = []uint32{NetHeaderSize, opts.FrameSize}
	}
	n := &Net{t: t, opts: opts, log: log}
	n.rx = NewQueue(netRxQueue, t, mem, irq, QueueOptions{
		Segments:     segments,
		Buffers:      opts.Buffers,
		Poll:         opts.Poll,
		PollInterval: opts.PollInterval,
		Unmask:       opts.Unmask,
		Logger:       log,
	})
	return n
}

// Init resets the device, negotiates features and sets up the receive
// queue. On failure the device is marked FAILED.
func (n *Net) Init() error {
	if err := n.init(); err != nil {
		if status, serr := n.t.Status(); serr == nil {
			if werr := n.t.SetStatus(status | StatusFailed); werr != nil {
				n.log.Warn("virtio-net: mark device failed", "err", werr)
			}
		}
		return err
	}
	return nil
}

func (n *Net) init() error {
	if err := n.t.Reset(); err != nil {
		return fmt.Errorf("virtio-net: reset: %w", err)
	}
	if err := n.t.SetStatus(StatusAcknowledge); err != nil {
		return fmt.Errorf("virtio-net: acknowledge: %w", err)
	}
	if err := n.t.SetStatus(StatusAcknowledge | StatusDriver); err != nil {
		return fmt.Errorf("virtio-net: set driver status: %w", err)
	}

	offered, err := n.t.DeviceFeatures()
	if err != nil {
		return fmt.Errorf("virtio-net: read features: %w", err)
	}
	// Mergeable buffers would change the header size and let one frame
	// span several chains, so only identification features are taken.
	n.features = offered & (NetFeatureMAC | NetFeatureStatus)
	if err := n.t.SetDriverFeatures(n.features); err != nil {
		return fmt.Errorf("virtio-net: write features: %w", err)
	}
	n.log.Debug("virtio-net: negotiated features", "offered", fmt.Sprintf("%#x", offered), "accepted", fmt.Sprintf("%#x", n.features))

	if n.features&NetFeatureMAC != 0 {
		mac := make(net.HardwareAddr, 6)
		if err := n.t.ReadConfig(netConfigMAC, mac); err != nil {
			return fmt.Errorf("virtio-net: read mac: %w", err)
		}
		n.mac = mac
	}

	if err := n.rx.Negotiate(n.opts.QueueSize); err != nil {
		return fmt.Errorf("virtio-net: receive queue: %w", err)
	}
	return nil
}

// Start sets DRIVER_OK and fills the receive queue.
func (n *Net) Start() error {
	status, err := n.t.Status()
	if err != nil {
		return fmt.Errorf("virtio-net: read status: %w", err)
	}
	if err := n.t.SetStatus(status | StatusDriverOK); err != nil {
		return fmt.Errorf("virtio-net: set driver ok: %w", err)
	}
	if err := n.rx.Start(); err != nil {
		return fmt.Errorf("virtio-net: start receive queue: %w", err)
	}
	n.log.Info("virtio-net: receiving", "mac", n.mac, "queue_size", n.rx.Size(), "link_up", n.LinkUp())
	return nil
}

// WaitForFrame returns the next received frame, waiting up to timeout. It
// returns ErrTimeout when no frame arrives in time, and ErrNeedsReset once
// the device has given up on the driver.
func (n *Net) WaitForFrame(timeout time.Duration) (Frame, error) {
	c, err := n.rx.WaitChain(timeout)
	if errors.Is(err, ErrTimeout) {
		if status, serr := n.t.Status(); serr == nil && status&StatusNeedsReset != 0 {
			return Frame{}, n.rx.fail(fmt.Errorf("%w: status %#x", ErrNeedsReset, status))
		}
	}
	if err != nil {
		return Frame{}, err
	}
	if c.Length < NetHeaderSize {
		return Frame{}, n.rx.fail(fmt.Errorf("%w: completion of %d bytes is shorter than the %d byte header", ErrRingCorruption, c.Length, NetHeaderSize))
	}
	return Frame{
		Data:      c.Data[NetHeaderSize:],
		Length:    c.Length - NetHeaderSize,
		Timestamp: c.Received,
	}, nil
}

// Stop detaches the receive queue and resets the device.
func (n *Net) Stop() error {
	var errs []error
	if err := n.rx.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("virtio-net: stop receive queue: %w", err))
	}
	if err := n.t.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("virtio-net: reset: %w", err))
	}
	return errors.Join(errs...)
}

// MAC returns the device address, or nil when the device does not report one.
func (n *Net) MAC() net.HardwareAddr { return n.mac }

// Features returns the accepted feature bits.
func (n *Net) Features() uint64 { return n.features }

// LinkUp reports the config link status. Devices without the status
// feature are always up.
func (n *Net) LinkUp() bool {
	if n.features&NetFeatureStatus == 0 {
		return true
	}
	var buf [2]byte
	if err := n.t.ReadConfig(netConfigStatus, buf[:]); err != nil {
		return false
	}
	return buf[0]&NetStatusLinkUp != 0
}

// RxQueue exposes the receive queue for statistics.
func (n *Net) RxQueue() *Queue { return n.rx }
