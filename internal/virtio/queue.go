package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"
)

// Memory is a DMA-capable region: CPU-visible bytes plus the bus address of
// the first byte.
type Memory interface {
	Bytes() []byte
	PhysAddr() uint64
}

// Interrupts delivers device interrupts to the driver.
type Interrupts interface {
	// Wait blocks until an interrupt arrives or timeout elapses and reports
	// whether one arrived.
	Wait(timeout time.Duration) (bool, error)
	// Unmask re-enables a line the kernel masked while signalling.
	Unmask() error
}

// QueueState is the lifecycle position of a Queue.
type QueueState int

const (
	QueueUninitialized QueueState = iota
	QueueNegotiated
	QueueRunning
	QueueStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueUninitialized:
		return "uninitialized"
	case QueueNegotiated:
		return "negotiated"
	case QueueRunning:
		return "running"
	case QueueStopped:
		return "stopped"
	default:
		return fmt.Sprintf("QueueState(%d)", int(s))
	}
}

// QueueOptions configures a receive queue.
type QueueOptions struct {
	// Segments holds the length of each descriptor of one receive chain.
	Segments []uint32
	// Buffers caps the number of chains armed; zero arms as many as fit.
	Buffers int
	// Poll disables interrupts and checks the used ring every PollInterval.
	Poll         bool
	PollInterval time.Duration
	// Unmask re-enables the interrupt line after every wake-up.
	Unmask bool
	Logger *slog.Logger
}

const defaultPollInterval = 100 * time.Microsecond

// Chain is one completed receive chain. Data is a private copy of the first
// Length bytes the device wrote.
type Chain struct {
	Head     uint16
	Length   uint32
	Data     []byte
	Received time.Time
}

// Queue is the driver side of one split virtqueue whose buffers are all
// device-writable. Every completed chain is copied out and handed straight
// back to the device, so the number of armed buffers stays constant.
type Queue struct {
	index uint16
	t     Transport
	mem   Memory
	irq   Interrupts
	opts  QueueOptions
	log   *slog.Logger

	state QueueState
	err   error

	size       uint16
	layout     Layout
	ring       []byte
	phys       uint64
	chains     int
	chainBytes int
	bufBase    int

	availFlags    uint16
	availIdx      uint16
	lastUsed      uint16
	inflight      []bool
	inflightCount int
	pending       []Chain

	armed     uint64
	completed uint64
}

// NewQueue returns an uninitialized queue. irq may be nil in poll mode.
func NewQueue(index uint16, t Transport, mem Memory, irq Interrupts, opts QueueOptions) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{index: index, t: t, mem: mem, irq: irq, opts: opts, log: log}
}

// State returns the lifecycle state.
func (q *Queue) State() QueueState { return q.state }

// Size returns the negotiated ring size.
func (q *Queue) Size() uint16 { return q.size }

// Armed returns how many buffers have been offered to the device in total.
func (q *Queue) Armed() uint64 { return q.armed }

// Completed returns how many chains the device has returned in total.
func (q *Queue) Completed() uint64 { return q.completed }

// AvailIdx returns the last published available index.
func (q *Queue) AvailIdx() uint16 { return q.availIdx }

// Negotiate validates size against the device, lays out the ring and the
// receive buffers in DMA memory and tells the device where the ring is. A
// size of zero selects the device maximum.
func (q *Queue) Negotiate(size uint16) error {
	if q.state != QueueUninitialized {
		return fmt.Errorf("%w: negotiate queue %d while %s", ErrQueueState, q.index, q.state)
	}
	if q.irq == nil && (!q.opts.Poll || q.opts.Unmask) {
		return fmt.Errorf("%w: queue %d has no interrupt source", ErrQueueConfig, q.index)
	}
	if err := q.t.SelectQueue(q.index); err != nil {
		return err
	}
	max, err := q.t.QueueMaxSize()
	if err != nil {
		return err
	}
	if max == 0 {
		return fmt.Errorf("%w: device has no queue %d", ErrQueueConfig, q.index)
	}
	if size == 0 {
		size = max
	}
	if !isPowerOfTwo(size) {
		return fmt.Errorf("%w: queue size %d is not a power of two", ErrQueueConfig, size)
	}
	if size > max {
		return fmt.Errorf("%w: queue size %d exceeds device maximum %d", ErrQueueConfig, size, max)
	}

	segs := q.opts.Segments
	if len(segs) == 0 {
		return fmt.Errorf("%w: no receive segments", ErrQueueConfig)
	}
	if len(segs) > int(size) {
		return fmt.Errorf("%w: chain of %d descriptors does not fit queue of %d", ErrQueueConfig, len(segs), size)
	}
	chainBytes := 0
	for i, s := range segs {
		if s == 0 {
			return fmt.Errorf("%w: receive segment %d has zero length", ErrQueueConfig, i)
		}
		chainBytes += alignUp(int(s), 8)
	}
	chains := int(size) / len(segs)
	if q.opts.Buffers > 0 && q.opts.Buffers < chains {
		chains = q.opts.Buffers
	}

	layout := NewLayout(size)
	ring := q.mem.Bytes()
	bufBase := alignUp(layout.End, 64)
	need := bufBase + chains*chainBytes
	if need > len(ring) {
		return fmt.Errorf("%w: queue %d needs %d bytes of DMA memory, region has %d", ErrQueueConfig, q.index, need, len(ring))
	}
	if uintptr(unsafe.Pointer(&ring[0]))%4 != 0 {
		return fmt.Errorf("%w: DMA region is not 4-byte aligned", ErrQueueConfig)
	}
	clear(ring[:layout.End])

	if err := q.t.SetQueueSize(size); err != nil {
		return err
	}
	phys := q.mem.PhysAddr()
	if err := q.t.SetQueueAddress(phys+uint64(layout.Desc), phys+uint64(layout.Avail), phys+uint64(layout.Used)); err != nil {
		return err
	}

	q.size = size
	q.layout = layout
	q.ring = ring
	q.phys = phys
	q.chains = chains
	q.chainBytes = chainBytes
	q.bufBase = bufBase
	q.inflight = make([]bool, size)
	q.state = QueueNegotiated
	q.log.Debug("virtio: queue negotiated", "queue", q.index, "size", size, "buffers", chains, "max", max)
	return nil
}

// Start writes the descriptor table, offers every receive chain to the
// device and kicks it.
func (q *Queue) Start() error {
	if q.state != QueueNegotiated {
		return fmt.Errorf("%w: start queue %d while %s", ErrQueueState, q.index, q.state)
	}
	if err := q.t.SelectQueue(q.index); err != nil {
		return err
	}
	if err := q.t.EnableQueue(); err != nil {
		return err
	}

	segs := q.opts.Segments
	for c := 0; c < q.chains; c++ {
		head := uint16(c * len(segs))
		off := q.bufBase + c*q.chainBytes
		for s, length := range segs {
			idx := head + uint16(s)
			d := Descriptor{Addr: q.phys + uint64(off), Length: length, Flags: DescWrite}
			if s < len(segs)-1 {
				d.Flags |= DescNext
				d.Next = idx + 1
			}
			d.put(q.ring[q.layout.descOffset(idx):])
			off += alignUp(int(length), 8)
		}
	}

	if q.opts.Poll {
		q.availFlags = availNoInterrupt
	}
	for c := 0; c < q.chains; c++ {
		q.arm(uint16(c * len(segs)))
	}
	q.publish()
	q.state = QueueRunning
	if err := q.kick(); err != nil {
		return err
	}
	q.log.Debug("virtio: queue running", "queue", q.index, "armed", q.chains, "poll", q.opts.Poll)
	return nil
}

// WaitChain returns the next completed chain, waiting up to timeout for the
// device. It returns ErrTimeout when nothing completes in time.
func (q *Queue) WaitChain(timeout time.Duration) (Chain, error) {
	if q.err != nil {
		return Chain{}, q.err
	}
	if q.state != QueueRunning {
		return Chain{}, fmt.Errorf("%w: wait on queue %d while %s", ErrQueueState, q.index, q.state)
	}
	deadline := time.Now().Add(timeout)
	for {
		if len(q.pending) > 0 {
			c := q.pending[0]
			q.pending[0] = Chain{}
			q.pending = q.pending[1:]
			return c, nil
		}
		if err := q.drain(); err != nil {
			return Chain{}, q.fail(err)
		}
		if len(q.pending) > 0 {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Chain{}, ErrTimeout
		}
		if err := q.wait(remaining); err != nil {
			return Chain{}, err
		}
	}
}

func (q *Queue) wait(remaining time.Duration) error {
	if q.opts.Poll {
		time.Sleep(min(q.opts.PollInterval, remaining))
		return nil
	}
	fired, err := q.irq.Wait(remaining)
	if err != nil {
		return fmt.Errorf("virtio: queue %d wait for interrupt: %w", q.index, err)
	}
	if !fired {
		return nil
	}
	if _, err := q.t.AckInterrupt(); err != nil {
		return fmt.Errorf("virtio: queue %d acknowledge interrupt: %w", q.index, err)
	}
	if q.opts.Unmask {
		if err := q.irq.Unmask(); err != nil {
			return fmt.Errorf("virtio: queue %d unmask interrupt: %w", q.index, err)
		}
	}
	return nil
}

// drain moves every new used entry to the pending list and re-arms its
// buffer. The avail index is published once at the end.
func (q *Queue) drain() error {
	_, usedIdx := q.usedHeader()
	n := usedIdx - q.lastUsed
	if n == 0 {
		return nil
	}
	if int(n) > q.inflightCount {
		return fmt.Errorf("%w: device returned %d chains with %d in flight", ErrRingCorruption, n, q.inflightCount)
	}
	now := time.Now()
	heads := make([]uint16, 0, n)
	for i := uint16(0); i < n; i++ {
		elem := q.ring[q.layout.usedElement(q.lastUsed):]
		id := binary.LittleEndian.Uint32(elem[0:4])
		length := binary.LittleEndian.Uint32(elem[4:8])
		if id >= uint32(q.size) {
			return fmt.Errorf("%w: used entry %d names head %d outside queue of %d", ErrRingCorruption, q.lastUsed, id, q.size)
		}
		head := uint16(id)
		if !q.inflight[head] {
			return fmt.Errorf("%w: used entry %d names head %d which is not in flight", ErrRingCorruption, q.lastUsed, head)
		}
		data, err := q.collect(head, length)
		if err != nil {
			return err
		}
		q.inflight[head] = false
		q.inflightCount--
		q.lastUsed++
		q.completed++
		q.pending = append(q.pending, Chain{Head: head, Length: length, Data: data, Received: now})
		heads = append(heads, head)
	}
	// Buffers go back only after the whole batch checked out, so a head
	// reported twice in one batch is caught as not in flight.
	for _, head := range heads {
		q.arm(head)
	}
	q.publish()
	return q.kick()
}

// collect walks the chain at head, checks it against the descriptor table
// and copies out length bytes.
func (q *Queue) collect(head uint16, length uint32) ([]byte, error) {
	data := make([]byte, 0, length)
	remaining := length
	var capacity uint64
	idx := head
	for steps := 0; ; steps++ {
		if steps >= int(q.size) {
			return nil, fmt.Errorf("%w: chain at head %d does not terminate", ErrRingCorruption, head)
		}
		d := parseDescriptor(q.ring[q.layout.descOffset(idx):])
		if d.Flags&DescWrite == 0 || d.Flags&DescIndirect != 0 {
			return nil, fmt.Errorf("%w: descriptor %d has flags %#x", ErrRingCorruption, idx, d.Flags)
		}
		off, ok := q.offsetOf(d.Addr, d.Length)
		if !ok {
			return nil, fmt.Errorf("%w: descriptor %d buffer %#x+%d is outside DMA memory", ErrRingCorruption, idx, d.Addr, d.Length)
		}
		capacity += uint64(d.Length)
		take := min(remaining, d.Length)
		data = append(data, q.ring[off:off+int(take)]...)
		remaining -= take
		if d.Flags&DescNext == 0 {
			break
		}
		if d.Next >= q.size {
			return nil, fmt.Errorf("%w: descriptor %d links to %d outside queue of %d", ErrRingCorruption, idx, d.Next, q.size)
		}
		idx = d.Next
	}
	if uint64(length) > capacity {
		return nil, fmt.Errorf("%w: used length %d exceeds capacity %d of chain %d", ErrRingCorruption, length, capacity, head)
	}
	return data, nil
}

func (q *Queue) offsetOf(addr uint64, length uint32) (int, bool) {
	if addr < q.phys {
		return 0, false
	}
	off := addr - q.phys
	if off < uint64(q.bufBase) || off+uint64(length) > uint64(len(q.ring)) {
		return 0, false
	}
	return int(off), true
}

func (q *Queue) arm(head uint16) {
	binary.LittleEndian.PutUint16(q.ring[q.layout.availSlot(q.availIdx):], head)
	q.availIdx++
	q.inflight[head] = true
	q.inflightCount++
	q.armed++
}

// publish makes the ring slots written by arm visible to the device. The
// flags and index share one aligned word, so a single atomic store orders
// all earlier writes before the new index.
func (q *Queue) publish() {
	word := (*uint32)(unsafe.Pointer(&q.ring[q.layout.Avail]))
	atomic.StoreUint32(word, uint32(q.availFlags)|uint32(q.availIdx)<<16)
}

// usedHeader loads the device's flags and index. The atomic load orders the
// reads of used entries that follow it.
func (q *Queue) usedHeader() (flags, idx uint16) {
	word := (*uint32)(unsafe.Pointer(&q.ring[q.layout.Used]))
	v := atomic.LoadUint32(word)
	return uint16(v), uint16(v >> 16)
}

func (q *Queue) kick() error {
	if flags, _ := q.usedHeader(); flags&usedNoNotify != 0 {
		return nil
	}
	if err := q.t.Notify(q.index); err != nil {
		return fmt.Errorf("virtio: notify queue %d: %w", q.index, err)
	}
	return nil
}

// fail stops the queue and makes err sticky.
func (q *Queue) fail(err error) error {
	q.err = err
	q.pending = nil
	q.log.Error("virtio: queue stopped", "queue", q.index, "err", err)
	if stopErr := q.Stop(); stopErr != nil {
		q.log.Warn("virtio: disable queue after failure", "queue", q.index, "err", stopErr)
	}
	return err
}

// Stop detaches the ring from the device. Buffers still in flight are
// abandoned. Stopping twice is a no-op.
func (q *Queue) Stop() error {
	switch q.state {
	case QueueStopped:
		return nil
	case QueueUninitialized:
		q.state = QueueStopped
		return nil
	}
	q.state = QueueStopped
	if err := q.t.SelectQueue(q.index); err != nil {
		return err
	}
	return q.t.DisableQueue()
}
