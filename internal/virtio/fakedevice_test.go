package virtio

import (
	"encoding/binary"
	"testing"
	"time"
)

// testMemory is heap memory posing as a DMA region at a fixed bus address.
type testMemory struct {
	buf  []byte
	phys uint64
}

func newTestMemory(size int) *testMemory {
	return &testMemory{buf: make([]byte, size), phys: 0x4000_0000}
}

func (m *testMemory) Bytes() []byte    { return m.buf }
func (m *testMemory) PhysAddr() uint64 { return m.phys }

// fakeDevice emulates the device half of a legacy virtio-net function: the
// register window plus DMA into the driver's rings.
type fakeDevice struct {
	t   *testing.T
	mem *testMemory

	maxSize       uint16
	hostFeatures  uint32
	guestFeatures uint32
	status        uint8
	statusHistory []uint8
	selected      uint16
	pfn           uint32
	isr           uint8
	isrReads      int
	notifications int
	mac           [6]byte
	linkStatus    uint16
	nextAvail     uint16
	usedIdx       uint16
}

func newFakeDevice(t *testing.T, mem *testMemory, maxSize uint16) *fakeDevice {
	return &fakeDevice{
		t:            t,
		mem:          mem,
		maxSize:      maxSize,
		hostFeatures: uint32(NetFeatureMAC | NetFeatureStatus | NetFeatureMrgRxbuf | NetFeatureCsum),
		mac:          [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		linkStatus:   NetStatusLinkUp,
	}
}

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	var v uint32
	switch off {
	case legacyDeviceFeatures:
		v = d.hostFeatures
	case legacyDriverFeatures:
		v = d.guestFeatures
	case legacyQueuePFN:
		v = d.pfn
	case legacyQueueSize:
		if d.selected == 0 {
			v = uint32(d.maxSize)
		}
	case legacyDeviceStatus:
		v = uint32(d.status)
	case legacyISRStatus:
		v = uint32(d.isr)
		d.isr = 0
		d.isrReads++
	default:
		cfg := int(off) - legacyConfig
		switch {
		case cfg >= 0 && cfg < 6:
			v = uint32(d.mac[cfg])
		case cfg == 6:
			v = uint32(d.linkStatus & 0xff)
		case cfg == 7:
			v = uint32(d.linkStatus >> 8)
		default:
			d.t.Fatalf("read of unknown register %#x", off)
		}
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(p, buf[:len(p)])
	return len(p), nil
}

func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	var buf [4]byte
	copy(buf[:], p)
	v := binary.LittleEndian.Uint32(buf[:])
	switch off {
	case legacyDriverFeatures:
		d.guestFeatures = v
	case legacyQueuePFN:
		d.pfn = v
		if v != 0 {
			d.nextAvail, d.usedIdx = 0, 0
		}
	case legacyQueueSelect:
		d.selected = uint16(v)
	case legacyQueueNotify:
		d.notifications++
	case legacyDeviceStatus:
		d.status = uint8(v)
		d.statusHistory = append(d.statusHistory, d.status)
		if v == 0 {
			d.pfn, d.guestFeatures = 0, 0
		}
	default:
		d.t.Fatalf("write of unknown register %#x", off)
	}
	return len(p), nil
}

// ring offsets, computed from the PFN the driver programmed.
func (d *fakeDevice) desc() int {
	if d.pfn == 0 {
		d.t.Fatalf("queue not configured")
	}
	return int(uint64(d.pfn)<<legacyPFNShift - d.mem.phys)
}

func (d *fakeDevice) avail() int { return d.desc() + 16*int(d.maxSize) }

func (d *fakeDevice) used() int {
	end := d.avail() + 6 + 2*int(d.maxSize)
	return (end + 4095) &^ 4095
}

func (d *fakeDevice) le16(off int) uint16 { return binary.LittleEndian.Uint16(d.mem.buf[off:]) }

func (d *fakeDevice) availFlags() uint16 { return d.le16(d.avail()) }
func (d *fakeDevice) availIdx() uint16   { return d.le16(d.avail() + 2) }

func (d *fakeDevice) setUsedFlags(flags uint16) {
	binary.LittleEndian.PutUint16(d.mem.buf[d.used():], flags)
}

// takeAvail pops the next head the driver offered.
func (d *fakeDevice) takeAvail() uint16 {
	if d.nextAvail == d.availIdx() {
		d.t.Fatalf("device has no available buffers")
	}
	slot := int(d.nextAvail % d.maxSize)
	d.nextAvail++
	return d.le16(d.avail() + 4 + 2*slot)
}

// pushUsed appends a raw used element and publishes the new index.
func (d *fakeDevice) pushUsed(id, length uint32) {
	elem := d.used() + 4 + 8*int(d.usedIdx%d.maxSize)
	binary.LittleEndian.PutUint32(d.mem.buf[elem:], id)
	binary.LittleEndian.PutUint32(d.mem.buf[elem+4:], length)
	d.usedIdx++
	binary.LittleEndian.PutUint16(d.mem.buf[d.used()+2:], d.usedIdx)
}

// receive delivers frames into the next available chains, prefixing each
// with a zeroed virtio-net header.
func (d *fakeDevice) receive(frames ...[]byte) {
	for _, frame := range frames {
		head := d.takeAvail()
		payload := append(make([]byte, NetHeaderSize), frame...)
		written := 0
		idx := head
		for {
			off := d.desc() + 16*int(idx)
			addr := binary.LittleEndian.Uint64(d.mem.buf[off:])
			length := int(binary.LittleEndian.Uint32(d.mem.buf[off+8:]))
			flags := binary.LittleEndian.Uint16(d.mem.buf[off+12:])
			if flags&uint16(DescWrite) == 0 {
				d.t.Fatalf("descriptor %d is not writable", idx)
			}
			n := copy(d.mem.buf[int(addr-d.mem.phys):int(addr-d.mem.phys)+length], payload[written:])
			written += n
			if flags&uint16(DescNext) == 0 || written == len(payload) {
				break
			}
			idx = binary.LittleEndian.Uint16(d.mem.buf[off+14:])
		}
		if written != len(payload) {
			d.t.Fatalf("frame of %d bytes does not fit chain %d", len(frame), head)
		}
		d.pushUsed(uint32(head), uint32(len(payload)))
	}
	d.isr |= 1
}

// fakeInterrupts counts waits and runs onWait to let the device act while
// the driver is blocked.
type fakeInterrupts struct {
	onWait  func()
	waits   int
	unmasks int
}

func (f *fakeInterrupts) Wait(timeout time.Duration) (bool, error) {
	f.waits++
	if f.onWait == nil {
		return false, nil
	}
	fn := f.onWait
	f.onWait = nil
	fn()
	return true, nil
}

func (f *fakeInterrupts) Unmask() error {
	f.unmasks++
	return nil
}
