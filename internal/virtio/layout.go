package virtio

// LegacyQueueAlign is the alignment of the used ring in the legacy layout.
const LegacyQueueAlign = 4096

// Layout gives the byte offsets of the three parts of a split virtqueue
// placed contiguously in the legacy arrangement.
type Layout struct {
	Size  uint16
	Desc  int
	Avail int
	Used  int
	// End is one past the last byte of the used ring.
	End int
}

// NewLayout computes the legacy layout for a queue of size entries.
func NewLayout(size uint16) Layout {
	n := int(size)
	avail := descriptorSize * n
	// flags, idx, ring[n], used_event
	availEnd := avail + 4 + 2*n + 2
	used := alignUp(availEnd, LegacyQueueAlign)
	// flags, idx, ring[n]{id, len}, avail_event
	end := used + 4 + 8*n + 2
	return Layout{Size: size, Desc: 0, Avail: avail, Used: used, End: end}
}

func (l Layout) descOffset(i uint16) int  { return l.Desc + int(i)*descriptorSize }
func (l Layout) availSlot(i uint16) int   { return l.Avail + 4 + int(i%l.Size)*2 }
func (l Layout) usedElement(i uint16) int { return l.Used + 4 + int(i%l.Size)*8 }

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}
