package virtio

import "encoding/binary"

// DescriptorFlag is the flags field of a split-ring descriptor.
type DescriptorFlag uint16

const (
	// DescNext marks a descriptor that continues through Next.
	DescNext DescriptorFlag = 1
	// DescWrite marks a buffer the device writes into.
	DescWrite DescriptorFlag = 2
	// DescIndirect marks a buffer holding a table of descriptors.
	DescIndirect DescriptorFlag = 4
)

const descriptorSize = 16

// Ring flag bits.
const (
	// availNoInterrupt asks the device not to interrupt on completions.
	availNoInterrupt uint16 = 1
	// usedNoNotify tells the driver the device does not need kicks.
	usedNoNotify uint16 = 1
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  DescriptorFlag
	Next   uint16
}

func (d Descriptor) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], uint16(d.Flags))
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func parseDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
		Flags:  DescriptorFlag(binary.LittleEndian.Uint16(b[12:14])),
		Next:   binary.LittleEndian.Uint16(b[14:16]),
	}
}
