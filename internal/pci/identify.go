package pci

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Config space offsets of the identity fields.
const (
	offsetVendorID = 0x00
	offsetDeviceID = 0x02
	offsetClassID  = 0x0a
)

// ClassEthernet is the base/sub class pair of an Ethernet controller.
const ClassEthernet uint16 = 0x0200

// Identity is the triple read from a function's configuration space.
type Identity struct {
	BusID    string
	VendorID uint16
	DeviceID uint16
	ClassID  uint16
}

func (id Identity) String() string {
	return fmt.Sprintf("%s [%04x:%04x] class %04x", id.BusID, id.VendorID, id.DeviceID, id.ClassID)
}

// Identify reads vendor, device and class from the config file of busID.
// It performs three independent 2-byte reads and has no side effects.
func (s Sysfs) Identify(busID string) (Identity, error) {
	path := s.DevicePath(busID, "config")
	f, err := os.Open(path)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: open %s: %w", ErrResourceUnavailable, path, err)
	}
	defer f.Close()

	id := Identity{BusID: busID}
	fields := []struct {
		off int64
		dst *uint16
	}{
		{offsetVendorID, &id.VendorID},
		{offsetDeviceID, &id.DeviceID},
		{offsetClassID, &id.ClassID},
	}
	for _, field := range fields {
		v, err := readUint16(f, field.off)
		if err != nil {
			return Identity{}, fmt.Errorf("pci: identify %s: %w", path, err)
		}
		*field.dst = v
	}

	if id.VendorID == 0x0000 || id.VendorID == 0xffff {
		return Identity{}, fmt.Errorf("%w: %s reports vendor %#04x", ErrInvalidIdentity, busID, id.VendorID)
	}
	return id, nil
}

func readUint16(r io.ReaderAt, off int64) (uint16, error) {
	var buf [2]byte
	n, err := r.ReadAt(buf[:], off)
	if n != len(buf) {
		if err == nil || err == io.EOF {
			return 0, fmt.Errorf("%w at offset %#x (want %d, got %d)", ErrShortRead, off, len(buf), n)
		}
		return 0, fmt.Errorf("%w at offset %#x: %w", ErrShortRead, off, err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
