// Package device turns a PCI bus address into a driver for the NIC behind
// it.
package device

import (
	"errors"
	"fmt"

	"github.com/tinyrange/virtiocap/internal/pci"
)

var (
	// ErrNotANic reports a device whose class is not Ethernet.
	ErrNotANic = errors.New("device: not a network controller")
	// ErrUnsupportedDevice reports an Ethernet controller no driver handles.
	ErrUnsupportedDevice = errors.New("device: unsupported device")
)

// PCI IDs of the transitional virtio-net function.
const (
	VendorRedHatVirtio uint16 = 0x1af4
	DeviceVirtioNet    uint16 = 0x1000
)

// Kind names the driver variant selected for a device.
type Kind int

const (
	KindUnknown Kind = iota
	KindVirtioNet
)

func (k Kind) String() string {
	switch k {
	case KindVirtioNet:
		return "virtio-net"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Identifier reads the identity of a PCI function.
type Identifier interface {
	Identify(busID string) (pci.Identity, error)
}

// Device is a NIC the factory found a driver for. It holds no resources
// until attached.
type Device struct {
	Kind     Kind
	Identity pci.Identity
}

// Factory is the only place devices are created.
type Factory struct {
	Reader Identifier
}

// Create identifies busID and selects its driver variant.
func (f Factory) Create(busID string) (*Device, error) {
	bus, err := pci.NormalizeBusID(busID)
	if err != nil {
		return nil, err
	}
	id, err := f.Reader.Identify(bus)
	if err != nil {
		return nil, err
	}
	if id.ClassID != pci.ClassEthernet {
		return nil, fmt.Errorf("%w: %s", ErrNotANic, id)
	}
	switch {
	case id.VendorID == VendorRedHatVirtio && id.DeviceID == DeviceVirtioNet:
		return &Device{Kind: KindVirtioNet, Identity: id}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, id)
	}
}
