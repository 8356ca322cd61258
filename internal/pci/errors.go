package pci

import "errors"

var (
	// ErrResourceUnavailable reports a sysfs node that is missing or cannot be opened.
	ErrResourceUnavailable = errors.New("pci: resource unavailable")
	// ErrShortRead reports a read that returned fewer bytes than requested.
	ErrShortRead = errors.New("pci: short read")
	// ErrShortWrite reports a write that did not consume the whole buffer.
	ErrShortWrite = errors.New("pci: short write")
	// ErrBindControl reports a failed write to a driver bind or unbind file.
	ErrBindControl = errors.New("pci: bind control failed")
	// ErrInvalidBusID reports a bus address that is not DDDD:BB:DD.F.
	ErrInvalidBusID = errors.New("pci: invalid bus id")
	// ErrInvalidIdentity reports config space that does not describe a present device.
	ErrInvalidIdentity = errors.New("pci: invalid device identity")
	// ErrInvalidTransition reports an ownership change that is not legal from the current state.
	ErrInvalidTransition = errors.New("pci: invalid binding transition")
)
