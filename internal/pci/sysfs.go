package pci

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultSysfsRoot is the mount point of sysfs on a running system.
const DefaultSysfsRoot = "/sys"

// VirtioDriver is the name of the kernel's virtio transport driver.
const VirtioDriver = "virtio-pci"

// Sysfs resolves PCI nodes beneath a sysfs mount. The zero value uses
// DefaultSysfsRoot.
type Sysfs struct {
	Root string
}

func (s Sysfs) root() string {
	if s.Root == "" {
		return DefaultSysfsRoot
	}
	return s.Root
}

// DevicePath returns /sys/bus/pci/devices/<bus>/<elem...>.
func (s Sysfs) DevicePath(busID string, elem ...string) string {
	parts := append([]string{s.root(), "bus", "pci", "devices", busID}, elem...)
	return filepath.Join(parts...)
}

// DriverPath returns /sys/bus/pci/drivers/<driver>/<elem...>.
func (s Sysfs) DriverPath(driver string, elem ...string) string {
	parts := append([]string{s.root(), "bus", "pci", "drivers", driver}, elem...)
	return filepath.Join(parts...)
}

var (
	longBusID  = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]$`)
	shortBusID = regexp.MustCompile(`^[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]$`)
)

// NormalizeBusID returns the canonical lower-case DDDD:BB:DD.F form of id.
// The short BB:DD.F form is accepted and placed in domain 0000.
func NormalizeBusID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	switch {
	case longBusID.MatchString(id):
		return id, nil
	case shortBusID.MatchString(id):
		return "0000:" + id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBusID, id)
	}
}
