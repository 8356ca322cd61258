package pci

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Controller moves a PCI function between kernel drivers by writing its bus
// address into sysfs control files. It does not verify which driver ends up
// bound after a write.
type Controller struct {
	Sysfs  Sysfs
	Logger *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// IsBound reports whether a kernel driver currently owns the device.
func (c *Controller) IsBound(id Identity) bool {
	_, err := os.Stat(c.Sysfs.DevicePath(id.BusID, "driver"))
	return err == nil
}

// Driver returns the name of the bound kernel driver, or "" when unbound.
func (c *Controller) Driver(id Identity) (string, error) {
	target, err := os.Readlink(c.Sysfs.DevicePath(id.BusID, "driver"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pci: read driver link of %s: %w", id.BusID, err)
	}
	return filepath.Base(target), nil
}

// Unbind detaches the device from its current driver. A device without a
// driver has no unbind file, which counts as success.
func (c *Controller) Unbind(id Identity) error {
	path := c.Sysfs.DevicePath(id.BusID, "driver", "unbind")
	written, err := writeControl(path, id.BusID)
	if err != nil {
		return err
	}
	if !written {
		c.logger().Debug("pci: device already unbound", "bus", id.BusID)
		return nil
	}
	c.logger().Info("pci: unbound device", "bus", id.BusID)
	return nil
}

// BindToVirtio hands the device to the kernel virtio-pci driver. It is a
// no-op when the device already has a driver or virtio-pci is not loaded.
func (c *Controller) BindToVirtio(id Identity) error {
	return c.Bind(VirtioDriver, id)
}

// Bind writes the bus address to the bind file of driver. The driver must
// already match the device's IDs. Binding a device that has a driver, or
// binding to a driver that is not loaded, does nothing.
func (c *Controller) Bind(driver string, id Identity) error {
	if c.IsBound(id) {
		c.logger().Debug("pci: device already bound", "bus", id.BusID)
		return nil
	}
	path := c.Sysfs.DriverPath(driver, "bind")
	written, err := writeControl(path, id.BusID)
	if err != nil {
		return err
	}
	if !written {
		c.logger().Warn("pci: driver not present, device left unbound", "bus", id.BusID, "driver", driver)
		return nil
	}
	c.logger().Info("pci: bound device", "bus", id.BusID, "driver", driver)
	return nil
}

// writeControl writes value to a sysfs control file. It returns false with a
// nil error when the file does not exist.
func writeControl(path, value string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %w", ErrBindControl, path, err)
	}
	defer f.Close()

	n, err := f.Write([]byte(value))
	if err != nil && n == 0 {
		return false, fmt.Errorf("%w: write %s: %w", ErrBindControl, path, err)
	}
	if n != len(value) {
		return false, fmt.Errorf("%w: write %s: %w (want %d, got %d)", ErrBindControl, path, ErrShortWrite, len(value), n)
	}
	return true, nil
}
