// Package netdev takes a NIC away from the kernel network stack before its
// PCI function is unbound.
package netdev

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"

	"github.com/tinyrange/virtiocap/internal/pci"
)

// Lookup returns the kernel interface names backed by busID. virtio-net
// interfaces hang off the virtioN child device rather than the PCI function.
func Lookup(sysfs pci.Sysfs, busID string) ([]string, error) {
	patterns := []string{
		sysfs.DevicePath(busID, "net", "*"),
		sysfs.DevicePath(busID, "virtio*", "net", "*"),
	}
	var names []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("netdev: glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			names = append(names, filepath.Base(m))
		}
	}
	sort.Strings(names)
	return names, nil
}

// driverInfo is the subset of *ethtool.Ethtool used to confirm ownership.
type driverInfo interface {
	BusInfo(intf string) (string, error)
	DriverName(intf string) (string, error)
	Close()
}

// Quiescer brings interfaces down so the kernel stops queueing traffic on a
// device that is about to be unbound.
type Quiescer struct {
	Logger *slog.Logger

	newInfo func() (driverInfo, error)
	setDown func(name string) error
}

// NewQuiescer returns a Quiescer backed by ethtool and netlink.
func NewQuiescer(log *slog.Logger) *Quiescer {
	if log == nil {
		log = slog.Default()
	}
	return &Quiescer{
		Logger: log,
		newInfo: func() (driverInfo, error) {
			return ethtool.NewEthtool()
		},
		setDown: func(name string) error {
			link, err := netlink.LinkByName(name)
			if err != nil {
				return err
			}
			return netlink.LinkSetDown(link)
		},
	}
}

// Quiesce sets every interface of busID down. Interfaces whose ethtool bus
// info names a different device are left alone.
func (q *Quiescer) Quiesce(busID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	info, err := q.newInfo()
	if err != nil {
		return fmt.Errorf("netdev: open ethtool: %w", err)
	}
	defer info.Close()

	for _, name := range names {
		bus, err := info.BusInfo(name)
		if err != nil {
			return fmt.Errorf("netdev: bus info of %s: %w", name, err)
		}
		if bus != busID {
			q.Logger.Warn("netdev: interface belongs to another device", "iface", name, "bus", bus, "want", busID)
			continue
		}
		driver, err := info.DriverName(name)
		if err != nil {
			driver = "unknown"
		}
		if err := q.setDown(name); err != nil {
			return fmt.Errorf("netdev: set %s down: %w", name, err)
		}
		q.Logger.Info("netdev: interface down", "iface", name, "driver", driver, "bus", busID)
	}
	return nil
}

// Takeover looks up and quiesces the interfaces of busID.
func (q *Quiescer) Takeover(sysfs pci.Sysfs, busID string) error {
	names, err := Lookup(sysfs, busID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		q.Logger.Debug("netdev: no kernel interface", "bus", busID)
		return nil
	}
	if os.Geteuid() != 0 {
		q.Logger.Warn("netdev: not running as root, link changes will likely fail", "ifaces", names)
	}
	return q.Quiesce(busID, names)
}
