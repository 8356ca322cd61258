package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/virtiocap/internal/dma"
	"github.com/tinyrange/virtiocap/internal/netdev"
	"github.com/tinyrange/virtiocap/internal/pci"
	"github.com/tinyrange/virtiocap/internal/uio"
	"github.com/tinyrange/virtiocap/internal/virtio"
)

// DMA memory sources.
const (
	MemoryFromUIO      = "uio"
	MemoryFromHugepage = "hugepage"
)

// Options controls how a device is taken over and programmed.
type Options struct {
	Sysfs pci.Sysfs

	// UIODevice is the /dev/uioN node; empty discovers it from sysfs.
	UIODevice string
	// UIODriver, when set, is bound after the kernel driver is detached
	// and unbound again before the kernel driver is restored.
	UIODriver string
	// IRQ is the line the UIO bridge was loaded with, for diagnostics.
	IRQ int

	MemorySource string
	MemoryMap    int
	MemorySize   int
	Pagemap      string

	RegisterBAR int
	Net         virtio.NetOptions

	QuiesceLink bool
	Restore     bool

	Logger *slog.Logger
}

// Attachment is a device under userspace control.
type Attachment struct {
	Device *Device
	Net    *virtio.Net

	opts     Options
	log      *slog.Logger
	ctl      *pci.Controller
	own      *pci.Ownership
	handle   *uio.Handle
	regs     *pci.Resource
	hugepage io.Closer
	boundUIO bool
	closed   bool

	// command is the PCI command word found before DMA was enabled.
	command      uint16
	commandSaved bool
}

// Attach takes the device from the kernel and starts its receive path.
// Setup steps that succeeded are undone when a later one fails.
func (d *Device) Attach(ctx context.Context, opts Options) (*Attachment, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Net.Logger == nil {
		opts.Net.Logger = opts.Logger
	}
	switch d.Kind {
	case KindVirtioNet:
		return d.attachVirtioNet(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: no driver for %s", ErrUnsupportedDevice, d.Kind)
	}
}

func (d *Device) attachVirtioNet(ctx context.Context, opts Options) (*Attachment, error) {
	log := opts.Logger.With("bus", d.Identity.BusID)
	ctl := &pci.Controller{Sysfs: opts.Sysfs, Logger: log}
	a := &Attachment{
		Device: d,
		opts:   opts,
		log:    log,
		ctl:    ctl,
		own:    pci.NewOwnership(ctl, d.Identity),
	}
	log.Info("device: attaching", "kind", d.Kind, "binding", a.own.State())

	if err := a.setup(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.Warn("device: cleanup after failed attach", "err", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *Attachment) setup(ctx context.Context) error {
	opts := a.opts
	id := a.Device.Identity

	if opts.QuiesceLink && a.own.State() == pci.KernelOwned {
		if err := netdev.NewQuiescer(a.log).Takeover(opts.Sysfs, id.BusID); err != nil {
			a.log.Warn("device: could not quiesce kernel interface", "err", err)
		}
	}
	if err := a.own.TakeOver(); err != nil {
		return err
	}
	if opts.UIODriver != "" {
		if err := a.ctl.Bind(opts.UIODriver, id); err != nil {
			return err
		}
		a.boundUIO = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := opts.UIODevice
	if path == "" {
		p, err := uio.Discover(opts.Sysfs.Root, id.BusID)
		if err != nil {
			return err
		}
		path = p
	}
	h, err := uio.Open(path, uio.WithSysfsRoot(sysfsRoot(opts.Sysfs)), uio.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.handle = h
	if err := a.own.ClaimUIO(); err != nil {
		return err
	}
	// Unbinding the kernel driver disables the function, which clears bus
	// mastering. Without it the device cannot reach the rings.
	prev, err := opts.Sysfs.SetCommand(id.BusID, pci.CommandIO|pci.CommandBusMaster, 0)
	if err != nil {
		return err
	}
	a.command, a.commandSaved = prev, true
	a.log.Debug("device: bus mastering enabled", "command", fmt.Sprintf("%#04x", prev))
	if info, err := h.Info(); err == nil {
		a.log.Info("device: uio bridge", "uio", h.Path(), "name", info.Name, "version", info.Version, "irq", opts.IRQ, "events", info.Event)
	} else {
		a.log.Debug("device: uio description unavailable", "err", err)
	}

	mem, err := a.memory(opts)
	if err != nil {
		return err
	}

	regs, err := opts.Sysfs.OpenResource(id.BusID, opts.RegisterBAR)
	if err != nil {
		return err
	}
	a.regs = regs

	if a.own.State() != pci.UioOwned {
		return fmt.Errorf("device: %s is %s, not uio-owned", id.BusID, a.own.State())
	}
	a.Net = virtio.NewNet(virtio.NewLegacyTransport(regs), mem, h, opts.Net)
	if err := a.Net.Init(); err != nil {
		return err
	}
	if err := a.Net.Start(); err != nil {
		return err
	}
	a.log.Info("device: attached", "uio", h.Path(), "mac", a.Net.MAC(), "features", fmt.Sprintf("%#x", a.Net.Features()))
	return nil
}

func (a *Attachment) memory(opts Options) (virtio.Memory, error) {
	switch opts.MemorySource {
	case MemoryFromHugepage:
		m, err := dma.AllocHugepage(opts.MemorySize, opts.Pagemap)
		if err != nil {
			return nil, err
		}
		a.hugepage = m
		a.log.Debug("device: dma from hugepage", "phys", fmt.Sprintf("%#x", m.PhysAddr()), "size", len(m.Bytes()))
		return m, nil
	case MemoryFromUIO, "":
		r, err := a.handle.Map(opts.MemoryMap)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("device: unknown memory source %q", opts.MemorySource)
	}
}

// WaitForFrame returns the next received frame.
func (a *Attachment) WaitForFrame(timeout time.Duration) (virtio.Frame, error) {
	return a.Net.WaitForFrame(timeout)
}

// Close stops the device, releases userspace resources and, when enabled,
// gives the device back to the kernel. It is safe to call more than once.
func (a *Attachment) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.Net != nil {
		if err := a.Net.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.commandSaved {
		if err := a.opts.Sysfs.WriteCommand(a.Device.Identity.BusID, a.command); err != nil {
			errs = append(errs, err)
		}
	}
	if a.regs != nil {
		if err := a.regs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hugepage != nil {
		if err := a.hugepage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.handle != nil {
		if err := a.handle.Close(); err != nil {
			errs = append(errs, err)
		}
		if a.own.State() == pci.UioOwned {
			if err := a.own.ReleaseUIO(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	uioDetached := true
	if a.boundUIO {
		if err := a.ctl.Unbind(a.Device.Identity); err != nil {
			errs = append(errs, err)
			uioDetached = false
		}
	}
	// Restore cannot rebind while the UIO driver still holds the device.
	if a.opts.Restore && !uioDetached {
		a.log.Warn("device: not restoring kernel driver, uio driver still bound", "driver", a.opts.UIODriver)
	} else if a.opts.Restore {
		if err := a.own.Restore(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err == nil {
		a.log.Info("device: detached", "binding", a.own.State())
	}
	return err
}

func sysfsRoot(s pci.Sysfs) string {
	if s.Root == "" {
		return pci.DefaultSysfsRoot
	}
	return s.Root
}
