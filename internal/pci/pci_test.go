package pci

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeSysfs builds a minimal sysfs tree under a temporary directory.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	return &fakeSysfs{t: t, root: t.TempDir()}
}

func (f *fakeSysfs) sysfs() Sysfs { return Sysfs{Root: f.root} }

func (f *fakeSysfs) addDevice(bus string, vendor, device, class uint16) {
	f.t.Helper()
	dir := filepath.Join(f.root, "bus", "pci", "devices", bus)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.t.Fatalf("mkdir: %v", err)
	}
	config := make([]byte, 64)
	config[0], config[1] = byte(vendor), byte(vendor>>8)
	config[2], config[3] = byte(device), byte(device>>8)
	config[10], config[11] = byte(class), byte(class>>8)
	if err := os.WriteFile(filepath.Join(dir, "config"), config, 0o644); err != nil {
		f.t.Fatalf("write config: %v", err)
	}
}

func (f *fakeSysfs) addDriver(name string) string {
	f.t.Helper()
	dir := filepath.Join(f.root, "bus", "pci", "drivers", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.t.Fatalf("mkdir: %v", err)
	}
	for _, ctl := range []string{"bind", "unbind"} {
		if err := os.WriteFile(filepath.Join(dir, ctl), nil, 0o644); err != nil {
			f.t.Fatalf("write %s: %v", ctl, err)
		}
	}
	return dir
}

func (f *fakeSysfs) bindDevice(bus, driver string) {
	f.t.Helper()
	dir := f.addDriver(driver)
	if err := os.Symlink(dir, filepath.Join(f.root, "bus", "pci", "devices", bus, "driver")); err != nil {
		f.t.Fatalf("symlink: %v", err)
	}
}

func (f *fakeSysfs) read(rel ...string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{f.root}, rel...)...))
	if err != nil {
		f.t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestIdentify(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)

	id, err := fs.sysfs().Identify("0000:00:08.0")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	want := Identity{BusID: "0000:00:08.0", VendorID: 0x1af4, DeviceID: 0x1000, ClassID: 0x0200}
	if id != want {
		t.Fatalf("identity = %+v, want %+v", id, want)
	}
}

func TestIdentifyErrors(t *testing.T) {
	fs := newFakeSysfs(t)

	t.Run("missing device", func(t *testing.T) {
		_, err := fs.sysfs().Identify("0000:00:09.0")
		if !errors.Is(err, ErrResourceUnavailable) {
			t.Fatalf("expected ErrResourceUnavailable, got %v", err)
		}
	})

	t.Run("truncated config", func(t *testing.T) {
		dir := filepath.Join(fs.root, "bus", "pci", "devices", "0000:00:0a.0")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "config"), []byte{0xf4, 0x1a, 0x00, 0x10}, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, err := fs.sysfs().Identify("0000:00:0a.0")
		if !errors.Is(err, ErrShortRead) {
			t.Fatalf("expected ErrShortRead, got %v", err)
		}
	})

	t.Run("absent function", func(t *testing.T) {
		fs.addDevice("0000:00:0b.0", 0xffff, 0xffff, 0xffff)
		_, err := fs.sysfs().Identify("0000:00:0b.0")
		if !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("expected ErrInvalidIdentity, got %v", err)
		}
	})
}

func TestNormalizeBusID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0000:00:08.0", want: "0000:00:08.0"},
		{in: "00:08.0", want: "0000:00:08.0"},
		{in: " 0000:3B:00.1 ", want: "0000:3b:00.1"},
		{in: "0000:00:08", wantErr: true},
		{in: "00:08.8", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeBusID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidBusID) {
				t.Fatalf("NormalizeBusID(%q): expected ErrInvalidBusID, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeBusID(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeBusID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnbind(t *testing.T) {
	t.Run("writes bus id", func(t *testing.T) {
		fs := newFakeSysfs(t)
		fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
		fs.bindDevice("0000:00:08.0", VirtioDriver)
		ctl := &Controller{Sysfs: fs.sysfs()}
		id := Identity{BusID: "0000:00:08.0"}

		if !ctl.IsBound(id) {
			t.Fatalf("expected device to be bound")
		}
		if err := ctl.Unbind(id); err != nil {
			t.Fatalf("unbind: %v", err)
		}
		if got := fs.read("bus", "pci", "drivers", VirtioDriver, "unbind"); got != "0000:00:08.0" {
			t.Fatalf("unbind file = %q", got)
		}
	})

	t.Run("missing file is success", func(t *testing.T) {
		fs := newFakeSysfs(t)
		fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
		ctl := &Controller{Sysfs: fs.sysfs()}
		id := Identity{BusID: "0000:00:08.0"}

		if ctl.IsBound(id) {
			t.Fatalf("expected device to be unbound")
		}
		for i := 0; i < 2; i++ {
			if err := ctl.Unbind(id); err != nil {
				t.Fatalf("unbind #%d: %v", i, err)
			}
		}
	})

	t.Run("write failure", func(t *testing.T) {
		fs := newFakeSysfs(t)
		fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
		fs.bindDevice("0000:00:08.0", VirtioDriver)
		unbind := filepath.Join(fs.root, "bus", "pci", "drivers", VirtioDriver, "unbind")
		if err := os.Remove(unbind); err != nil {
			t.Fatalf("remove: %v", err)
		}
		// A directory exists but cannot be opened for writing.
		if err := os.Mkdir(unbind, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		ctl := &Controller{Sysfs: fs.sysfs()}
		err := ctl.Unbind(Identity{BusID: "0000:00:08.0"})
		if !errors.Is(err, ErrBindControl) {
			t.Fatalf("expected ErrBindControl, got %v", err)
		}
	})
}

func TestBindToVirtio(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
	ctl := &Controller{Sysfs: fs.sysfs()}
	id := Identity{BusID: "0000:00:08.0"}

	// virtio-pci not loaded: no control file, nothing to do.
	if err := ctl.BindToVirtio(id); err != nil {
		t.Fatalf("bind without driver: %v", err)
	}

	fs.addDriver(VirtioDriver)
	if err := ctl.BindToVirtio(id); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got := fs.read("bus", "pci", "drivers", VirtioDriver, "bind"); got != "0000:00:08.0" {
		t.Fatalf("bind file = %q", got)
	}
}

func TestDriver(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
	ctl := &Controller{Sysfs: fs.sysfs()}
	id := Identity{BusID: "0000:00:08.0"}

	name, err := ctl.Driver(id)
	if err != nil || name != "" {
		t.Fatalf("Driver() = %q, %v; want empty", name, err)
	}
	fs.bindDevice("0000:00:08.0", VirtioDriver)
	name, err = ctl.Driver(id)
	if err != nil {
		t.Fatalf("Driver(): %v", err)
	}
	if name != VirtioDriver {
		t.Fatalf("Driver() = %q, want %q", name, VirtioDriver)
	}
}

func TestOwnershipTransitions(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
	fs.bindDevice("0000:00:08.0", VirtioDriver)
	ctl := &Controller{Sysfs: fs.sysfs()}
	own := NewOwnership(ctl, Identity{BusID: "0000:00:08.0"})

	if own.State() != KernelOwned {
		t.Fatalf("initial state = %s", own.State())
	}
	if err := own.ClaimUIO(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("claim from kernel-owned: expected ErrInvalidTransition, got %v", err)
	}
	if err := own.TakeOver(); err != nil {
		t.Fatalf("take over: %v", err)
	}
	if own.State() != Unbound {
		t.Fatalf("state after take over = %s", own.State())
	}
	if err := own.ClaimUIO(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := own.Restore(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restore while uio-owned: expected ErrInvalidTransition, got %v", err)
	}
	if err := own.ReleaseUIO(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// The fake tree cannot emulate the kernel detaching the driver, so drop
	// the link by hand before restoring.
	if err := os.Remove(filepath.Join(fs.root, "bus", "pci", "devices", "0000:00:08.0", "driver")); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	if err := own.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if own.State() != KernelOwned {
		t.Fatalf("state after restore = %s", own.State())
	}
	if got := fs.read("bus", "pci", "drivers", VirtioDriver, "bind"); got != "0000:00:08.0" {
		t.Fatalf("bind file = %q", got)
	}
}

func TestOwnershipRestoreSkipsUnboundDevice(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, 0x0200)
	fs.addDriver(VirtioDriver)
	own := NewOwnership(&Controller{Sysfs: fs.sysfs()}, Identity{BusID: "0000:00:08.0"})

	if own.Initial() != Unbound {
		t.Fatalf("initial = %s", own.Initial())
	}
	if err := own.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := fs.read("bus", "pci", "drivers", VirtioDriver, "bind"); got != "" {
		t.Fatalf("unexpected bind write %q", got)
	}
}

func TestResourceAccess(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, ClassEthernet)
	path := filepath.Join(fs.root, "bus", "pci", "devices", "0000:00:08.0", "resource0")
	if err := os.WriteFile(path, make([]byte, 32), 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	res, err := fs.sysfs().OpenResource("0000:00:08.0", 0)
	if err != nil {
		t.Fatalf("OpenResource: %v", err)
	}
	defer res.Close()

	if _, err := res.WriteAt([]byte{0x34, 0x12}, 0x0e); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := res.ReadAt(buf, 0x0e); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 0x34 || buf[1] != 0x12 {
		t.Fatalf("read back %x", buf)
	}
	if _, err := res.ReadAt(make([]byte, 4), 30); !errors.Is(err, ErrShortRead) {
		t.Fatalf("read past end: got %v, want ErrShortRead", err)
	}

	if _, err := fs.sysfs().OpenResource("0000:00:08.0", 1); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("missing BAR: got %v, want ErrResourceUnavailable", err)
	}
	if _, err := fs.sysfs().OpenResource("0000:00:08.0", 6); err == nil {
		t.Fatalf("BAR 6 accepted")
	}
}

func TestSetCommand(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:00:08.0", 0x1af4, 0x1000, ClassEthernet)
	s := fs.sysfs()

	prev, err := s.SetCommand("0000:00:08.0", CommandIO|CommandBusMaster, 0)
	if err != nil {
		t.Fatalf("SetCommand: %v", err)
	}
	if prev != 0 {
		t.Fatalf("previous command = %#04x, want 0", prev)
	}
	config := fs.read("bus", "pci", "devices", "0000:00:08.0", "config")
	if config[4] != 0x05 || config[5] != 0x00 {
		t.Fatalf("command bytes = %#02x %#02x, want 0x05 0x00", config[4], config[5])
	}
	if config[0] != 0xf4 || config[10] != 0x00 || config[11] != 0x02 {
		t.Fatalf("identity bytes changed: % x", config[:12])
	}

	prev, err = s.SetCommand("0000:00:08.0", 0, CommandIO)
	if err != nil {
		t.Fatalf("SetCommand clear: %v", err)
	}
	if prev != CommandIO|CommandBusMaster {
		t.Fatalf("previous command = %#04x", prev)
	}
	if got, err := s.Command("0000:00:08.0"); err != nil || got != CommandBusMaster {
		t.Fatalf("Command = %#04x, %v", got, err)
	}

	if err := s.WriteCommand("0000:00:08.0", 0); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if got, err := s.Command("0000:00:08.0"); err != nil || got != 0 {
		t.Fatalf("Command after restore = %#04x, %v", got, err)
	}
}

func TestSetCommandErrors(t *testing.T) {
	fs := newFakeSysfs(t)
	s := fs.sysfs()
	if _, err := s.SetCommand("0000:00:09.0", CommandBusMaster, 0); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("missing device: got %v, want ErrResourceUnavailable", err)
	}

	dir := filepath.Join(fs.root, "bus", "pci", "devices", "0000:00:08.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte{0xf4, 0x1a, 0x00, 0x10, 0x01}, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := s.SetCommand("0000:00:08.0", CommandBusMaster, 0); !errors.Is(err, ErrShortRead) {
		t.Fatalf("truncated config: got %v, want ErrShortRead", err)
	}
}
