// Package uio consumes the userspace side of a Linux UIO device: a
// character node whose reads block until the next interrupt and return a
// cumulative interrupt count, plus memory maps described under
// /sys/class/uio/uioN/maps.
package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrBusy reports that another consumer already holds the device.
	ErrBusy = errors.New("uio: device busy")
	// ErrClosed reports use of a handle after Close.
	ErrClosed = errors.New("uio: handle closed")
)

// DefaultSysfsRoot is where the UIO class directory is looked up.
const DefaultSysfsRoot = "/sys"

// Process-wide set of open device paths. flock only excludes other open
// file descriptions, so a second Open from this process is caught here.
var (
	registryMu sync.Mutex
	registry   = map[string]struct{}{}
)

// Option configures Open.
type Option func(*Handle)

// WithSysfsRoot overrides the sysfs mount used to describe maps.
func WithSysfsRoot(root string) Option {
	return func(h *Handle) { h.sysfsRoot = root }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.log = l }
}

// Handle is an exclusive consumer of one UIO device node.
type Handle struct {
	path      string
	key       string
	sysfsRoot string
	log       *slog.Logger

	mu      sync.Mutex
	f       *os.File
	count   uint32
	seen    bool
	regions []*Region
	closed  bool
}

// Open takes exclusive ownership of the UIO node at path.
func Open(path string, opts ...Option) (*Handle, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("uio: resolve %s: %w", path, err)
	}
	h := &Handle{path: path, key: key, sysfsRoot: DefaultSysfsRoot, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[key]; ok {
		return nil, fmt.Errorf("%w: %s is already open in this process", ErrBusy, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked by another process", ErrBusy, path)
		}
		return nil, fmt.Errorf("uio: lock %s: %w", path, err)
	}

	registry[key] = struct{}{}
	h.f = f
	h.log.Debug("uio: opened device", "path", path)
	return h, nil
}

// Path returns the device node path.
func (h *Handle) Path() string { return h.path }

// Name returns the uioN name of the device node.
func (h *Handle) Name() string { return filepath.Base(h.path) }

// Count returns the last interrupt count read from the device.
func (h *Handle) Count() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Wait blocks until the device reports an interrupt or timeout elapses. It
// returns true when the interrupt count advanced. Interrupts raised between
// two reads are coalesced into one wake-up. A negative timeout waits forever.
func (h *Handle) Wait(timeout time.Duration) (bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, ErrClosed
	}
	f := h.f
	h.mu.Unlock()

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("uio: poll %s: %w", h.path, err)
		}
		if n == 0 {
			return false, nil
		}
		break
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("uio: poll %s: revents %#x", h.path, fds[0].Revents)
	}

	var buf [4]byte
	n, err := f.Read(buf[:])
	if err != nil {
		return false, fmt.Errorf("uio: read %s: %w", h.path, err)
	}
	if n != len(buf) {
		return false, fmt.Errorf("uio: read %s: short interrupt count (want %d, got %d)", h.path, len(buf), n)
	}
	count := binary.NativeEndian.Uint32(buf[:])

	h.mu.Lock()
	defer h.mu.Unlock()
	advanced := !h.seen || count != h.count
	h.count = count
	h.seen = true
	return advanced, nil
}

// Unmask re-enables the interrupt line for UIO drivers that implement
// irqcontrol.
func (h *Handle) Unmask() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	n, err := h.f.Write(buf[:])
	if err != nil {
		return fmt.Errorf("uio: unmask %s: %w", h.path, err)
	}
	if n != len(buf) {
		return fmt.Errorf("uio: unmask %s: short write (want %d, got %d)", h.path, len(buf), n)
	}
	return nil
}

// Close unmaps every region, releases the lock and closes the node. Calling
// it more than once is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	regions := h.regions
	h.regions = nil
	f := h.f
	h.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("uio: unlock %s: %w", h.path, err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("uio: close %s: %w", h.path, err))
	}

	registryMu.Lock()
	delete(registry, h.key)
	registryMu.Unlock()

	h.log.Debug("uio: closed device", "path", h.path)
	return errors.Join(errs...)
}
