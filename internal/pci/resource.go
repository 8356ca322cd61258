package pci

import (
	"fmt"
	"os"
	"strconv"
)

// Resource is a BAR exposed through sysfs as resource<N>. I/O port BARs only
// accept reads and writes of 1, 2 or 4 bytes at naturally aligned offsets, so
// callers issue one access per register.
type Resource struct {
	f    *os.File
	path string
}

// OpenResource opens BAR bar of busID for register access.
func (s Sysfs) OpenResource(busID string, bar int) (*Resource, error) {
	if bar < 0 || bar > 5 {
		return nil, fmt.Errorf("pci: invalid BAR index %d", bar)
	}
	path := s.DevicePath(busID, "resource"+strconv.Itoa(bar))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrResourceUnavailable, path, err)
	}
	return &Resource{f: f, path: path}, nil
}

// ReadAt implements io.ReaderAt.
func (r *Resource) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.f.ReadAt(p, off)
	if n != len(p) {
		return n, fmt.Errorf("%w: %s at %#x (want %d, got %d): %v", ErrShortRead, r.path, off, len(p), n, err)
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r *Resource) WriteAt(p []byte, off int64) (int, error) {
	n, err := r.f.WriteAt(p, off)
	if n != len(p) {
		return n, fmt.Errorf("%w: %s at %#x (want %d, got %d): %v", ErrShortWrite, r.path, off, len(p), n, err)
	}
	return n, nil
}

// Close releases the file.
func (r *Resource) Close() error {
	return r.f.Close()
}
