// Package dma provides physically contiguous memory that a device can
// address directly.
package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HugepageSize is the size of one x86-64 default huge page. A single huge
// page is the largest allocation guaranteed to be physically contiguous.
const HugepageSize = 2 << 20

// DefaultPagemap is the kernel's virtual to physical translation table for
// the calling process.
const DefaultPagemap = "/proc/self/pagemap"

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// ErrNotPresent reports a page with no physical backing.
var ErrNotPresent = errors.New("dma: page not present")

// Memory is a contiguous buffer together with the bus address of its first
// byte.
type Memory struct {
	buf     []byte
	phys    uint64
	release func() error

	once sync.Once
	err  error
}

// New wraps buf, which must be physically contiguous starting at phys.
// release runs once on Close and may be nil.
func New(buf []byte, phys uint64, release func() error) *Memory {
	return &Memory{buf: buf, phys: phys, release: release}
}

// Bytes returns the buffer. It must not be used after Close.
func (m *Memory) Bytes() []byte { return m.buf }

// PhysAddr returns the bus address of Bytes()[0].
func (m *Memory) PhysAddr() uint64 { return m.phys }

// Close runs the release function once.
func (m *Memory) Close() error {
	m.once.Do(func() {
		if m.release != nil {
			m.err = m.release()
		}
		m.buf = nil
	})
	return m.err
}

// AllocHugepage maps and locks one anonymous huge page and resolves its
// physical address through pagemap. size is rounded up to HugepageSize and
// must not exceed it.
func AllocHugepage(size int, pagemap string) (*Memory, error) {
	if size <= 0 || size > HugepageSize {
		return nil, fmt.Errorf("dma: hugepage allocation of %d bytes (max %d)", size, HugepageSize)
	}
	if pagemap == "" {
		pagemap = DefaultPagemap
	}
	mem, err := unix.Mmap(-1, 0, HugepageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap hugepage: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: mlock hugepage: %w", err)
	}
	// Fault the page in before asking for its frame number.
	mem[0] = 0

	phys, err := VirtToPhys(pagemap, uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	release := func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("dma: munmap hugepage: %w", err)
		}
		return nil
	}
	return New(mem[:size], phys, release), nil
}

// VirtToPhys translates a virtual address of the calling process using the
// pagemap file at path. Reading frame numbers requires CAP_SYS_ADMIN; without
// it the kernel reports zero.
func VirtToPhys(path string, addr uintptr) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("dma: open %s: %w", path, err)
	}
	defer f.Close()
	return translate(f, uint64(os.Getpagesize()), uint64(addr))
}

func translate(r io.ReaderAt, pageSize, addr uint64) (uint64, error) {
	var entry [8]byte
	off := int64(addr / pageSize * 8)
	if n, err := r.ReadAt(entry[:], off); n != len(entry) {
		return 0, fmt.Errorf("dma: read pagemap entry for %#x: %w", addr, err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrNotPresent, addr)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("dma: pagemap hides frame numbers for %#x (need CAP_SYS_ADMIN)", addr)
	}
	return pfn*pageSize + addr%pageSize, nil
}
