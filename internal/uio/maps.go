package uio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is one memory map of a UIO device.
type Region struct {
	Name   string
	Index  int
	phys   uint64
	mapped []byte
	data   []byte

	once sync.Once
	err  error
}

// Bytes returns the mapped memory. It must not be used after Close.
func (r *Region) Bytes() []byte { return r.data }

// PhysAddr returns the bus address of the first byte of Bytes.
func (r *Region) PhysAddr() uint64 { return r.phys }

// Close unmaps the region. Only the first call has an effect.
func (r *Region) Close() error {
	r.once.Do(func() {
		if r.mapped != nil {
			if err := unix.Munmap(r.mapped); err != nil {
				r.err = fmt.Errorf("uio: unmap %s: %w", r.Name, err)
			}
		}
		r.mapped, r.data = nil, nil
	})
	return r.err
}

// MapInfo describes a map as published in sysfs.
type MapInfo struct {
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint64
}

// Info is the sysfs description of a UIO device.
type Info struct {
	Name    string
	Version string
	Event   uint32
	Maps    []MapInfo
}

func (h *Handle) classDir() string {
	return filepath.Join(h.sysfsRoot, "class", "uio", h.Name())
}

// Info reads the device description from sysfs.
func (h *Handle) Info() (Info, error) {
	dir := h.classDir()
	var info Info
	var err error
	if info.Name, err = readAttr(dir, "name"); err != nil {
		return Info{}, err
	}
	if info.Version, err = readAttr(dir, "version"); err != nil {
		return Info{}, err
	}
	if v, err := readAttr(dir, "event"); err == nil {
		ev, perr := strconv.ParseUint(v, 10, 32)
		if perr != nil {
			return Info{}, fmt.Errorf("uio: parse %s/event: %w", dir, perr)
		}
		info.Event = uint32(ev)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "maps"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Info{}, fmt.Errorf("uio: list maps of %s: %w", h.Name(), err)
	}
	var indexes []int
	for _, e := range entries {
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "map"))
		if err != nil || !strings.HasPrefix(e.Name(), "map") {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		m, err := h.mapInfo(idx)
		if err != nil {
			return Info{}, err
		}
		info.Maps = append(info.Maps, m)
	}
	return info, nil
}

func (h *Handle) mapInfo(index int) (MapInfo, error) {
	dir := filepath.Join(h.classDir(), "maps", fmt.Sprintf("map%d", index))
	var m MapInfo
	// name is optional for maps registered without one.
	m.Name, _ = readAttr(dir, "name")
	var err error
	if m.Addr, err = readHex(dir, "addr"); err != nil {
		return MapInfo{}, err
	}
	if m.Size, err = readHex(dir, "size"); err != nil {
		return MapInfo{}, err
	}
	if m.Offset, err = readHex(dir, "offset"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return MapInfo{}, err
	}
	return m, nil
}

// Map mmaps map index of the device. The region is owned by the handle and
// unmapped on Close.
func (h *Handle) Map(index int) (*Region, error) {
	m, err := h.mapInfo(index)
	if err != nil {
		return nil, err
	}
	if m.Size == 0 {
		return nil, fmt.Errorf("uio: map%d of %s has zero size", index, h.Name())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	page := uint64(os.Getpagesize())
	length := (m.Offset + m.Size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(int(h.f.Fd()), int64(index)*int64(page), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("uio: mmap map%d of %s: %w", index, h.Name(), err)
	}
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("%s/map%d", h.Name(), index)
	}
	r := &Region{
		Name:   name,
		Index:  index,
		phys:   m.Addr,
		mapped: mem,
		data:   mem[m.Offset : m.Offset+m.Size],
	}
	h.regions = append(h.regions, r)
	h.log.Debug("uio: mapped region", "name", name, "addr", fmt.Sprintf("%#x", m.Addr), "size", m.Size)
	return r, nil
}

// Discover returns the /dev node of the UIO device bound to busID.
func Discover(sysfsRoot, busID string) (string, error) {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	dir := filepath.Join(sysfsRoot, "bus", "pci", "devices", busID, "uio")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("uio: no uio device for %s: %w", busID, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			return filepath.Join("/dev", e.Name()), nil
		}
	}
	return "", fmt.Errorf("uio: no uio device for %s: %s is empty", busID, dir)
}

func readAttr(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("uio: read %s: %w", filepath.Join(dir, name), err)
	}
	return strings.TrimSpace(string(data)), nil
}

func readHex(dir, name string) (uint64, error) {
	s, err := readAttr(dir, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("uio: parse %s/%s: %w", dir, name, err)
	}
	return v, nil
}
