package pci

import (
	"encoding/binary"
	"fmt"
	"os"
)

const offsetCommand = 0x04

// Command register bits.
const (
	CommandIO        uint16 = 1 << 0
	CommandMemory    uint16 = 1 << 1
	CommandBusMaster uint16 = 1 << 2
)

// Command reads the command register of busID.
func (s Sysfs) Command(busID string) (uint16, error) {
	path := s.DevicePath(busID, "config")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrResourceUnavailable, path, err)
	}
	defer f.Close()
	v, err := readUint16(f, offsetCommand)
	if err != nil {
		return 0, fmt.Errorf("pci: command of %s: %w", busID, err)
	}
	return v, nil
}

// SetCommand sets the bits in set and clears the bits in clear in the
// command register of busID. It returns the previous value so the caller
// can put it back with WriteCommand.
func (s Sysfs) SetCommand(busID string, set, clear uint16) (uint16, error) {
	path := s.DevicePath(busID, "config")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrResourceUnavailable, path, err)
	}
	defer f.Close()
	prev, err := readUint16(f, offsetCommand)
	if err != nil {
		return 0, fmt.Errorf("pci: command of %s: %w", busID, err)
	}
	if next := (prev | set) &^ clear; next != prev {
		if err := writeUint16(f, offsetCommand, next); err != nil {
			return 0, fmt.Errorf("pci: command of %s: %w", busID, err)
		}
	}
	return prev, nil
}

// WriteCommand stores v in the command register of busID.
func (s Sysfs) WriteCommand(busID string, v uint16) error {
	path := s.DevicePath(busID, "config")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrResourceUnavailable, path, err)
	}
	defer f.Close()
	if err := writeUint16(f, offsetCommand, v); err != nil {
		return fmt.Errorf("pci: command of %s: %w", busID, err)
	}
	return nil
}

func writeUint16(f *os.File, off int64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	n, err := f.WriteAt(buf[:], off)
	if n != len(buf) {
		return fmt.Errorf("%w at offset %#x (want %d, got %d): %v", ErrShortWrite, off, len(buf), n, err)
	}
	return nil
}
