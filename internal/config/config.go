// Package config holds the optional YAML configuration of the capture tool.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Interrupt delivery modes.
const (
	ModeInterrupt = "interrupt"
	ModePoll      = "poll"
)

// DMA memory sources.
const (
	DMASourceUIO      = "uio"
	DMASourceHugepage = "hugepage"
)

// Output formats.
const (
	FormatPcap = "pcap"
	FormatRaw  = "raw"
)

// pcap timestamp resolutions.
const (
	ResolutionMicro = "us"
	ResolutionNano  = "ns"
)

const (
	DefaultSysfs       = "/sys"
	DefaultWaitTimeout = 500 * time.Millisecond
	DefaultPoll        = 100 * time.Microsecond
	DefaultFrameSize   = 1518
	DefaultSnapLen     = 65535
	// DefaultDMAMap is the UIO map index that carries DMA memory; map 0 is
	// conventionally the register BAR.
	DefaultDMAMap = 1
)

// Config is the on-disk configuration. Every field is optional.
type Config struct {
	Sysfs     string          `yaml:"sysfs,omitempty"`
	UIO       UIOConfig       `yaml:"uio"`
	DMA       DMAConfig       `yaml:"dma"`
	Registers RegistersConfig `yaml:"registers"`
	Queue     QueueConfig     `yaml:"queue"`
	Capture   CaptureConfig   `yaml:"capture"`
	Takeover  TakeoverConfig  `yaml:"takeover"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type UIOConfig struct {
	// Device is the /dev/uioN node; empty discovers it from sysfs.
	Device string `yaml:"device,omitempty"`
	// Driver is a UIO PCI driver such as uio_pci_generic to bind after the
	// kernel driver is detached. Empty leaves binding to the bridge.
	Driver string `yaml:"driver,omitempty"`
	// IRQ is the line the kernel bridge was loaded with. It is only reported.
	IRQ          int           `yaml:"irq,omitempty"`
	Unmask       bool          `yaml:"unmask,omitempty"`
	Mode         string        `yaml:"mode,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

type DMAConfig struct {
	Source string `yaml:"source,omitempty"`
	Map    int    `yaml:"map,omitempty"`
	// Size of a hugepage allocation in bytes.
	Size int `yaml:"size,omitempty"`
}

type RegistersConfig struct {
	BAR int `yaml:"bar"`
}

type QueueConfig struct {
	Size        uint16 `yaml:"size,omitempty"`
	FrameSize   uint32 `yaml:"frameSize,omitempty"`
	Buffers     int    `yaml:"buffers,omitempty"`
	SplitHeader bool   `yaml:"splitHeader,omitempty"`
}

type CaptureConfig struct {
	Format string `yaml:"format,omitempty"`
	// SnapLen of zero stores whole frames.
	SnapLen     uint32        `yaml:"snapLen,omitempty"`
	Resolution  string        `yaml:"resolution,omitempty"`
	WaitTimeout time.Duration `yaml:"waitTimeout,omitempty"`
	MaxFrames   uint64        `yaml:"maxFrames,omitempty"`
}

type TakeoverConfig struct {
	QuiesceLink *bool `yaml:"quiesceLink,omitempty"`
	Restore     *bool `yaml:"restore,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Default returns the configuration used without a file. Load starts from
// it, so fields whose zero value is meaningful keep their default only when
// the file leaves them out.
func Default() Config {
	c := Config{
		DMA:     DMAConfig{Map: DefaultDMAMap},
		Capture: CaptureConfig{SnapLen: DefaultSnapLen},
	}
	c.normalize()
	return c
}

// normalize fills fields whose zero value is not a usable setting.
func (c *Config) normalize() {
	if c.Sysfs == "" {
		c.Sysfs = DefaultSysfs
	}
	if c.UIO.Mode == "" {
		c.UIO.Mode = ModeInterrupt
	}
	if c.UIO.PollInterval == 0 {
		c.UIO.PollInterval = DefaultPoll
	}
	if c.DMA.Source == "" {
		c.DMA.Source = DMASourceUIO
	}
	if c.DMA.Size == 0 {
		c.DMA.Size = 2 << 20
	}
	if c.Queue.FrameSize == 0 {
		c.Queue.FrameSize = DefaultFrameSize
	}
	if c.Capture.Format == "" {
		c.Capture.Format = FormatPcap
	}
	if c.Capture.Resolution == "" {
		c.Capture.Resolution = ResolutionMicro
	}
	if c.Capture.WaitTimeout == 0 {
		c.Capture.WaitTimeout = DefaultWaitTimeout
	}
	if c.Takeover.QuiesceLink == nil {
		c.Takeover.QuiesceLink = boolPtr(true)
	}
	if c.Takeover.Restore == nil {
		c.Takeover.Restore = boolPtr(true)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func boolPtr(v bool) *bool { return &v }

// Validate rejects values no component can act on.
func (c *Config) Validate() error {
	switch c.UIO.Mode {
	case ModeInterrupt, ModePoll:
	default:
		return fmt.Errorf("uio.mode %q: want %q or %q", c.UIO.Mode, ModeInterrupt, ModePoll)
	}
	switch c.DMA.Source {
	case DMASourceUIO, DMASourceHugepage:
	default:
		return fmt.Errorf("dma.source %q: want %q or %q", c.DMA.Source, DMASourceUIO, DMASourceHugepage)
	}
	if c.DMA.Map < 0 {
		return fmt.Errorf("dma.map %d is negative", c.DMA.Map)
	}
	if c.Registers.BAR < 0 || c.Registers.BAR > 5 {
		return fmt.Errorf("registers.bar %d out of range 0-5", c.Registers.BAR)
	}
	if c.Queue.Size != 0 && c.Queue.Size&(c.Queue.Size-1) != 0 {
		return fmt.Errorf("queue.size %d is not a power of two", c.Queue.Size)
	}
	if c.Queue.Buffers < 0 {
		return fmt.Errorf("queue.buffers %d is negative", c.Queue.Buffers)
	}
	switch c.Capture.Format {
	case FormatPcap, FormatRaw:
	default:
		return fmt.Errorf("capture.format %q: want %q or %q", c.Capture.Format, FormatPcap, FormatRaw)
	}
	switch c.Capture.Resolution {
	case ResolutionMicro, ResolutionNano:
	default:
		return fmt.Errorf("capture.resolution %q: want %q or %q", c.Capture.Resolution, ResolutionMicro, ResolutionNano)
	}
	if c.Capture.WaitTimeout < 0 {
		return fmt.Errorf("capture.waitTimeout %s is negative", c.Capture.WaitTimeout)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// QuiesceLink reports whether kernel interfaces are set down before unbind.
func (c *Config) QuiesceLink() bool { return c.Takeover.QuiesceLink == nil || *c.Takeover.QuiesceLink }

// Restore reports whether the kernel driver is rebound on exit.
func (c *Config) Restore() bool { return c.Takeover.Restore == nil || *c.Takeover.Restore }

// Load reads, defaults and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
