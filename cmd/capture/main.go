package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/virtiocap/internal/capture"
	"github.com/tinyrange/virtiocap/internal/config"
	"github.com/tinyrange/virtiocap/internal/device"
	"github.com/tinyrange/virtiocap/internal/dma"
	"github.com/tinyrange/virtiocap/internal/pcap"
	"github.com/tinyrange/virtiocap/internal/pci"
	"github.com/tinyrange/virtiocap/internal/virtio"
)

const usage = `capture - capture packets from a virtio-net device in userspace

USAGE:
  capture -b <pci bus id> [-o <file>] [-config <file>]

FLAGS:
  -b <pci bus id>    PCI bus ID to capture packets from (e.g. 0000:00:08.0)
  -o <file>          Place the output into <file> (default: stdout)
  -config <file>     Read settings from a YAML file
  -h                 Show this help

The device is detached from its kernel driver for the duration of the
capture and handed back to virtio-pci on exit.
`

type options struct {
	bus        string
	output     string
	configPath string
}

// parseArgs returns ok=false when the process should exit with code.
func parseArgs(args []string, stdout, stderr io.Writer) (opts options, code int, ok bool) {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }

	help := fs.Bool("h", false, "show help")
	fs.StringVar(&opts.bus, "b", "", "PCI bus ID")
	fs.StringVar(&opts.output, "o", "", "output file")
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(stdout, usage)
			return opts, 0, false
		}
		return opts, 2, false
	}
	if *help {
		fmt.Fprint(stdout, usage)
		return opts, 0, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument %q\n", fs.Arg(0))
		fs.Usage()
		return opts, 2, false
	}
	if opts.bus == "" {
		fmt.Fprintln(stderr, "missing -b <pci bus id>")
		fs.Usage()
		return opts, 2, false
	}
	return opts, 0, true
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func attachOptions(cfg config.Config, log *slog.Logger) device.Options {
	return device.Options{
		Sysfs:        pci.Sysfs{Root: cfg.Sysfs},
		UIODevice:    cfg.UIO.Device,
		UIODriver:    cfg.UIO.Driver,
		IRQ:          cfg.UIO.IRQ,
		MemorySource: cfg.DMA.Source,
		MemoryMap:    cfg.DMA.Map,
		MemorySize:   cfg.DMA.Size,
		Pagemap:      dma.DefaultPagemap,
		RegisterBAR:  cfg.Registers.BAR,
		Net: virtio.NetOptions{
			QueueSize:    cfg.Queue.Size,
			FrameSize:    cfg.Queue.FrameSize,
			Buffers:      cfg.Queue.Buffers,
			SplitHeader:  cfg.Queue.SplitHeader,
			Poll:         cfg.UIO.Mode == config.ModePoll,
			PollInterval: cfg.UIO.PollInterval,
			Unmask:       cfg.UIO.Unmask,
			Logger:       log,
		},
		QuiesceLink: cfg.QuiesceLink(),
		Restore:     cfg.Restore(),
		Logger:      log,
	}
}

func newSink(c config.CaptureConfig, w io.Writer) (capture.Sink, error) {
	switch c.Format {
	case config.FormatRaw:
		return capture.NewRawSink(w), nil
	default:
		res := pcap.Microsecond
		if c.Resolution == config.ResolutionNano {
			res = pcap.Nanosecond
		}
		return capture.NewPcapSink(w, c.SnapLen, res)
	}
}

func run(opts options) (err error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := device.Factory{Reader: pci.Sysfs{Root: cfg.Sysfs}}.Create(opts.bus)
	if err != nil {
		return fmt.Errorf("identify %s: %w", opts.bus, err)
	}

	var out io.Writer = os.Stdout
	finish := func() {}
	if opts.output != "" {
		f, ferr := os.Create(opts.output)
		if ferr != nil {
			return fmt.Errorf("create output: %w", ferr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output: %w", cerr)
			}
		}()
		out, finish = capture.ProgressWriter(f, "capturing "+dev.Identity.BusID)
	}
	defer finish()

	sink, err := newSink(cfg.Capture, out)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	var metrics *capture.Metrics
	if cfg.Metrics.Listen != "" {
		metrics = capture.NewMetrics()
		if err := metrics.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	att, err := dev.Attach(ctx, attachOptions(cfg, log))
	if err != nil {
		return fmt.Errorf("attach %s: %w", dev.Identity.BusID, err)
	}
	defer func() {
		if cerr := att.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("detach %s: %w", dev.Identity.BusID, cerr))
		}
	}()

	p := &capture.Pipeline{
		Source:      att,
		Sink:        sink,
		WaitTimeout: cfg.Capture.WaitTimeout,
		MaxFrames:   cfg.Capture.MaxFrames,
		Metrics:     metrics,
		Ring:        att.Net.RxQueue(),
		Logger:      log,
	}
	stats, err := p.Run(ctx)
	attrs := []any{"frames", stats.Frames, "bytes", stats.Bytes, "timeouts", stats.Timeouts}
	if ps, ok := sink.(*capture.PcapSink); ok {
		attrs = append(attrs, "records", ps.Records(), "stream_bytes", ps.Bytes())
	}
	log.Info("capture: finished", attrs...)
	return err
}

func main() {
	opts, code, ok := parseArgs(os.Args[1:], os.Stdout, os.Stderr)
	if !ok {
		os.Exit(code)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "capture: %v\n", err)
		os.Exit(1)
	}
}
