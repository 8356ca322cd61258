// Package capture moves received frames from a driver into an output sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/virtiocap/internal/virtio"
)

// DefaultWaitTimeout bounds each wait so shutdown requests are noticed.
const DefaultWaitTimeout = 500 * time.Millisecond

// Source yields received frames.
type Source interface {
	WaitForFrame(timeout time.Duration) (virtio.Frame, error)
}

// Sink consumes frames in arrival order.
type Sink interface {
	WriteFrame(f virtio.Frame) error
}

// RingStats exposes receive ring positions for metrics.
type RingStats interface {
	AvailIdx() uint16
	Completed() uint64
}

// Stats summarises a finished run.
type Stats struct {
	Frames   uint64
	Bytes    uint64
	Timeouts uint64
}

// Pipeline copies frames from Source to Sink until the context is done,
// MaxFrames frames were written, or either side fails.
type Pipeline struct {
	Source      Source
	Sink        Sink
	WaitTimeout time.Duration
	// MaxFrames stops the run after that many frames; zero runs forever.
	MaxFrames uint64
	Metrics   *Metrics
	// Ring, when set, is sampled into Metrics after every wait. It must only
	// be touched from the goroutine running the pipeline.
	Ring   RingStats
	Logger *slog.Logger
}

// Run drives the pipeline. Cancellation is checked between waits, so it
// takes effect within one WaitTimeout. A cancelled run returns nil.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	timeout := p.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	var stats Stats
	for {
		if ctx.Err() != nil {
			log.Debug("capture: stopping", "frames", stats.Frames)
			return stats, nil
		}
		if p.MaxFrames != 0 && stats.Frames >= p.MaxFrames {
			log.Debug("capture: frame limit reached", "frames", stats.Frames)
			return stats, nil
		}

		f, err := p.Source.WaitForFrame(timeout)
		p.Metrics.observeRing(p.Ring)
		if errors.Is(err, virtio.ErrTimeout) {
			stats.Timeouts++
			p.Metrics.observeTimeout()
			continue
		}
		if err != nil {
			p.Metrics.observeError(stageWait)
			return stats, fmt.Errorf("capture: wait for frame: %w", err)
		}
		if int(f.Length) > len(f.Data) {
			p.Metrics.observeError(stageWait)
			return stats, fmt.Errorf("capture: %w: frame length %d exceeds its %d byte buffer", virtio.ErrRingCorruption, f.Length, len(f.Data))
		}

		f.Data = f.Data[:f.Length]
		if err := p.Sink.WriteFrame(f); err != nil {
			p.Metrics.observeError(stageWrite)
			return stats, fmt.Errorf("capture: write frame: %w", err)
		}
		stats.Frames++
		stats.Bytes += uint64(f.Length)
		p.Metrics.observeFrame(f)
	}
}
