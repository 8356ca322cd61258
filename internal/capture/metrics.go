package capture

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/virtiocap/internal/virtio"
)

const namespace = "virtiocap"

// Pipeline stages reported in the errors_total stage label.
const (
	stageWait  = "wait"
	stageWrite = "write"
)

// Metrics counts pipeline activity. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	frames    prometheus.Counter
	bytes     prometheus.Counter
	timeouts  prometheus.Counter
	errors    *prometheus.CounterVec
	lastFrame prometheus.Gauge
	availIdx  prometheus.Gauge
	completed prometheus.Gauge
}

// NewMetrics registers the capture collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames received from the device.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Frame bytes received from the device.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Waits that ended without a frame.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors that ended a capture, by pipeline stage.",
		}, []string{"stage"}),
		lastFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_frame_length_bytes",
			Help:      "Length of the most recent frame.",
		}),
		availIdx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rx_ring",
			Name:      "avail_index",
			Help:      "Last available index published to the device.",
		}),
		completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rx_ring",
			Name:      "completed_chains",
			Help:      "Receive chains the device has returned.",
		}),
	}
	m.Registry.MustRegister(m.frames, m.bytes, m.timeouts, m.errors, m.lastFrame, m.availIdx, m.completed)
	return m
}

func (m *Metrics) observeFrame(f virtio.Frame) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.bytes.Add(float64(f.Length))
	m.lastFrame.Set(float64(f.Length))
}

func (m *Metrics) observeTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) observeError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

func (m *Metrics) observeRing(r RingStats) {
	if m == nil || r == nil {
		return
	}
	m.availIdx.Set(float64(r.AvailIdx()))
	m.completed.Set(float64(r.Completed()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. The listener is bound
// before Serve returns so address errors surface immediately.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("capture: metrics server", "err", err)
		}
	}()
	log.Info("capture: serving metrics", "addr", ln.Addr().String())
	return nil
}
