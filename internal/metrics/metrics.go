// Package metrics holds the Prometheus collectors shared by the bus engine,
// the automation engine and the websocket hub.
//
// All methods are safe to call on a nil *Metrics, which lets tests and
// callers that do not care about instrumentation pass nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rigbridge"

// Metrics is the set of collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured prometheus.Counter
	framesEvicted  prometheus.Counter
	framesRead     prometheus.Counter
	bufferDepth    prometheus.Gauge
	pollErrors     prometheus.Counter

	commands      *prometheus.CounterVec
	chunkAttempts *prometheus.CounterVec
	runs          *prometheus.CounterVec

	subscribers      prometheus.Gauge
	subscribersDrops prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "can",
			Name: "frames_captured_total",
			Help: "Frames drained from the adapter by the poll loop.",
		}),
		framesEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "can",
			Name: "frames_evicted_total",
			Help: "Frames dropped from the buffer because it was full.",
		}),
		framesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "can",
			Name: "frames_read_total",
			Help: "Frames handed to callers of ReadNext.",
		}),
		bufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "can",
			Name: "buffer_depth",
			Help: "Frames currently buffered.",
		}),
		pollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "can",
			Name: "poll_errors_total",
			Help: "Transient adapter read errors swallowed by the poll loop.",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation",
			Name: "commands_total",
			Help: "Executed BLE commands by verdict.",
		}, []string{"verdict"}),
		chunkAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation",
			Name: "chunk_attempts_total",
			Help: "Chunk attempts by result.",
		}, []string{"result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation",
			Name: "runs_total",
			Help: "Finished automation runs by outcome.",
		}, []string{"outcome"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws",
			Name: "subscribers",
			Help: "Connected progress stream subscribers.",
		}),
		subscribersDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws",
			Name: "subscribers_dropped_total",
			Help: "Subscribers disconnected because they could not keep up.",
		}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

func (m *Metrics) FrameEvicted() {
	if m != nil {
		m.framesEvicted.Inc()
	}
}

func (m *Metrics) FrameRead() {
	if m != nil {
		m.framesRead.Inc()
	}
}

func (m *Metrics) BufferDepth(n int) {
	if m != nil {
		m.bufferDepth.Set(float64(n))
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *Metrics) Command(verdict string) {
	if m != nil {
		m.commands.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) ChunkAttempt(result string) {
	if m != nil {
		m.chunkAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RunFinished(outcome string) {
	if m != nil {
		m.runs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	if dropped {
		m.subscribersDrops.Inc()
	}
}
