// Package metrics provides Prometheus metrics for tunsocks.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunsocks"
)

// Traffic directions.
const (
	DirectionForward  = "forward"  // tunnel -> upstream
	DirectionBackward = "backward" // upstream -> tunnel
)

// Drop reasons.
const (
	DropAdmission = "admission" // frame queue full
	DropLimit     = "limit"     // session limit reached
	DropTeardown  = "teardown"  // discarded while the session closed
	DropMalformed = "malformed" // unparsable or fragmented relay datagram
	DropOverflow  = "overflow"  // relay reply queue full
	DropOversize  = "oversize"  // relay reply larger than a receive buffer
)

// Metrics contains all Prometheus metrics for the tunnel.
//
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Frame queue metrics
	FramesQueued    prometheus.Gauge
	FramesEnqueued  prometheus.Counter
	DatagramsDropped *prometheus.CounterVec

	// Pump metrics
	Bytes       *prometheus.CounterVec
	Datagrams   *prometheus.CounterVec
	PumpErrors  *prometheus.CounterVec
	Suspensions prometheus.Counter

	// Upstream metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of currently active UDP sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_opened_total",
			Help:      "Total number of UDP sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_closed_total",
			Help:      "Total number of UDP sessions closed",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_rejected_total",
			Help:      "Total number of UDP flows rejected before a session was created",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "udp_session_duration_seconds",
			Help:      "Histogram of UDP session lifetimes in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),

		FramesQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_queued",
			Help:      "Number of tunnel datagrams waiting for upstream delivery",
		}),
		FramesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_enqueued_total",
			Help:      "Total number of tunnel datagrams admitted to a frame queue",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),

		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Total datagrams relayed by direction",
		}, []string{"direction"}),
		PumpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_errors_total",
			Help:      "Total fatal pump errors by direction",
		}, []string{"direction"}),
		Suspensions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splice_suspensions_total",
			Help:      "Total number of times a splice loop suspended waiting for I/O",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_handshake_latency_seconds",
			Help:      "Histogram of SOCKS5 UDP ASSOCIATE handshake latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_handshake_errors_total",
			Help:      "Total SOCKS5 handshake failures by stage",
		}, []string{"stage"}),
	}
}

// RecordSessionOpen records a new UDP session.
func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsOpened.Inc()
}

// RecordSessionClose records a closed UDP session and its lifetime.
func (m *Metrics) RecordSessionClose(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected records a flow that never got a session.
func (m *Metrics) RecordSessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordFrameQueued records a datagram admitted to a frame queue.
func (m *Metrics) RecordFrameQueued() {
	if m == nil {
		return
	}
	m.FramesQueued.Inc()
	m.FramesEnqueued.Inc()
}

// RecordFrameDequeued records a frame leaving the queue through the forward pump.
func (m *Metrics) RecordFrameDequeued() {
	if m == nil {
		return
	}
	m.FramesQueued.Dec()
}

// RecordFramesDiscarded records frames freed without delivery at teardown.
func (m *Metrics) RecordFramesDiscarded(n int) {
	if m == nil {
		return
	}
	m.FramesQueued.Sub(float64(n))
	m.DatagramsDropped.WithLabelValues(DropTeardown).Add(float64(n))
}

// RecordDrop records a datagram dropped for reason.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordBytes records one relayed datagram of n bytes.
func (m *Metrics) RecordBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
	m.Datagrams.WithLabelValues(direction).Inc()
}

// RecordPumpError records a fatal pump error.
func (m *Metrics) RecordPumpError(direction string) {
	if m == nil {
		return
	}
	m.PumpErrors.WithLabelValues(direction).Inc()
}

// RecordSuspend records a splice loop suspension.
func (m *Metrics) RecordSuspend() {
	if m == nil {
		return
	}
	m.Suspensions.Inc()
}

// RecordHandshake records a successful SOCKS5 handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed SOCKS5 handshake.
func (m *Metrics) RecordHandshakeError(stage string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}
