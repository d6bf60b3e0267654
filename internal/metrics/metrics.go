// Package metrics provides Prometheus metrics for the dual-protocol proxy
// front-end.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dualproxy"

// Metrics contains all Prometheus metrics the proxy core reports.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsOpened  *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec

	// Cookie id allocator metrics (spec.md §4.8)
	CookieIDsInUse       prometheus.Gauge
	CookieAllocFailures  prometheus.Counter

	// Data transfer metrics, split by route so direct-vs-tunneled load is
	// visible at a glance
	BytesRelayed *prometheus.CounterVec

	// Tunnel frame metrics
	TunnelFramesSent     *prometheus.CounterVec
	TunnelFramesReceived *prometheus.CounterVec

	// UDP ASSOCIATE relay metrics
	UDPDatagramsTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, primarily so tests can use an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		SessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total sessions opened by protocol mode",
		}, []string{"mode"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed by protocol mode and reason",
		}, []string{"mode", "reason"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total protocol discrimination/negotiation errors by type",
		}, []string{"error_type"}),

		CookieIDsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cookie_ids_in_use",
			Help:      "Number of cookie ids currently bound to a session",
		}),
		CookieAllocFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cookie_alloc_failures_total",
			Help:      "Total cookie id allocation failures (allocator exhausted)",
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by route and direction",
		}, []string{"route", "direction"}),

		TunnelFramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_frames_sent_total",
			Help:      "Total tunnel frames sent by frame kind",
		}, []string{"frame_kind"}),
		TunnelFramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_frames_received_total",
			Help:      "Total tunnel frames received by frame kind",
		}, []string{"frame_kind"}),

		UDPDatagramsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total UDP ASSOCIATE datagrams by outcome",
		}, []string{"result"}),
	}
}

// Route label values for BytesRelayed.
const (
	RouteDirect   = "direct"
	RouteTunneled = "tunneled"
)

// Direction label values for BytesRelayed.
const (
	DirectionClientToOrigin = "client_to_origin"
	DirectionOriginToClient = "origin_to_client"
)

// UDP datagram outcome label values for UDPDatagramsTotal.
const (
	UDPAdmitted = "admitted"
	UDPDropped  = "dropped"
)

// RecordSessionOpen records a session entering its data phase.
func (m *Metrics) RecordSessionOpen(mode string) {
	m.SessionsActive.Inc()
	m.SessionsOpened.WithLabelValues(mode).Inc()
}

// RecordSessionClose records a session tearing down.
func (m *Metrics) RecordSessionClose(mode, reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(mode, reason).Inc()
}

// RecordHandshakeError records a protocol discrimination/negotiation
// failure before a session ever reaches its data phase.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordCookieBind records a successful cookie id allocation.
func (m *Metrics) RecordCookieBind() {
	m.CookieIDsInUse.Inc()
}

// RecordCookieRelease records a cookie id returning to the free pool.
func (m *Metrics) RecordCookieRelease() {
	m.CookieIDsInUse.Dec()
}

// RecordCookieAllocFailure records an allocator-exhausted event
// (spec.md's CookieExhausted outcome).
func (m *Metrics) RecordCookieAllocFailure() {
	m.CookieAllocFailures.Inc()
}

// RecordBytesRelayed records payload bytes crossing one direction of one
// route.
func (m *Metrics) RecordBytesRelayed(route, direction string, n int) {
	m.BytesRelayed.WithLabelValues(route, direction).Add(float64(n))
}

// RecordTunnelFrameSent records one outbound tunnel frame.
func (m *Metrics) RecordTunnelFrameSent(frameKind string) {
	m.TunnelFramesSent.WithLabelValues(frameKind).Inc()
}

// RecordTunnelFrameReceived records one inbound tunnel frame.
func (m *Metrics) RecordTunnelFrameReceived(frameKind string) {
	m.TunnelFramesReceived.WithLabelValues(frameKind).Inc()
}

// RecordUDPDatagram records a UDP ASSOCIATE client-origin datagram's
// admission outcome.
func (m *Metrics) RecordUDPDatagram(result string) {
	m.UDPDatagramsTotal.WithLabelValues(result).Inc()
}
