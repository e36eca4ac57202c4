// Package metrics provides Prometheus metrics for the heartbeat relay.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "heartbeat_relay"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Discovery
	discoveryScans    *prometheus.CounterVec
	tenantsDiscovered prometheus.Gauge

	// Supervision
	stateTransitions *prometheus.CounterVec
	tenantsByState   *prometheus.GaugeVec
	connectAttempts  *prometheus.CounterVec
	connectDuration  prometheus.Histogram
	messagesReceived *prometheus.CounterVec

	// Fan-out
	busDropped       prometheus.Counter
	viewersActive    *prometheus.GaugeVec
	viewerSent       prometheus.Counter
	viewerDropped    prometheus.Counter
	viewerSendErrors prometheus.Counter
	storeErrors      *prometheus.CounterVec

	// HTTP
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	healthStatus    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		discoveryScans: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "scans_total",
				Help:      "Total number of tenant discovery scans by result",
			},
			[]string{"result"},
		),
		tenantsDiscovered: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "tenants",
				Help:      "Number of tenants found by the last scan",
			},
		),
		stateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "state_transitions_total",
				Help:      "Connection state transitions by target state",
			},
			[]string{"to"},
		),
		tenantsByState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "tenants",
				Help:      "Number of tenants in each connection state",
			},
			[]string{"state"},
		),
		connectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "connect_attempts_total",
				Help:      "Broker connection attempts by result",
			},
			[]string{"result"},
		),
		connectDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "connect_duration_seconds",
				Help:      "Time from connect start to subscription acknowledgement",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		messagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "messages_received_total",
				Help:      "Heartbeats received from the broker per tenant",
			},
			[]string{"tenant_id"},
		),
		busDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dropped_total",
				Help:      "Messages evicted from full subscriber buffers",
			},
		),
		viewersActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "viewer",
				Name:      "connections",
				Help:      "Open viewer connections by scope kind",
			},
			[]string{"scope"},
		),
		viewerSent: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "viewer",
				Name:      "messages_sent_total",
				Help:      "Frames queued to viewer connections",
			},
		),
		viewerDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "viewer",
				Name:      "messages_dropped_total",
				Help:      "Frames dropped because a viewer's send queue was full",
			},
		),
		viewerSendErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "viewer",
				Name:      "send_errors_total",
				Help:      "Viewer connections removed after a send failure",
			},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Heartbeat store errors by operation",
			},
			[]string{"op"},
		),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		healthStatus: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready",
				Help:      "Readiness of the relay (1 = ready, 0 = not ready)",
			},
		),
	}
}

// RecordDiscovery records the outcome of a discovery scan
func (m *Metrics) RecordDiscovery(tenants int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.discoveryScans.WithLabelValues("error").Inc()
		return
	}
	m.discoveryScans.WithLabelValues("ok").Inc()
	m.tenantsDiscovered.Set(float64(tenants))
}

// RecordTransition counts a state transition
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(to).Inc()
}

// SetTenantsByState publishes the current per-state tenant counts
func (m *Metrics) SetTenantsByState(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.tenantsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordConnectAttempt records one connect-and-subscribe attempt
func (m *Metrics) RecordConnectAttempt(err error, duration time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.connectAttempts.WithLabelValues("error").Inc()
		return
	}
	m.connectAttempts.WithLabelValues("ok").Inc()
	m.connectDuration.Observe(duration.Seconds())
}

// RecordMessage counts a heartbeat received for tenantID
func (m *Metrics) RecordMessage(tenantID string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(tenantID).Inc()
}

// RecordBusDrop counts messages evicted from a subscriber buffer
func (m *Metrics) RecordBusDrop(n int) {
	if m == nil {
		return
	}
	m.busDropped.Add(float64(n))
}

// ViewerConnected adjusts the open-viewer gauge for scope
func (m *Metrics) ViewerConnected(scope string) {
	if m == nil {
		return
	}
	m.viewersActive.WithLabelValues(scope).Inc()
}

// ViewerDisconnected adjusts the open-viewer gauge for scope
func (m *Metrics) ViewerDisconnected(scope string) {
	if m == nil {
		return
	}
	m.viewersActive.WithLabelValues(scope).Dec()
}

// RecordViewerSent counts a frame queued to a viewer
func (m *Metrics) RecordViewerSent() {
	if m == nil {
		return
	}
	m.viewerSent.Inc()
}

// RecordViewerDropped counts a frame dropped for a viewer with a full queue
func (m *Metrics) RecordViewerDropped() {
	if m == nil {
		return
	}
	m.viewerDropped.Inc()
}

// RecordViewerSendError counts a viewer removed after a failed send
func (m *Metrics) RecordViewerSendError() {
	if m == nil {
		return
	}
	m.viewerSendErrors.Inc()
}

// RecordStoreError counts a heartbeat store failure
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetReady sets the readiness gauge
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}
