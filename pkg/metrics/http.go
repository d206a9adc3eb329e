package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initAPIMetrics registers the HTTP API and event stream series.
func (m *Manager) initAPIMetrics(cfg Config) {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency by method and route pattern.",
		Buckets:   cfg.HTTPDurationBuckets,
	}, []string{"method", "route"})

	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "API requests currently being served.",
	})

	m.streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "event_stream",
		Name:      "clients",
		Help:      "Connected /ws/events clients.",
	})

	m.streamDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event_stream",
		Name:      "delivered_total",
		Help:      "Lifecycle events queued to stream clients, by event type.",
	}, []string{"type"})

	m.streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event_stream",
		Name:      "dropped_clients_total",
		Help:      "Stream clients disconnected because they fell behind.",
	})

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpInFlight,
		m.streamClients, m.streamDelivered, m.streamDropped)
}

// RecordHTTPRequest counts a finished request. route is the matched route
// pattern, never the raw path.
func (m *Manager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveConnections marks a request as in flight.
func (m *Manager) IncActiveConnections() {
	if m.Enabled() {
		m.httpInFlight.Inc()
	}
}

// DecActiveConnections marks a request as finished.
func (m *Manager) DecActiveConnections() {
	if m.Enabled() {
		m.httpInFlight.Dec()
	}
}

// SetStreamClients sets the number of connected event stream clients.
func (m *Manager) SetStreamClients(n int) {
	if m.Enabled() {
		m.streamClients.Set(float64(n))
	}
}

// RecordStreamDelivery counts one event queued to one client.
func (m *Manager) RecordStreamDelivery(eventType string) {
	if m.Enabled() {
		m.streamDelivered.WithLabelValues(eventType).Inc()
	}
}

// RecordStreamDrop counts a client disconnected for falling behind.
func (m *Manager) RecordStreamDrop() {
	if m.Enabled() {
		m.streamDropped.Inc()
	}
}
