// Package metrics provides Prometheus metrics for the gateway link.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway link. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	EventsTotal      *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	ConnectionStatus *prometheus.GaugeVec
	PendingCalls     prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "Total gateway calls by method, transport and result.",
			},
			[]string{"method", "transport", "result"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_call_duration_seconds",
				Help:    "Gateway call duration by method and transport.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "transport"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_total",
				Help: "Inbound gateway events by name.",
			},
			[]string{"event"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_reconnects_scheduled_total",
				Help: "Reconnect attempts scheduled after the channel closed.",
			},
		),
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_connection_status",
				Help: "1 for the current connection status, 0 otherwise.",
			},
			[]string{"status"},
		),
		PendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_pending_calls",
				Help: "Requests awaiting a correlated response.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.CallsTotal)
	reg.MustRegister(m.CallDuration)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.ConnectionStatus)
	reg.MustRegister(m.PendingCalls)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCall counts a finished call and its duration.
func (m *Metrics) RecordCall(method, transport, result string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(method, transport, result).Inc()
	m.CallDuration.WithLabelValues(method, transport).Observe(seconds)
}

// RecordEvent counts an inbound event.
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event).Inc()
}

// RecordReconnect counts a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SetStatus marks status as current, clearing the other known statuses.
func (m *Metrics) SetStatus(status string, known ...string) {
	if m == nil {
		return
	}
	for _, s := range known {
		m.ConnectionStatus.WithLabelValues(s).Set(0)
	}
	m.ConnectionStatus.WithLabelValues(status).Set(1)
}

// SetPending sets the pending call gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
