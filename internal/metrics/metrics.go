// Package metrics exposes the proxy's counters and gauges to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slumber-project/slumber/internal/events"
)

const namespace = "slumber"

// Sources are read on every scrape. Nil functions are skipped.
type Sources struct {
	ActiveSessions  func() int
	OpenConnections func() int
	ProtocolErrors  func() uint64
}

// Metrics holds the collectors fed by bus events.
type Metrics struct {
	registry *prometheus.Registry

	sessions        *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	bytes           *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	statusServed    prometheus.Counter
	suspends        *prometheus.CounterVec
	crashes         prometheus.Counter
	backendStatus   *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total", Help: "Tunnelled sessions by end reason",
		}, []string{"reason"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds", Help: "Tunnelled session lifetime",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnel_bytes_total", Help: "Bytes relayed by direction",
		}, []string{"direction"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total", Help: "Connections refused by the listener",
		}, []string{"reason"}),
		statusServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_served_total", Help: "Status requests answered without the backend",
		}),
		suspends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspends_total", Help: "Idle suspends by result",
		}, []string{"result"}),
		crashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backend_crashes_total", Help: "Unexpected backend exits",
		}),
		backendStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backend_status", Help: "1 for the backend's current status",
		}, []string{"status"}),
	}

	if src.ActiveSessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Sessions counted by the idle controller",
		}, func() float64 { return float64(src.ActiveSessions()) })
	}
	if src.OpenConnections != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_connections", Help: "Client connections held by the proxy",
		}, func() float64 { return float64(src.OpenConnections()) })
	}
	if src.ProtocolErrors != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total", Help: "Connections closed for protocol violations",
		}, func() float64 { return float64(src.ProtocolErrors()) })
	}

	for _, s := range []events.BackendStatus{
		events.BackendStopped, events.BackendStarting, events.BackendReady,
		events.BackendSuspended, events.BackendStopping,
	} {
		m.backendStatus.WithLabelValues(s.String()).Set(0)
	}
	return m
}

// Subscribe feeds the collectors from the bus.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe("metrics", m.onEvent,
		events.EventSessionEnded,
		events.EventConnectionRejected,
		events.EventStatusServed,
		events.EventSuspendRequested,
		events.EventBackendStateChanged,
		events.EventBackendCrashed,
	)
}

func (m *Metrics) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.SessionPayload:
		m.sessions.WithLabelValues(string(p.Reason)).Inc()
		m.sessionDuration.Observe(p.EndedAt.Sub(p.StartedAt).Seconds())
		m.bytes.WithLabelValues("up").Add(float64(p.BytesUp))
		m.bytes.WithLabelValues("down").Add(float64(p.BytesDown))
	case events.ConnectionRejectedPayload:
		m.rejected.WithLabelValues(p.Reason).Inc()
	case events.StatusServedPayload:
		m.statusServed.Inc()
	case events.SuspendRequestedPayload:
		result := "ok"
		if p.Err != "" {
			result = "error"
		}
		m.suspends.WithLabelValues(result).Inc()
	case events.BackendStatePayload:
		m.backendStatus.WithLabelValues(p.Previous.String()).Set(0)
		m.backendStatus.WithLabelValues(p.Current.String()).Set(1)
	case events.BackendCrashedPayload:
		m.crashes.Inc()
	}
	return nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
