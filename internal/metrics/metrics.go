// Package metrics exposes Prometheus instrumentation for the ingest path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingest counters and histograms. Label cardinality is
// bounded: outcomes are a closed set and event types come from the sender's
// vocabulary, which is small.
type Metrics struct {
	registry *prometheus.Registry

	Deliveries      *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	AuditEntries    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Name:      "deliveries_total",
			Help:      "Inbound delivery attempts by terminal outcome.",
		}, []string{"outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookd",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		AuditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hookd",
			Name:      "audit_entries_total",
			Help:      "Audit entries appended.",
		}),
	}
	reg.MustRegister(m.Deliveries, m.HandlerDuration, m.AuditEntries)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
