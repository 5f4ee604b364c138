// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pipeline updates.
type Metrics struct {
	registry *prometheus.Registry

	IssuesTotal     *prometheus.CounterVec
	SuppressedTotal prometheus.Counter
	PollCyclesTotal prometheus.Counter
	PollErrorsTotal prometheus.Counter
	LinesTotal      prometheus.Counter

	TrackedFiles prometheus.Gauge
	StoredIssues prometheus.Gauge
	SSEClients   prometheus.Gauge
}

// New builds and registers all collectors on a private registry, alongside
// the standard Go runtime and process collectors.
func New(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "logvigil"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		IssuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_detected_total",
				Help:      "Total issues detected, by severity and server",
			},
			[]string{"severity", "server"},
		),
		SuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_suppressed_total",
			Help:      "Issues suppressed by the deduplication window",
		}),
		PollCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Tracker poll cycles completed",
		}),
		PollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Per-file poll failures",
		}),
		LinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_processed_total",
			Help:      "Log lines handed to the classifier",
		}),
		TrackedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_files",
			Help:      "Files currently being tailed",
		}),
		StoredIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_issues",
			Help:      "Issues currently held in the store",
		}),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Connected event stream clients",
		}),
	}

	toRegister := []prometheus.Collector{
		m.IssuesTotal,
		m.SuppressedTotal,
		m.PollCyclesTotal,
		m.PollErrorsTotal,
		m.LinesTotal,
		m.TrackedFiles,
		m.StoredIssues,
		m.SSEClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
