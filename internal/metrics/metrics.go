// Package metrics holds the Prometheus collectors for runs, nodes, expression
// evaluations and registry reloads. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the flowcore collectors registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	runsTotal          *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	expressionFailures *prometheus.CounterVec
	registryReloads    prometheus.Counter
	registryHandlers   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_runs_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_node_duration_seconds",
			Help:    "Node execution time by kind and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind", "outcome"}),
		expressionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_expression_failures_total",
			Help: "Failed expression evaluations by error code.",
		}, []string{"code"}),
		registryReloads: f.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_registry_reloads_total",
			Help: "Completed handler registry reloads.",
		}),
		registryHandlers: f.NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_registry_handlers",
			Help: "Handlers in the current registry index.",
		}),
	}
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// ExpressionFailed counts a failed evaluation.
func (m *Metrics) ExpressionFailed(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.expressionFailures.WithLabelValues(code).Inc()
}

// RegistryReloaded counts a reload and records the new handler count.
func (m *Metrics) RegistryReloaded(handlers int) {
	if m == nil {
		return
	}
	m.registryReloads.Inc()
	m.registryHandlers.Set(float64(handlers))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
