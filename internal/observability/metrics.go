package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for coderun.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Guard metrics.
	GuardExecutionsTotal   *prometheus.CounterVec
	GuardExecutionDuration *prometheus.HistogramVec

	// Janitor metrics.
	JanitorRemovedTotal prometheus.Counter

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by final state and failure kind.",
		}, []string{"language", "state", "kind"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderun",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"language"}),

		GuardExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "guard",
			Name:      "executions_total",
			Help:      "Total guarded command executions by outcome.",
		}, []string{"program", "outcome"}),

		GuardExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderun",
			Subsystem: "guard",
			Name:      "execution_duration_seconds",
			Help:      "Guarded command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"program"}),

		JanitorRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Stale workspaces removed by the janitor.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderun",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderun",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.GuardExecutionsTotal,
		m.GuardExecutionDuration,
		m.JanitorRemovedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// WorkspacePool is the view of the workspace manager the gauges read.
type WorkspacePool interface {
	Live() int
	Limit() int
}

// WatchWorkspaces registers gauges reporting the live workspace count and
// ceiling of pool. Safe to call on a nil collector.
func (m *MetricsCollector) WatchWorkspaces(pool WorkspacePool) {
	if m == nil || pool == nil {
		return
	}
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "coderun",
			Subsystem: "workspace",
			Name:      "live",
			Help:      "Workspaces currently acquired and not yet released.",
		}, func() float64 { return float64(pool.Live()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "coderun",
			Subsystem: "workspace",
			Name:      "limit",
			Help:      "Maximum number of live workspaces.",
		}, func() float64 { return float64(pool.Limit()) }),
	)
}
