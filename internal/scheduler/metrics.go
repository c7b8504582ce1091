package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for maintenance tasks.
type Metrics struct {
	TasksRun     *prometheus.CounterVec
	TasksFailed  *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TasksRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "scheduler",
			Name:      "tasks_run_total",
			Help:      "Total maintenance task runs.",
		}, []string{"task"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "scheduler",
			Name:      "tasks_failed_total",
			Help:      "Total maintenance task runs that returned an error.",
		}, []string{"task"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderun",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Duration of each maintenance task run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.TasksRun,
		m.TasksFailed,
		m.TaskDuration,
	)
	return m
}
