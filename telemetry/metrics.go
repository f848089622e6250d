package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes task telemetry as prometheus collectors.
type Metrics struct {
	Tasks     *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	CacheHits *prometheus.CounterVec
	Attempts  *prometheus.HistogramVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexitask",
			Name:      "tasks_total",
			Help:      "Completed tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexitask",
			Name:      "task_errors_total",
			Help:      "Failed tasks by kind and error kind.",
		}, []string{"kind", "error_kind"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexitask",
			Name:      "cache_hits_total",
			Help:      "Tasks answered from the result cache.",
		}, []string{"kind"}),
		Attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexitask",
			Name:      "task_attempts",
			Help:      "Provider attempts per task.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 9},
		}, []string{"kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexitask",
			Name:      "task_duration_seconds",
			Help:      "Task duration as seen by the worker.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.Tasks, m.Errors, m.CacheHits, m.Attempts, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Observe records one entry.
func (m *Metrics) Observe(e Entry) {
	kind := string(e.Kind)

	outcome := "success"
	if !e.Success {
		outcome = "failure"
		m.Errors.WithLabelValues(kind, string(e.ErrorKind)).Inc()
	}
	m.Tasks.WithLabelValues(kind, outcome).Inc()

	if e.CacheHit {
		m.CacheHits.WithLabelValues(kind).Inc()
	}
	m.Attempts.WithLabelValues(kind).Observe(float64(e.Attempts))
	m.Duration.WithLabelValues(kind).Observe(float64(e.DurationMs) / 1000)
}
