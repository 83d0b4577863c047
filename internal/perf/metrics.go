package perf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for embedding callers. The pipeline itself exposes no
// HTTP endpoint; whoever hosts it can register the default gatherer.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeflow",
		Name:      "pipeline_runs_total",
		Help:      "Completed pipeline runs by outcome.",
	}, []string{"outcome", "backend"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribeflow",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Wall time per pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
)

// ObserveRun records a finished run.
func ObserveRun(outcome, backend string) {
	runsTotal.WithLabelValues(outcome, backend).Inc()
}

func observeStageDuration(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}
