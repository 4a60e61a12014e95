package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/turbit/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbit_engine_runs_total",
			Help: "Total number of finished runs, by mode and status.",
		},
		[]string{"mode", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turbit_engine_run_seconds",
			Help:    "Wall-clock duration of runs from submission to completion, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	queuedRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "turbit_engine_queued_runs",
			Help: "Number of runs waiting for the engine's pool.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(queuedRuns)

	for _, mode := range []string{model.ModeSimple, model.ModeExtended} {
		for _, status := range []string{model.StatusCompleted, model.StatusFailed, model.StatusKilled} {
			runsTotal.WithLabelValues(mode, status)
		}
	}
}
