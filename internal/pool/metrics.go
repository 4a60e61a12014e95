package pool

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCrashed   = "crashed"
	statusAborted   = "aborted"
)

var (
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "turbit_pool_active_workers",
			Help: "Number of currently running worker processes.",
		},
	)

	workerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turbit_pool_worker_spawn_seconds",
			Help:    "Duration from process start to worker ready message, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	chunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turbit_pool_chunk_seconds",
			Help:    "Round-trip time of one chunk from envelope send to reply, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbit_pool_tasks_total",
			Help: "Total number of chunks dispatched to workers, by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerSpawnDuration)
	prometheus.MustRegister(chunkDuration)
	prometheus.MustRegister(tasksTotal)

	// Pre-initialize label values so they appear in /metrics from startup.
	for _, s := range []string{statusCompleted, statusFailed, statusCrashed, statusAborted} {
		tasksTotal.WithLabelValues(s)
	}
}
