package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for batch status.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusTimeout   = "timeout"
)

var (
	workerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dataforge_worker_start_seconds",
			Help:    "Duration from unit spawn to completed handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dataforge_batch_duration_seconds",
			Help:    "Time from process-batch request to batch-complete reply, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_batches_total",
			Help: "Total number of batches sent to workers, by outcome.",
		},
		[]string{"status"},
	)

	itemsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dataforge_items_processed_total",
			Help: "Total number of items processed by workers.",
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataforge_active_workers",
			Help: "Number of workers with a live unit.",
		},
	)

	queuedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataforge_queued_tasks",
			Help: "Number of tasks waiting for an idle worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(workerStartDuration)
	prometheus.MustRegister(batchDuration)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(itemsProcessedTotal)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(queuedTasks)

	// Pre-initialize label values so they appear in /metrics from startup.
	batchesTotal.WithLabelValues(statusCompleted)
	batchesTotal.WithLabelValues(statusFailed)
	batchesTotal.WithLabelValues(statusTimeout)
}
