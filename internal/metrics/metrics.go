// Package metrics exposes Prometheus collectors for the copy pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rowsWritten      *prometheus.CounterVec
	batchesWritten   *prometheus.CounterVec
	pipeTimeouts     *prometheus.CounterVec
	poolRejections   *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
)

const (
	namespace = "tablecopy"
	subsystem = "pipeline"

	pipelineLabel  = "pipeline"
	directionLabel = "direction"
	poolLabel      = "pool"
	resultLabel    = "result"

	rowsWrittenName = "rows_written_total"
	rowsWrittenDesc = "A counter of rows committed to the target."

	batchesWrittenName = "batches_written_total"
	batchesWrittenDesc = "A counter of pages committed to the target."

	pipeTimeoutsName = "pipe_timeouts_total"
	pipeTimeoutsDesc = "A counter of pipe put/get operations that ran past their deadline."

	poolRejectionsName = "pool_rejections_total"
	poolRejectionsDesc = "A counter of task submissions rejected by a saturated worker pool."

	taskRetriesName = "task_retries_total"
	taskRetriesDesc = "A counter of retried task attempts."

	pipelineDurationName = "pipeline_duration_seconds"
	pipelineDurationDesc = "A histogram of table pipeline durations."

	ResultSuccess = "success"
	ResultFailure = "failure"
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	rowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      rowsWrittenName,
			Help:      rowsWrittenDesc,
		},
		[]string{pipelineLabel},
	)

	batchesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      batchesWrittenName,
			Help:      batchesWrittenDesc,
		},
		[]string{pipelineLabel},
	)

	pipeTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      pipeTimeoutsName,
			Help:      pipeTimeoutsDesc,
		},
		[]string{directionLabel},
	)

	poolRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      poolRejectionsName,
			Help:      poolRejectionsDesc,
		},
		[]string{poolLabel},
	)

	taskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      taskRetriesName,
			Help:      taskRetriesDesc,
		},
		[]string{poolLabel},
	)

	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      pipelineDurationName,
			Help:      pipelineDurationDesc,
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{resultLabel},
	)

	registerer.MustRegister(
		rowsWritten,
		batchesWritten,
		pipeTimeouts,
		poolRejections,
		taskRetries,
		pipelineDuration,
	)
}

// PageWritten records one committed page of n rows.
func PageWritten(pipeline string, n int) {
	rowsWritten.WithLabelValues(pipeline).Add(float64(n))
	batchesWritten.WithLabelValues(pipeline).Inc()
}

// PipeTimeout records a put or get that exceeded the pipe deadline.
func PipeTimeout(direction string) {
	pipeTimeouts.WithLabelValues(direction).Inc()
}

// PoolRejection records a rejected submission.
func PoolRejection(pool string) {
	poolRejections.WithLabelValues(pool).Inc()
}

// TaskRetry records a retried attempt of a task.
func TaskRetry(pool string) {
	taskRetries.WithLabelValues(pool).Inc()
}

// PipelineFinished observes how long a table pipeline ran.
func PipelineFinished(result string, d time.Duration) {
	pipelineDuration.WithLabelValues(result).Observe(d.Seconds())
}
