package metrics

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPageWritten(t *testing.T) {
	PageWritten("orders->orders", 1000)
	PageWritten("orders->orders", 50)

	require.Equal(t, float64(1050), testutil.ToFloat64(rowsWritten.WithLabelValues("orders->orders")))
	require.Equal(t, float64(2), testutil.ToFloat64(batchesWritten.WithLabelValues("orders->orders")))
}

func TestPipeTimeout(t *testing.T) {
	PipeTimeout("put")

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP tablecopy_pipeline_pipe_timeouts_total A counter of pipe put/get operations that ran past their deadline.
# TYPE tablecopy_pipeline_pipe_timeouts_total counter
tablecopy_pipeline_pipe_timeouts_total{direction="put"} 1
`)
	require.NoError(t, err)
	fullName := fmt.Sprintf("%s_%s_%s", namespace, subsystem, pipeTimeoutsName)

	err = testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, fullName)
	require.NoError(t, err)
}

func TestPoolCounters(t *testing.T) {
	before := testutil.ToFloat64(poolRejections.WithLabelValues("writer"))
	PoolRejection("writer")
	TaskRetry("writer")
	TaskRetry("writer")

	require.Equal(t, before+1, testutil.ToFloat64(poolRejections.WithLabelValues("writer")))
	require.Equal(t, float64(2), testutil.ToFloat64(taskRetries.WithLabelValues("writer")))
}

func TestPipelineFinished(t *testing.T) {
	PipelineFinished(ResultSuccess, 3*time.Second)
	require.Equal(t, 1, testutil.CollectAndCount(pipelineDuration))
}
