package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Kind: extraction.KindURL, Status: extraction.StatusPending},
		{JobID: "job-1", TS: now.Add(time.Second), Kind: extraction.KindURL, Status: extraction.StatusProcessing, Progress: 30},
		{JobID: "job-1", TS: now.Add(15 * time.Second), Kind: extraction.KindURL, Status: extraction.StatusCompleted, Progress: 100, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("url")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("url", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("url", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("url", "processing")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "extraction_job_runtime_seconds"))
}

// TestPrometheusSinkTracksFailures checks failure counters carry the error code.
func TestPrometheusSinkTracksFailures(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-2", TS: now, Kind: extraction.KindVideo, Status: extraction.StatusPending},
		{
			JobID:     "job-2",
			TS:        now.Add(3 * time.Second),
			Kind:      extraction.KindVideo,
			Status:    extraction.StatusFailed,
			ErrorCode: extraction.CodeEngineTimeout,
			Dur:       3 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("video", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobFailures.WithLabelValues("video", extraction.CodeEngineTimeout)))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
}
