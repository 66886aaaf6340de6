package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{SourceID: "src-1", TS: now, Status: progress.StatusProgress, Phase: knowledge.PhaseDiscovering},
		{SourceID: "src-1", TS: now, Status: progress.StatusProgress, Phase: knowledge.PhaseProcessing, Current: 2},
		{SourceID: "src-1", TS: now, Status: progress.StatusProgress, Phase: knowledge.PhaseProcessing, Current: 5},
		{SourceID: "src-2", TS: now, Status: progress.StatusProgress, Phase: knowledge.PhaseProcessing, Current: 1},
		{SourceID: "src-1", TS: now, Status: progress.StatusReady, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 6.0, testutil.ToFloat64(sink.pagesTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("ready")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("progress")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "ragpipe_source_run_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SourceID: "src-2", TS: now, Status: progress.StatusError, Critical: true},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("critical")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
}

// TestPrometheusSinkRejectsDuplicateRegistration surfaces collector conflicts.
func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
