package otlp

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fixedStats Stats

func (f fixedStats) Stats() Stats { return Stats(f) }

func sampleStats() fixedStats {
	return fixedStats{
		Enqueued:  10,
		Exported:  6,
		Discarded: 2,
		Pending:   2,
		Batches:   3,
		Retries:   4,
		Dropped: map[DropReason]uint64{
			DropQueueFull:    5,
			DropExportFailed: 2,
		},
		Halted: true,
	}
}

func TestCountersAccounting(t *testing.T) {
	t.Parallel()

	c := newCounters()
	c.enqueued.Add(7)
	c.exported.Add(3)
	c.discard(DropExportFailed, 2)
	c.drop(DropQueueFull, 4)

	s := c.snapshot()
	assert.Equal(t, uint64(2), s.Pending)
	assert.Equal(t, uint64(2), s.Discarded)
	assert.Equal(t, uint64(6), s.TotalDropped())
	assert.Equal(t, uint64(4), s.Dropped[DropQueueFull])
	assert.Len(t, s.Dropped, len(DropReasons))
}

func TestStatsCollector(t *testing.T) {
	t.Parallel()

	c := newStatsCollector(sampleStats())
	want := `
# HELP actiontrace_export_dropped_spans_total Spans that were never exported, by reason.
# TYPE actiontrace_export_dropped_spans_total counter
actiontrace_export_dropped_spans_total{reason="breaker_open"} 0
actiontrace_export_dropped_spans_total{reason="export_failed"} 2
actiontrace_export_dropped_spans_total{reason="halted"} 0
actiontrace_export_dropped_spans_total{reason="queue_full"} 5
actiontrace_export_dropped_spans_total{reason="shutdown"} 0
# HELP actiontrace_export_enqueued_spans_total Spans accepted into the export queue.
# TYPE actiontrace_export_enqueued_spans_total counter
actiontrace_export_enqueued_spans_total 10
# HELP actiontrace_export_halted 1 when export has halted on a fatal error.
# TYPE actiontrace_export_halted gauge
actiontrace_export_halted 1
# HELP actiontrace_export_pending_spans Spans queued or held in a batch.
# TYPE actiontrace_export_pending_spans gauge
actiontrace_export_pending_spans 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"actiontrace_export_dropped_spans_total",
		"actiontrace_export_enqueued_spans_total",
		"actiontrace_export_halted",
		"actiontrace_export_pending_spans",
	)
	require.NoError(t, err)
	assert.Equal(t, 11, testutil.CollectAndCount(c))
}

func TestRegisterMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	reg, err := registerMetrics(mp.Meter("test"), sampleStats())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Unregister() })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	dropped := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if reason, ok := dp.Attributes.Value(attribute.Key("reason")); ok {
						dropped[reason.AsString()] = dp.Value
						continue
					}
					got[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					got[m.Name] = dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(10), got["actiontrace.export.enqueued"])
	assert.Equal(t, int64(6), got["actiontrace.export.exported"])
	assert.Equal(t, int64(2), got["actiontrace.export.pending"])
	assert.Equal(t, int64(4), got["actiontrace.export.retries"])
	assert.Equal(t, int64(5), dropped["queue_full"])
	assert.Equal(t, int64(0), dropped["halted"])
	assert.Len(t, dropped, len(DropReasons))
}

func TestClampInt64(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(42), clampInt64(42))
	assert.Equal(t, int64(1<<63-1), clampInt64(1<<64-1))
}
