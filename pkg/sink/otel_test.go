// Tests for the OTel log, SDK bridge, and metrics sinks
package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) get() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sdklog.Record, len(e.records))
	copy(out, e.records)
	return out
}

func newTestLoggerProvider(t *testing.T) (*sdklog.LoggerProvider, *memoryLogExporter) {
	t.Helper()
	exporter := &memoryLogExporter{}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	)
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	return lp, exporter
}

func logAttrs(r sdklog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestOTelLogEmitsEverySpan(t *testing.T) {
	t.Parallel()

	lp, exporter := newTestLoggerProvider(t)
	s := NewOTelLog(lp)

	rec := testRecord("lookup", attribute.String("db.system", "postgres"))
	rec.Level = actions.LevelDebug
	rec.Target = "users"
	s.SinkTrace(rec)

	records := exporter.get()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, otellog.SeverityDebug, r.Severity())
	assert.Equal(t, "DEBUG", r.SeverityText())
	assert.Equal(t, "span lookup: 40ms", r.Body().AsString())
	assert.Equal(t, rec.TraceID, r.TraceID())
	assert.Equal(t, rec.SpanID, r.SpanID())

	attrs := logAttrs(r)
	assert.Equal(t, "lookup", attrs["span.name"].AsString())
	assert.Equal(t, "users", attrs["span.target"].AsString())
	assert.InDelta(t, 40.0, attrs["span.duration_ms"].AsFloat64(), 0.001)
	assert.Equal(t, "postgres", attrs["db.system"].AsString())
}

func TestOTelLogErrorSpan(t *testing.T) {
	t.Parallel()

	lp, exporter := newTestLoggerProvider(t)
	s := NewNotableOTelLog(lp, 0)

	rec := testRecord("charge")
	rec.Status = codes.Error
	rec.StatusMessage = "card declined"
	s.SinkTrace(rec)

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, otellog.SeverityError, records[0].Severity())
	assert.Equal(t, "error in charge: card declined", records[0].Body().AsString())
}

func TestOTelLogNotableFiltering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration time.Duration
		status   codes.Code
		want     otellog.Severity
		emitted  bool
	}{
		{name: "fast ok span", duration: 10 * time.Millisecond, status: codes.Ok},
		{name: "slow span", duration: 200 * time.Millisecond, status: codes.Ok, want: otellog.SeverityWarn, emitted: true},
		{name: "fast error", duration: 10 * time.Millisecond, status: codes.Error, want: otellog.SeverityError, emitted: true},
		{name: "slow error", duration: 200 * time.Millisecond, status: codes.Error, want: otellog.SeverityError, emitted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lp, exporter := newTestLoggerProvider(t)
			s := NewNotableOTelLog(lp, 100*time.Millisecond)

			rec := testRecord("op")
			rec.End = rec.Start.Add(tt.duration)
			rec.Status = tt.status
			s.SinkTrace(rec)

			records := exporter.get()
			if !tt.emitted {
				assert.Empty(t, records)
				return
			}
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Severity())
		})
	}
}

func TestOTelLogSlowBody(t *testing.T) {
	t.Parallel()

	lp, exporter := newTestLoggerProvider(t)
	s := NewNotableOTelLog(lp, 20*time.Millisecond)
	s.SinkTrace(testRecord("render"))

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, "slow span render: 40ms (threshold 20ms)", records[0].Body().AsString())
}

func newTestSDKExporter(t *testing.T) (*SDKExporter, *tracetest.InMemoryExporter) {
	t.Helper()
	mem := tracetest.NewInMemoryExporter()
	res := resource.NewSchemaless(attribute.String("service.name", "checkout"))
	s := NewSDKExporter(sdktrace.NewSimpleSpanProcessor(mem), res, "test")
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, mem
}

func TestSDKExporterSnapshot(t *testing.T) {
	t.Parallel()

	s, mem := newTestSDKExporter(t)

	rec := testRecord("GET /cart", attribute.String("http.method", "GET"))
	rec.Kind = trace.SpanKindClient
	rec.ParentSpanID = trace.SpanID{0x31, 0x32}
	rec.Status = codes.Error
	rec.StatusMessage = "timeout"
	rec.Events = []actions.Event{{
		Name:       "retry",
		Level:      actions.LevelWarn,
		Time:       testStart.Add(time.Millisecond),
		Attributes: []attribute.KeyValue{attribute.Int("attempt", 2)},
	}}
	s.SinkTrace(rec)
	require.NoError(t, s.ForceFlush(context.Background()))

	spans := mem.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "GET /cart", got.Name)
	assert.Equal(t, trace.SpanKindClient, got.SpanKind)
	assert.Equal(t, rec.TraceID, got.SpanContext.TraceID())
	assert.Equal(t, rec.SpanID, got.SpanContext.SpanID())
	assert.Equal(t, rec.ParentSpanID, got.Parent.SpanID())
	assert.Equal(t, rec.TraceID, got.Parent.TraceID())
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "timeout", got.Status.Description)
	assert.Equal(t, testStart, got.StartTime)
	assert.Equal(t, rec.End, got.EndTime)
	assert.Equal(t, []attribute.KeyValue{attribute.String("http.method", "GET")}, got.Attributes)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "retry", got.Events[0].Name)
	assert.Equal(t, ScopeName, got.InstrumentationScope.Name)
	assert.Equal(t, "test", got.InstrumentationScope.Version)

	svc, ok := got.Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "checkout", svc.AsString())
}

func TestSDKExporterRootSpanHasNoParent(t *testing.T) {
	t.Parallel()

	s, mem := newTestSDKExporter(t)
	s.SinkTrace(testRecord("root"))

	spans := mem.GetSpans()
	require.Len(t, spans, 1)
	assert.False(t, spans[0].Parent.IsValid())
}

func TestSnapshotSurvivesRecycling(t *testing.T) {
	t.Parallel()

	rec := testRecord("op", attribute.String("k", "v"))
	snap := Snapshot(rec, resource.Empty(), instrumentation.Scope{Name: ScopeName})

	rec.Attributes[0] = attribute.String("k", "reused")
	rec.Attributes = rec.Attributes[:0]

	require.Len(t, snap.Attributes(), 1)
	assert.Equal(t, "v", snap.Attributes()[0].Value.AsString())
}

func TestSDKExporterThroughSubscriber(t *testing.T) {
	t.Parallel()

	s, mem := newTestSDKExporter(t)
	sub := actions.NewSubscriber(actions.LevelInfo, s, actions.NewSpanCache(4))
	tr := actions.NewTracer(sub)

	ctx, parent := tr.Start(context.Background(), actions.Metadata{Name: "parent", Level: actions.LevelInfo})
	_, child := tr.Start(ctx, actions.Metadata{Name: "child", Level: actions.LevelInfo}, attribute.Int("n", 1))
	child.RecordError(errors.New("boom"))
	child.End()
	parent.End()

	spans := mem.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "child", spans[0].Name)
	assert.Equal(t, "parent", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].SpanContext.TraceID())
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumPoint(t *testing.T, rm metricdata.ResourceMetrics, name string, match func(attribute.Set) bool) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, name)
	var total int64
	for _, dp := range sum.DataPoints {
		if match(dp.Attributes) {
			total += dp.Value
		}
	}
	return total
}

func attrIs(key, want string) func(attribute.Set) bool {
	return func(s attribute.Set) bool {
		v, ok := s.Value(attribute.Key(key))
		return ok && v.AsString() == want
	}
}

func TestMetricsSink(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ok := testRecord("GET /users")
	ok.Target = "gateway"
	failed := testRecord("GET /users")
	failed.Target = "gateway"
	failed.Status = codes.Error
	query := testRecord("SELECT users")
	query.Target = "db"
	query.Level = actions.LevelDebug
	query.Kind = trace.SpanKindClient
	query.ParentSpanID = ok.SpanID
	query.Events = []actions.Event{{Name: "rows"}, {Name: "cache miss"}}

	m.SinkTrace(ok)
	m.SinkTrace(ok)
	m.SinkTrace(failed)
	m.SinkTrace(query)

	rm := collectMetrics(t, reader)
	all := func(attribute.Set) bool { return true }

	tests := []struct {
		name   string
		metric string
		match  func(attribute.Set) bool
		want   int64
	}{
		{"all spans", "actiontrace.span.count", all, 4},
		{"ok spans", "actiontrace.span.count", attrIs("span.status", "ok"), 3},
		{"error spans", "actiontrace.span.count", attrIs("span.status", "error"), 1},
		{"gateway spans", "actiontrace.span.count", attrIs("span.target", "gateway"), 3},
		{"debug spans", "actiontrace.span.count", attrIs("span.level", "debug"), 1},
		{"client spans", "actiontrace.span.count", attrIs("span.kind", "client"), 1},
		{"errors", "actiontrace.span.errors", all, 1},
		{"events", "actiontrace.span.events", attrIs("span.name", "SELECT users"), 2},
		{"events elsewhere", "actiontrace.span.events", attrIs("span.name", "GET /users"), 0},
		{"completed traces", "actiontrace.trace.count", all, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, sumPoint(t, rm, tt.metric, tt.match))
		})
	}

	count := findMetric(rm, "actiontrace.span.count")
	require.NotNil(t, count)
	assert.Len(t, count.Data.(metricdata.Sum[int64]).DataPoints, 3, "one series per name, target, level, kind, and status")

	dur := findMetric(rm, "actiontrace.span.duration")
	require.NotNil(t, dur)
	hist, isHist := dur.Data.(metricdata.Histogram[float64])
	require.True(t, isHist)
	var n uint64
	var total float64
	for _, dp := range hist.DataPoints {
		n += dp.Count
		total += dp.Sum
	}
	assert.Equal(t, uint64(4), n)
	assert.InDelta(t, 160.0, total, 0.001)
}
