// Metrics derives span duration, count, error, event, and trace metrics from
// completed span records, keyed by name, target, level, kind, and status
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records derived metrics for each completed span.
type Metrics struct {
	duration metric.Float64Histogram
	spans    metric.Int64Counter
	errors   metric.Int64Counter
	events   metric.Int64Counter
	traces   metric.Int64Counter

	// sets caches one attribute.Set per series.
	sets sync.Map
}

// seriesKey identifies one metric series.
type seriesKey struct {
	name, target string
	level        actions.Level
	kind         string
	status       codes.Code
}

// NewMetrics creates a Metrics sink backed by the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("actiontrace")
	m := &Metrics{}
	var err error

	if m.duration, err = meter.Float64Histogram("actiontrace.span.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of completed spans in milliseconds"),
	); err != nil {
		return nil, err
	}
	if m.spans, err = meter.Int64Counter("actiontrace.span.count",
		metric.WithDescription("Number of completed spans"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("actiontrace.span.errors",
		metric.WithDescription("Number of completed spans with error status"),
	); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("actiontrace.span.events",
		metric.WithDescription("Number of events recorded inside completed spans"),
	); err != nil {
		return nil, err
	}
	if m.traces, err = meter.Int64Counter("actiontrace.trace.count",
		metric.WithDescription("Number of completed root spans"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func statusName(c codes.Code) string {
	switch c {
	case codes.Error:
		return "error"
	case codes.Ok:
		return "ok"
	default:
		return "unset"
	}
}

func (m *Metrics) series(rec *actions.SpanRecord) attribute.Set {
	key := seriesKey{
		name:   rec.Name,
		target: rec.Target,
		level:  rec.Level,
		kind:   rec.Kind.String(),
		status: rec.Status,
	}
	if set, ok := m.sets.Load(key); ok {
		return set.(attribute.Set)
	}
	set := attribute.NewSet(
		attribute.String("span.name", key.name),
		attribute.String("span.target", key.target),
		attribute.String("span.level", key.level.String()),
		attribute.String("span.kind", key.kind),
		attribute.String("span.status", statusName(key.status)),
	)
	actual, _ := m.sets.LoadOrStore(key, set)
	return actual.(attribute.Set)
}

// SinkTrace implements actions.Sink.
func (m *Metrics) SinkTrace(rec *actions.SpanRecord) {
	attrs := metric.WithAttributeSet(m.series(rec))
	ctx := context.Background()
	m.spans.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(rec.Duration())/float64(time.Millisecond), attrs)
	if rec.Status == codes.Error {
		m.errors.Add(ctx, 1, attrs)
	}
	if n := len(rec.Events); n > 0 {
		m.events.Add(ctx, int64(n), attrs)
	}
	if rec.IsRoot() {
		m.traces.Add(ctx, 1, attrs)
	}
}
