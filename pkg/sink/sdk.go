// SDK bridge that feeds completed spans into an OTel SDK span processor
// Lets any sdktrace.SpanExporter (stdouttrace, otlptracehttp, otlptracegrpc) act as a sink
package sink

import (
	"context"
	"slices"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope attached to exported spans.
const ScopeName = "actiontrace"

// SDKExporter snapshots each record and hands it to a span processor.
type SDKExporter struct {
	processor sdktrace.SpanProcessor
	resource  *resource.Resource
	scope     instrumentation.Scope
}

// NewSDKExporter wraps processor. Use sdktrace.NewSimpleSpanProcessor for
// synchronous writers and sdktrace.NewBatchSpanProcessor for network exporters.
func NewSDKExporter(processor sdktrace.SpanProcessor, res *resource.Resource, version string) *SDKExporter {
	if res == nil {
		res = resource.Default()
	}
	return &SDKExporter{
		processor: processor,
		resource:  res,
		scope:     instrumentation.Scope{Name: ScopeName, Version: version},
	}
}

// SinkTrace implements actions.Sink.
func (s *SDKExporter) SinkTrace(rec *actions.SpanRecord) {
	s.processor.OnEnd(Snapshot(rec, s.resource, s.scope))
}

// ForceFlush flushes the underlying processor.
func (s *SDKExporter) ForceFlush(ctx context.Context) error {
	return s.processor.ForceFlush(ctx)
}

// Shutdown flushes and stops the underlying processor.
func (s *SDKExporter) Shutdown(ctx context.Context) error {
	return s.processor.Shutdown(ctx)
}

// Snapshot converts a record to an SDK read-only span. The result owns its
// attribute storage and stays valid after the record is recycled.
func Snapshot(rec *actions.SpanRecord, res *resource.Resource, scope instrumentation.Scope) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStub{
		Name:                 rec.Name,
		SpanContext:          rec.SpanContext(),
		SpanKind:             rec.Kind,
		StartTime:            rec.Start,
		EndTime:              rec.End,
		Attributes:           slices.Clone(rec.Attributes),
		Status:               sdktrace.Status{Code: rec.Status, Description: rec.StatusMessage},
		Resource:             res,
		InstrumentationScope: scope,
	}
	if rec.ParentSpanID.IsValid() {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    rec.TraceID,
			SpanID:     rec.ParentSpanID,
			TraceFlags: trace.FlagsSampled,
		})
	}
	if len(rec.Events) > 0 {
		stub.Events = make([]sdktrace.Event, len(rec.Events))
		for i, ev := range rec.Events {
			stub.Events[i] = sdktrace.Event{
				Name:       ev.Name,
				Time:       ev.Time,
				Attributes: slices.Clone(ev.Attributes),
			}
		}
	}
	return stub.Snapshot()
}
