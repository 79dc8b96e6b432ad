// Conversion of completed span records to OTLP protobuf messages
package otlp

import (
	"context"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ScopeName is the instrumentation scope attached to every exported batch.
const ScopeName = "actiontrace"

const unsetStatusMessage = "traces should set status"

// SpanToProto converts a record into an OTLP span. The result shares no
// memory with rec, which may be recycled as soon as this returns.
func SpanToProto(rec *actions.SpanRecord) *tracepb.Span {
	name := rec.Name
	if name == "" {
		name = "unknown"
	}
	span := &tracepb.Span{
		TraceId:           traceIDBytes(rec.TraceID),
		SpanId:            spanIDBytes(rec.SpanID),
		TraceState:        rec.TraceState,
		Name:              name,
		Kind:              kindToProto(rec.Kind),
		StartTimeUnixNano: unixNano(rec.Start),
		EndTimeUnixNano:   unixNano(rec.End),
		Attributes:        attributesToProto(rec.Attributes),
		Status:            statusToProto(rec.Status, rec.StatusMessage),
		Flags:             uint32(trace.FlagsSampled),
	}
	if rec.ParentSpanID.IsValid() {
		span.ParentSpanId = spanIDBytes(rec.ParentSpanID)
	}
	if len(rec.Events) > 0 {
		span.Events = make([]*tracepb.Span_Event, len(rec.Events))
		for i, ev := range rec.Events {
			span.Events[i] = &tracepb.Span_Event{
				TimeUnixNano: unixNano(ev.Time),
				Name:         ev.Name,
				Attributes:   attributesToProto(ev.Attributes),
			}
		}
	}
	return span
}

func traceIDBytes(id trace.TraceID) []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

func spanIDBytes(id trace.SpanID) []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(t.UnixNano()) //nolint:gosec // checked non-negative above
}

func kindToProto(k trace.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case trace.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case trace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case trace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case trace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_SERVER
	}
}

func statusToProto(code codes.Code, msg string) *tracepb.Status {
	switch code {
	case codes.Ok:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	case codes.Error:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: msg}
	default:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET, Message: unsetStatusMessage}
	}
}

func attributesToProto(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if !kv.Valid() {
			continue
		}
		out = append(out, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: valueToProto(kv.Value),
		})
	}
	return out
}

func valueToProto(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE:
		return arrayValue(v.AsBoolSlice(), func(b bool) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
		})
	case attribute.INT64SLICE:
		return arrayValue(v.AsInt64Slice(), func(i int64) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}}
		})
	case attribute.FLOAT64SLICE:
		return arrayValue(v.AsFloat64Slice(), func(f float64) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
		})
	case attribute.STRINGSLICE:
		return arrayValue(v.AsStringSlice(), func(s string) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
		})
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func arrayValue[T any](vals []T, conv func(T) *commonpb.AnyValue) *commonpb.AnyValue {
	arr := make([]*commonpb.AnyValue, len(vals))
	for i, v := range vals {
		arr[i] = conv(v)
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: arr}}}
}

// NewResource describes the exporting service: its name, version, a random
// instance id, and any configured attributes.
func NewResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	cfg = cfg.withDefaults()
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.ServiceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
}

func resourceToProto(res *resource.Resource) *resourcepb.Resource {
	if res == nil {
		return &resourcepb.Resource{}
	}
	return &resourcepb.Resource{Attributes: attributesToProto(res.Attributes())}
}

// batchRequest wraps spans in a single ResourceSpans / ScopeSpans envelope.
func batchRequest(res *resourcepb.Resource, scope *commonpb.InstrumentationScope, schemaURL string, spans []*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:  res,
			SchemaUrl: schemaURL,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: scope,
				Spans: spans,
			}},
		}},
	}
}
