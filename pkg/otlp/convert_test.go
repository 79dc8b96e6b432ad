package otlp

import (
	"context"
	"testing"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func TestSpanToProto(t *testing.T) {
	t.Parallel()

	rec := testRecord("GET /cart")
	rec.Kind = trace.SpanKindClient
	rec.ParentSpanID = trace.SpanID{0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28}
	rec.TraceState = "vendor=abc"
	rec.Attributes = []attribute.KeyValue{
		attribute.String("http.method", "GET"),
		attribute.Int64("http.status", 200),
		attribute.Float64("ratio", 0.5),
		attribute.Bool("cached", true),
		attribute.StringSlice("tags", []string{"a", "b"}),
	}
	rec.Events = []actions.Event{{
		Name:       "retry",
		Time:       testStart.Add(time.Millisecond),
		Attributes: []attribute.KeyValue{attribute.Int("attempt", 2)},
	}}

	span := SpanToProto(rec)

	assert.Equal(t, rec.TraceID[:], span.GetTraceId())
	assert.Equal(t, rec.SpanID[:], span.GetSpanId())
	assert.Equal(t, rec.ParentSpanID[:], span.GetParentSpanId())
	assert.Equal(t, "vendor=abc", span.GetTraceState())
	assert.Equal(t, "GET /cart", span.GetName())
	assert.Equal(t, tracepb.Span_SPAN_KIND_CLIENT, span.GetKind())
	assert.Equal(t, uint64(testStart.UnixNano()), span.GetStartTimeUnixNano())
	assert.Equal(t, uint64(rec.End.UnixNano()), span.GetEndTimeUnixNano())
	assert.Equal(t, tracepb.Status_STATUS_CODE_OK, span.GetStatus().GetCode())

	attrs := span.GetAttributes()
	require.Len(t, attrs, 5)
	assert.Equal(t, "GET", attrs[0].GetValue().GetStringValue())
	assert.Equal(t, int64(200), attrs[1].GetValue().GetIntValue())
	assert.InDelta(t, 0.5, attrs[2].GetValue().GetDoubleValue(), 0)
	assert.True(t, attrs[3].GetValue().GetBoolValue())
	tags := attrs[4].GetValue().GetArrayValue().GetValues()
	require.Len(t, tags, 2)
	assert.Equal(t, "b", tags[1].GetStringValue())

	require.Len(t, span.GetEvents(), 1)
	assert.Equal(t, "retry", span.GetEvents()[0].GetName())
	assert.Equal(t, int64(2), span.GetEvents()[0].GetAttributes()[0].GetValue().GetIntValue())
}

func TestSpanToProtoDoesNotAliasRecord(t *testing.T) {
	t.Parallel()

	rec := testRecord("op")
	rec.SetAttributes(attribute.String("k", "v"))
	span := SpanToProto(rec)

	rec.TraceID[0] = 0xff
	rec.Attributes[0] = attribute.String("k", "recycled")

	assert.Equal(t, byte(0x01), span.GetTraceId()[0])
	assert.Equal(t, "v", span.GetAttributes()[0].GetValue().GetStringValue())
}

func TestSpanToProtoDefaults(t *testing.T) {
	t.Parallel()

	rec := testRecord("")
	rec.Status = codes.Unset
	rec.Kind = trace.SpanKindUnspecified

	span := SpanToProto(rec)
	assert.Equal(t, "unknown", span.GetName())
	assert.Equal(t, tracepb.Span_SPAN_KIND_SERVER, span.GetKind())
	assert.Equal(t, tracepb.Status_STATUS_CODE_UNSET, span.GetStatus().GetCode())
	assert.Equal(t, "traces should set status", span.GetStatus().GetMessage())
	assert.Empty(t, span.GetParentSpanId())
}

func TestSpanToProtoErrorStatus(t *testing.T) {
	t.Parallel()

	rec := testRecord("charge")
	rec.Status = codes.Error
	rec.StatusMessage = "card declined"

	st := SpanToProto(rec).GetStatus()
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, st.GetCode())
	assert.Equal(t, "card declined", st.GetMessage())
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	res, err := NewResource(context.Background(), Config{
		ServiceName:       "checkout",
		ServiceVersion:    "1.2.3",
		ServiceAttributes: map[string]string{"deployment.environment": "staging"},
	})
	require.NoError(t, err)

	got := map[string]string{}
	for _, kv := range resourceToProto(res).GetAttributes() {
		got[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, "checkout", got["service.name"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.Equal(t, "staging", got["deployment.environment"])
	assert.Len(t, got["service.instance.id"], 36)
}

func TestBatchRequestEnvelope(t *testing.T) {
	t.Parallel()

	spans := []*tracepb.Span{SpanToProto(testRecord("a")), SpanToProto(testRecord("b"))}
	req := batchRequest(resourceToProto(nil), nil, "https://opentelemetry.io/schemas/1.34.0", spans)

	require.Len(t, req.GetResourceSpans(), 1)
	assert.Equal(t, []string{"a", "b"}, spanNames(req))

	// the request survives a wire round trip
	raw, err := proto.Marshal(req)
	require.NoError(t, err)
	assert.Positive(t, proto.Size(req))
	var decoded tracepb.TracesData
	require.NoError(t, proto.Unmarshal(raw, &decoded))
	js, err := protojson.Marshal(&decoded)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"resourceSpans"`)
}
