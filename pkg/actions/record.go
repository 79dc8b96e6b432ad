// SpanRecord is the materialised form of one span handed to a Sink on close
// Records are recycled through an Allocator, so sinks must not retain them
package actions

import (
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ID identifies an open span within one Subscriber.
type ID uint64

// Ignored is the sentinel returned for spans below the configured level.
// Every callback given Ignored is a no-op.
const Ignored ID = 0

// Metadata describes a span or event at its call site.
type Metadata struct {
	Name   string
	Target string
	Level  Level
	Kind   trace.SpanKind
}

// Event is a point-in-time occurrence recorded inside an open span.
type Event struct {
	Name       string
	Level      Level
	Time       time.Time
	Attributes []attribute.KeyValue
}

type spanState uint8

const (
	stateFree spanState = iota
	stateEntered
	stateExited
	stateClosed
)

func (s spanState) String() string {
	switch s {
	case stateEntered:
		return "entered"
	case stateExited:
		return "exited"
	case stateClosed:
		return "closed"
	default:
		return "free"
	}
}

// SpanRecord holds everything observed about a span between creation and close.
type SpanRecord struct {
	ID       ID
	ParentID ID

	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID
	TraceState   string

	Name   string
	Target string
	Level  Level
	Kind   trace.SpanKind

	Start time.Time
	End   time.Time

	Attributes []attribute.KeyValue
	Events     []Event

	Status        codes.Code
	StatusMessage string

	// Scratch is reusable working space for sinks. It survives recycling
	// with its capacity intact and is truncated before reuse.
	Scratch []byte

	refs  int32
	state spanState
}

// Closed reports whether the end time has been stamped.
func (r *SpanRecord) Closed() bool {
	return !r.End.IsZero()
}

// Duration returns End-Start, or zero while the span is open.
func (r *SpanRecord) Duration() time.Duration {
	if !r.Closed() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// IsRoot reports whether the span has no parent span.
func (r *SpanRecord) IsRoot() bool {
	return !r.ParentSpanID.IsValid()
}

// SetAttributes appends attributes in call order. Sinks use it for last-mile
// injection before forwarding the record.
func (r *SpanRecord) SetAttributes(kv ...attribute.KeyValue) {
	r.Attributes = append(r.Attributes, kv...)
}

// Attribute returns the most recently recorded value for key.
func (r *SpanRecord) Attribute(key attribute.Key) (attribute.Value, bool) {
	for i := len(r.Attributes) - 1; i >= 0; i-- {
		if r.Attributes[i].Key == key {
			return r.Attributes[i].Value, true
		}
	}
	return attribute.Value{}, false
}

// SpanContext returns the OTel span context for the record.
func (r *SpanRecord) SpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    r.TraceID,
		SpanID:     r.SpanID,
		TraceFlags: trace.FlagsSampled,
	})
}

// Clone returns a deep copy that is safe to keep after the sink returns.
func (r *SpanRecord) Clone() *SpanRecord {
	c := *r
	c.Attributes = slices.Clone(r.Attributes)
	c.Scratch = slices.Clone(r.Scratch)
	if r.Events != nil {
		c.Events = make([]Event, len(r.Events))
		for i, ev := range r.Events {
			ev.Attributes = slices.Clone(ev.Attributes)
			c.Events[i] = ev
		}
	}
	return &c
}

// reset clears all span data while keeping slice capacity for reuse.
func (r *SpanRecord) reset() {
	clear(r.Attributes)
	clear(r.Events)
	*r = SpanRecord{
		Attributes: r.Attributes[:0],
		Events:     r.Events[:0],
		Scratch:    r.Scratch[:0],
	}
}
