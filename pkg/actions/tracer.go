// Tracer is a small dispatcher front end over Subscriber for Go callers
// The logical context rides in context.Context; Start enters, End exits and closes
package actions

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Tracer starts spans against a Subscriber.
type Tracer struct {
	sub *Subscriber
}

// NewTracer wraps sub.
func NewTracer(sub *Subscriber) *Tracer {
	return &Tracer{sub: sub}
}

// Subscriber returns the wrapped subscriber.
func (t *Tracer) Subscriber() *Subscriber {
	return t.sub
}

// ignoredSpan is returned for every filtered span so Start does not allocate.
var ignoredSpan = &Span{}

// Start creates a span, enters it on the logical context carried by ctx, and
// returns a context carrying that logical context. A ctx without one gets a
// new logical context.
func (t *Tracer) Start(ctx context.Context, meta Metadata, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if !t.sub.Enabled(meta.Level) {
		return ctx, ignoredSpan
	}
	lc := LogicalContextFrom(ctx)
	if lc == nil {
		lc = NewLogicalContext()
		ctx = WithLogicalContext(ctx, lc)
	}
	id := t.sub.NewSpan(lc, meta, Ignored, attrs...)
	span := &Span{sub: t.sub, lc: lc, id: id}
	span.Enter()
	return ctx, span
}

// Event attaches an event to the current span of ctx.
func (t *Tracer) Event(ctx context.Context, meta Metadata, attrs ...attribute.KeyValue) {
	t.sub.Event(LogicalContextFrom(ctx), meta, attrs...)
}

// Fork returns a context for a new goroutine whose spans parent onto the
// current span of ctx.
func Fork(ctx context.Context) context.Context {
	lc := LogicalContextFrom(ctx)
	if lc == nil {
		return ctx
	}
	return WithLogicalContext(ctx, lc.Fork())
}

// Span is a handle to one tracked span. Methods on a filtered span are no-ops.
type Span struct {
	sub     *Subscriber
	lc      *LogicalContext
	id      ID
	entered atomic.Bool
	ended   atomic.Bool
}

// ID returns the subscriber id, or Ignored for filtered spans.
func (s *Span) ID() ID {
	return s.id
}

// IsRecording reports whether the span is tracked and not yet ended.
func (s *Span) IsRecording() bool {
	return s.id != Ignored && !s.ended.Load()
}

// SetAttributes appends attributes.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s.id == Ignored {
		return
	}
	s.sub.Record(s.id, attrs...)
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if s.id == Ignored {
		return
	}
	s.sub.RecordError(s.id, err)
}

// AddEvent records a named event on the span at its level.
func (s *Span) AddEvent(name string, level Level, attrs ...attribute.KeyValue) {
	if s.id == Ignored {
		return
	}
	s.sub.AddEvent(s.id, Metadata{Name: name, Level: level}, attrs...)
}

// Enter makes the span current on its logical context.
func (s *Span) Enter() {
	if s.id == Ignored || !s.entered.CompareAndSwap(false, true) {
		return
	}
	s.sub.Enter(s.lc, s.id)
}

// Exit switches away from the span without closing it.
func (s *Span) Exit() {
	if s.id == Ignored || !s.entered.CompareAndSwap(true, false) {
		return
	}
	s.sub.Exit(s.lc, s.id)
}

// End exits the span if needed and closes it. Only the first call has effect.
func (s *Span) End() {
	if s.id == Ignored || !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.Exit()
	s.sub.Close(s.id)
}
