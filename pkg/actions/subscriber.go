// Subscriber is the dispatcher-facing callback surface
// It filters spans by level once at creation and forwards the rest to a Tracker
package actions

import (
	"go.opentelemetry.io/otel/attribute"
)

// Subscriber connects dispatcher callbacks to a Tracker. Spans below the
// configured level get the Ignored id, and every callback for Ignored
// returns before touching the tracker, the allocator, or the sink.
type Subscriber struct {
	level   Level
	tracker *Tracker
}

// NewSubscriber creates a subscriber that tracks spans at or above level and
// hands them to sink on close. alloc is typically a *SpanCache; nil means
// always allocate.
func NewSubscriber(level Level, sink Sink, alloc Allocator, opts ...Option) *Subscriber {
	return &Subscriber{
		level:   level,
		tracker: NewTracker(sink, alloc, opts...),
	}
}

// Level returns the minimum tracked level.
func (s *Subscriber) Level() Level {
	return s.level
}

// Enabled reports whether spans and events at l are tracked.
func (s *Subscriber) Enabled(l Level) bool {
	return s.level.Allows(l)
}

// Tracker exposes the underlying tracker for stats.
func (s *Subscriber) Tracker() *Tracker {
	return s.tracker
}

// NewSpan starts tracking a span. parent wins when set; otherwise the
// innermost span entered on lc becomes the parent.
func (s *Subscriber) NewSpan(lc *LogicalContext, meta Metadata, parent ID, attrs ...attribute.KeyValue) ID {
	if !s.level.Allows(meta.Level) {
		return Ignored
	}
	inherited := parent == Ignored
	if inherited {
		parent = lc.Current()
	}
	id, ok := s.tracker.openSpan(meta, parent, attrs)
	if !ok && inherited && lc != nil {
		// closed without exit; drop it so later spans don't hit it too
		lc.pop(parent)
	}
	return id
}

// Record appends attributes to an open span.
func (s *Subscriber) Record(id ID, attrs ...attribute.KeyValue) {
	if id == Ignored || len(attrs) == 0 {
		return
	}
	s.tracker.Record(id, attrs)
}

// RecordError sets the span status to error and records err as an attribute.
func (s *Subscriber) RecordError(id ID, err error) {
	if id == Ignored {
		return
	}
	s.tracker.RecordError(id, err)
}

// AddEvent attaches an event to an explicit span.
func (s *Subscriber) AddEvent(id ID, meta Metadata, attrs ...attribute.KeyValue) {
	if id == Ignored || !s.level.Allows(meta.Level) {
		return
	}
	s.tracker.AddEvent(id, Event{Name: meta.Name, Level: meta.Level, Attributes: cloneAttrs(attrs)})
}

// Event attaches an event to the innermost span entered on lc. Events with
// no current span are dropped.
func (s *Subscriber) Event(lc *LogicalContext, meta Metadata, attrs ...attribute.KeyValue) {
	if !s.level.Allows(meta.Level) {
		return
	}
	id := lc.Current()
	if id == Ignored {
		return
	}
	s.tracker.AddEvent(id, Event{Name: meta.Name, Level: meta.Level, Attributes: cloneAttrs(attrs)})
}

// Enter makes id the current span of lc. It neither allocates nor closes.
func (s *Subscriber) Enter(lc *LogicalContext, id ID) {
	if id == Ignored || lc == nil {
		return
	}
	if s.tracker.Enter(id) {
		lc.push(id)
	}
}

// Exit pops id from lc. Exiting a span that is not innermost is reported
// as a diagnostic but still removes it.
func (s *Subscriber) Exit(lc *LogicalContext, id ID) {
	if id == Ignored || lc == nil {
		return
	}
	current, found := lc.pop(id)
	if !current {
		s.tracker.diag.report(&ProtocolError{Op: "exit", ID: id, Err: ErrNotCurrent})
	}
	if found {
		s.tracker.Exit(id)
	}
}

// CloneSpan adds a reference to id and returns it.
func (s *Subscriber) CloneSpan(id ID) ID {
	if id != Ignored {
		s.tracker.Clone(id)
	}
	return id
}

// Close drops a reference to id; the last one completes the span.
// It reports whether the span was delivered to the sink.
func (s *Subscriber) Close(id ID) bool {
	if id == Ignored {
		return false
	}
	return s.tracker.Close(id)
}

// CurrentSpan returns the innermost span on lc and its metadata.
func (s *Subscriber) CurrentSpan(lc *LogicalContext) (ID, Metadata, bool) {
	id := lc.Current()
	if id == Ignored {
		return Ignored, Metadata{}, false
	}
	meta, ok := s.tracker.Lookup(id)
	return id, meta, ok
}

// Open returns the number of spans not yet closed.
func (s *Subscriber) Open() int {
	return s.tracker.Len()
}

func cloneAttrs(attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	return append([]attribute.KeyValue(nil), attrs...)
}
