// Span lifecycle tracking: open-span table, state transitions, and hand-off to the Sink
// Spans move entered -> exited -> closed; closing delivers the record synchronously
package actions

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shardCount spreads open spans over several mutexes so unrelated spans
// closing on different goroutines rarely contend.
const shardCount = 16

type shard struct {
	mu    sync.Mutex
	spans map[ID]*SpanRecord
}

// Tracker owns every open SpanRecord and turns callbacks into completed records.
type Tracker struct {
	sink  Sink
	alloc Allocator
	ids   IDGenerator
	clock func() time.Time
	diag  *diagnostics

	next   atomic.Uint64
	open   atomic.Int64
	closed atomic.Uint64
	shards [shardCount]shard
}

// NewTracker creates a tracker delivering closed spans to sink. A nil alloc
// allocates fresh records for every span.
func NewTracker(sink Sink, alloc Allocator, opts ...Option) *Tracker {
	if sink == nil {
		sink = Discard
	}
	if alloc == nil {
		alloc = AlwaysNew{}
	}
	o := buildOptions(opts)
	t := &Tracker{
		sink:  sink,
		alloc: alloc,
		ids:   o.ids,
		clock: o.clock,
		diag:  newDiagnostics(o),
	}
	for i := range t.shards {
		t.shards[i].spans = make(map[ID]*SpanRecord)
	}
	return t
}

func (t *Tracker) shard(id ID) *shard {
	return &t.shards[uint64(id)%shardCount]
}

// Open allocates a record for a new span and marks it entered. An explicit
// parent that is still open contributes its trace id; otherwise the span
// starts a new trace.
func (t *Tracker) Open(meta Metadata, parent ID, attrs []attribute.KeyValue) ID {
	id, _ := t.openSpan(meta, parent, attrs)
	return id
}

// openSpan reports whether parent was Ignored or still open. A closed or
// unknown parent is reported as a protocol fault and the span becomes a root.
func (t *Tracker) openSpan(meta Metadata, parent ID, attrs []attribute.KeyValue) (ID, bool) {
	rec := t.alloc.Allocate()

	id := ID(t.next.Add(1))
	for id == Ignored {
		id = ID(t.next.Add(1))
	}

	rec.ID = id
	rec.Name = meta.Name
	rec.Target = meta.Target
	rec.Level = meta.Level
	rec.Kind = meta.Kind
	if rec.Kind == trace.SpanKindUnspecified {
		rec.Kind = trace.SpanKindServer
	}
	rec.Status = codes.Ok
	rec.SpanID = t.ids.NewSpanID()
	parentOK := true
	if parent != Ignored {
		if parentOK = t.inherit(rec, parent); parentOK {
			rec.ParentID = parent
		} else {
			t.fault("new span", parent)
		}
	}
	if !rec.TraceID.IsValid() {
		rec.TraceID = t.ids.NewTraceID()
	}
	rec.Attributes = append(rec.Attributes, attrs...)
	rec.refs = 1
	rec.state = stateEntered
	rec.Start = t.clock()

	sh := t.shard(id)
	sh.mu.Lock()
	sh.spans[id] = rec
	sh.mu.Unlock()
	t.open.Add(1)
	return id, parentOK
}

// inherit copies trace identity from an open parent and reports whether
// the parent was found.
func (t *Tracker) inherit(rec *SpanRecord, parent ID) bool {
	sh := t.shard(parent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.spans[parent]
	if !ok {
		return false
	}
	rec.TraceID = p.TraceID
	rec.TraceState = p.TraceState
	rec.ParentSpanID = p.SpanID
	return true
}

// with runs fn against an open span under its shard lock. Unknown or
// closed ids are reported as protocol faults and fn is not called.
func (t *Tracker) with(op string, id ID, fn func(rec *SpanRecord)) bool {
	sh := t.shard(id)
	sh.mu.Lock()
	rec, ok := sh.spans[id]
	if ok {
		fn(rec)
	}
	sh.mu.Unlock()
	if !ok {
		t.fault(op, id)
	}
	return ok
}

// Record appends attributes to an open span.
func (t *Tracker) Record(id ID, attrs []attribute.KeyValue) {
	t.with("record", id, func(rec *SpanRecord) {
		rec.Attributes = append(rec.Attributes, attrs...)
	})
}

// RecordError marks the span as failed and records the error text.
func (t *Tracker) RecordError(id ID, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	t.with("record error", id, func(rec *SpanRecord) {
		rec.Status = codes.Error
		rec.StatusMessage = msg
		rec.Attributes = append(rec.Attributes, attribute.String("error", msg))
	})
}

// AddEvent appends an event to an open span. A zero event time is stamped now.
func (t *Tracker) AddEvent(id ID, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = t.clock()
	}
	t.with("event", id, func(rec *SpanRecord) {
		rec.Events = append(rec.Events, ev)
	})
}

// Enter marks the span as running on some logical context. It reports
// false for spans that are no longer open.
func (t *Tracker) Enter(id ID) bool {
	return t.with("enter", id, func(rec *SpanRecord) {
		rec.state = stateEntered
	})
}

// Exit marks the span as switched away from; it stays open.
func (t *Tracker) Exit(id ID) {
	t.with("exit", id, func(rec *SpanRecord) {
		rec.state = stateExited
	})
}

// Clone adds a reference so the span survives one more Close.
func (t *Tracker) Clone(id ID) {
	t.with("clone", id, func(rec *SpanRecord) {
		rec.refs++
	})
}

// Lookup returns the metadata of an open span.
func (t *Tracker) Lookup(id ID) (Metadata, bool) {
	sh := t.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.spans[id]
	if !ok {
		return Metadata{}, false
	}
	return Metadata{Name: rec.Name, Target: rec.Target, Level: rec.Level, Kind: rec.Kind}, true
}

// Close drops one reference. When the last reference goes the span is
// removed, stamped, handed to the Sink on this goroutine, and then
// released to the allocator. It reports whether the span completed.
func (t *Tracker) Close(id ID) bool {
	sh := t.shard(id)
	sh.mu.Lock()
	rec, ok := sh.spans[id]
	if !ok {
		sh.mu.Unlock()
		t.fault("close", id)
		return false
	}
	rec.refs--
	if rec.refs > 0 {
		sh.mu.Unlock()
		return false
	}
	delete(sh.spans, id)
	sh.mu.Unlock()

	rec.state = stateClosed
	end := t.clock()
	if end.Before(rec.Start) {
		end = rec.Start
	}
	rec.End = end
	t.open.Add(-1)
	t.closed.Add(1)

	t.deliver(rec)
	t.alloc.Release(rec)
	return true
}

func (t *Tracker) deliver(rec *SpanRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.diag.report(fmt.Errorf("%w: span %q: %v", ErrSinkPanic, rec.Name, r))
		}
	}()
	t.sink.SinkTrace(rec)
}

func (t *Tracker) fault(op string, id ID) {
	err := ErrUnknownSpan
	if id != Ignored && uint64(id) <= t.next.Load() {
		err = ErrSpanClosed
	}
	t.diag.report(&ProtocolError{Op: op, ID: id, Err: err})
}

// Len returns the number of open spans.
func (t *Tracker) Len() int {
	return int(t.open.Load())
}

// Completed returns the number of spans delivered to the Sink.
func (t *Tracker) Completed() uint64 {
	return t.closed.Load()
}

// Faults returns the number of diagnostics reported so far.
func (t *Tracker) Faults() uint64 {
	return t.diag.faults()
}
