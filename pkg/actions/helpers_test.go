// Shared fakes for actions tests: recording sink, counting allocator, stepping clock
package actions

import (
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type recordingSink struct {
	mu   sync.Mutex
	recs []*SpanRecord
}

func (s *recordingSink) SinkTrace(rec *SpanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec.Clone())
}

func (s *recordingSink) get() []*SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SpanRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

func (s *recordingSink) names() []string {
	recs := s.get()
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	return names
}

type countingAllocator struct {
	inner    Allocator
	allocs   atomic.Int64
	releases atomic.Int64
}

func (a *countingAllocator) Allocate() *SpanRecord {
	a.allocs.Add(1)
	return a.inner.Allocate()
}

func (a *countingAllocator) Release(rec *SpanRecord) {
	a.releases.Add(1)
	a.inner.Release(rec)
}

type diagRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (d *diagRecorder) hook(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *diagRecorder) get() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]error, len(d.errs))
	copy(out, d.errs)
	return out
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// sequentialIDs hands out predictable, valid OTel ids.
type sequentialIDs struct {
	n atomic.Uint64
}

func (s *sequentialIDs) NewTraceID() trace.TraceID {
	n := s.n.Add(1)
	var tid trace.TraceID
	tid[15] = byte(n)
	tid[14] = byte(n >> 8)
	tid[0] = 0x01
	return tid
}

func (s *sequentialIDs) NewSpanID() trace.SpanID {
	n := s.n.Add(1)
	var sid trace.SpanID
	sid[7] = byte(n)
	sid[6] = byte(n >> 8)
	sid[0] = 0x02
	return sid
}
