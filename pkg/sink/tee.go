package sink

import (
	"sync"

	"github.com/andrewh/actiontrace/pkg/actions"
)

// Tee forwards each span to every sink in order.
type Tee []actions.Sink

// SinkTrace implements actions.Sink.
func (t Tee) SinkTrace(rec *actions.SpanRecord) {
	for _, s := range t {
		s.SinkTrace(rec)
	}
}

// Recorder keeps deep copies of every span it receives. It is meant for
// tests and debugging.
type Recorder struct {
	mu   sync.Mutex
	recs []*actions.SpanRecord
}

// SinkTrace implements actions.Sink.
func (r *Recorder) SinkTrace(rec *actions.SpanRecord) {
	c := rec.Clone()
	r.mu.Lock()
	r.recs = append(r.recs, c)
	r.mu.Unlock()
}

// Records returns the spans recorded so far in arrival order.
func (r *Recorder) Records() []*actions.SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*actions.SpanRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

// Names returns the recorded span names in arrival order.
func (r *Recorder) Names() []string {
	recs := r.Records()
	names := make([]string, len(recs))
	for i, rec := range recs {
		names[i] = rec.Name
	}
	return names
}

// Reset discards recorded spans.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.recs = nil
	r.mu.Unlock()
}
