// Sampled forwards a deterministic subset of spans to another sink
package sink

import (
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"golang.org/x/time/rate"
)

// Sampled passes the first span and every k-th span after it to next,
// optionally also letting one span through per interval.
type Sampled struct {
	next      actions.Sink
	sometimes *rate.Sometimes
}

// NewSampled forwards every k-th span. A k of 1 or less forwards everything.
func NewSampled(next actions.Sink, k int) *Sampled {
	return NewSampledInterval(next, k, 0)
}

// NewSampledInterval forwards every k-th span and, when interval is set, at
// least one span per interval.
func NewSampledInterval(next actions.Sink, k int, interval time.Duration) *Sampled {
	if k < 1 {
		k = 1
	}
	return &Sampled{
		next:      next,
		sometimes: &rate.Sometimes{First: 1, Every: k, Interval: interval},
	}
}

// SinkTrace implements actions.Sink.
func (s *Sampled) SinkTrace(rec *actions.SpanRecord) {
	forward := false
	s.sometimes.Do(func() { forward = true })
	if forward {
		s.next.SinkTrace(rec)
	}
}
