// Sink is the single-method capability that consumes completed spans
package actions

// Sink receives each completed span exactly once, synchronously on the
// goroutine that closed it. Implementations must be safe for concurrent use
// and must not block indefinitely. The record may be mutated but must not be
// retained after SinkTrace returns; use Clone to keep a copy.
type Sink interface {
	SinkTrace(rec *SpanRecord)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(rec *SpanRecord)

func (f SinkFunc) SinkTrace(rec *SpanRecord) { f(rec) }

// Discard drops every span.
var Discard Sink = SinkFunc(func(*SpanRecord) {})
