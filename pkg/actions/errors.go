// Diagnostic errors reported when callbacks arrive out of protocol order
package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrSpanClosed is reported for callbacks against a span that already closed.
	ErrSpanClosed = errors.New("span already closed")
	// ErrUnknownSpan is reported for ids this subscriber never assigned.
	ErrUnknownSpan = errors.New("unknown span")
	// ErrNotCurrent is reported when a context exits a span that is not innermost.
	ErrNotCurrent = errors.New("span is not the current span")
	// ErrSinkPanic wraps a panic recovered from a Sink.
	ErrSinkPanic = errors.New("sink panicked")
)

// ProtocolError describes a callback the tracker could not apply.
// The offending callback is dropped and tracking continues.
type ProtocolError struct {
	Op  string
	ID  ID
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s span %d: %v", e.Op, e.ID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
