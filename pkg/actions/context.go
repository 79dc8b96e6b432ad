// Explicit logical execution context carrying the stack of entered spans
// Replaces thread-local "current span" state so goroutines and tasks can hand it around
package actions

import (
	"context"
	"slices"
	"sync"
)

// LogicalContext tracks which spans are entered on one logical task.
// The zero value is ready to use and a nil *LogicalContext has no current span.
type LogicalContext struct {
	mu    sync.Mutex
	stack []ID
	root  ID
}

// NewLogicalContext returns an empty context.
func NewLogicalContext() *LogicalContext {
	return &LogicalContext{stack: make([]ID, 0, 8)}
}

// Current returns the innermost entered span. With nothing entered it
// returns the span the context was forked from, or Ignored.
func (lc *LogicalContext) Current() ID {
	if lc == nil {
		return Ignored
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.stack) == 0 {
		return lc.root
	}
	return lc.stack[len(lc.stack)-1]
}

// Fork returns a fresh context for another goroutine. Spans started on it
// parent onto the span that is current on lc at the time of the fork.
func (lc *LogicalContext) Fork() *LogicalContext {
	child := NewLogicalContext()
	child.root = lc.Current()
	return child
}

// Depth returns the number of entered spans.
func (lc *LogicalContext) Depth() int {
	if lc == nil {
		return 0
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.stack)
}

func (lc *LogicalContext) push(id ID) {
	lc.mu.Lock()
	lc.stack = append(lc.stack, id)
	lc.mu.Unlock()
}

// pop removes id from the stack. It reports whether id was the innermost
// entry and whether it was found at all.
func (lc *LogicalContext) pop(id ID) (current, found bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	n := len(lc.stack)
	if n > 0 && lc.stack[n-1] == id {
		lc.stack = lc.stack[:n-1]
		return true, true
	}
	for i := n - 2; i >= 0; i-- {
		if lc.stack[i] == id {
			lc.stack = slices.Delete(lc.stack, i, i+1)
			return false, true
		}
	}
	return false, false
}

type logicalContextKey struct{}

// WithLogicalContext returns a copy of ctx carrying lc.
func WithLogicalContext(ctx context.Context, lc *LogicalContext) context.Context {
	return context.WithValue(ctx, logicalContextKey{}, lc)
}

// LogicalContextFrom returns the context carried by ctx, or nil.
func LogicalContextFrom(ctx context.Context) *LogicalContext {
	lc, _ := ctx.Value(logicalContextKey{}).(*LogicalContext)
	return lc
}
