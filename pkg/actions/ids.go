// Random OTel trace and span identifiers for new spans
package actions

import (
	"encoding/binary"
	"math/rand/v2"

	"go.opentelemetry.io/otel/trace"
)

// IDGenerator produces OTel identifiers. Implementations must be safe for
// concurrent use and must never return the all-zero (invalid) id.
type IDGenerator interface {
	NewTraceID() trace.TraceID
	NewSpanID() trace.SpanID
}

type randomIDs struct{}

func (randomIDs) NewTraceID() trace.TraceID {
	var tid trace.TraceID
	for !tid.IsValid() {
		binary.BigEndian.PutUint64(tid[:8], rand.Uint64()) //nolint:gosec // ids need uniqueness, not secrecy
		binary.BigEndian.PutUint64(tid[8:], rand.Uint64()) //nolint:gosec // ids need uniqueness, not secrecy
	}
	return tid
}

func (randomIDs) NewSpanID() trace.SpanID {
	var sid trace.SpanID
	for !sid.IsValid() {
		binary.BigEndian.PutUint64(sid[:], rand.Uint64()) //nolint:gosec // ids need uniqueness, not secrecy
	}
	return sid
}
