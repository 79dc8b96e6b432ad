// Export error types and transient/fatal classification
package otlp

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrHalted is returned once the export path has stopped after a fatal
	// error. Reconfigure clears it.
	ErrHalted = errors.New("export halted")
	// ErrShutdown is returned by operations on an exporter that has shut down.
	ErrShutdown = errors.New("exporter is shut down")
)

// ExportError describes a failed batch export.
type ExportError struct {
	Spans    int
	Attempts int
	Fatal    bool
	Err      error
}

func (e *ExportError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("export %d spans failed after %d attempts (%s): %v", e.Spans, e.Attempts, kind, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

type errorClass int

const (
	classTransient errorClass = iota
	classFatal
	classCanceled
)

type classifiedError struct {
	class errorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable. The export path halts when it sees one.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classFatal, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classTransient, err: err}
}

// IsFatal reports whether err halts the export path.
func IsFatal(err error) bool {
	return err != nil && classify(err) == classFatal
}

// classify decides whether an export error is worth retrying. Unknown
// errors are transient so an unexpected failure costs a bounded retry
// rather than the whole export path.
func classify(err error) errorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.Canceled) {
		return classCanceled
	}
	if errors.Is(err, ErrInvalidConfig) {
		return classFatal
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.Unimplemented:
			return classFatal
		case codes.Canceled:
			return classCanceled
		default:
			return classTransient
		}
	}
	return classTransient
}
