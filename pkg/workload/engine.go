// Workload engine that walks the topology and emits action spans
// Each operation sleeps its sampled duration; parallel calls run on forked logical contexts
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxSpansPerTrace bounds span generation per trace.
const DefaultMaxSpansPerTrace = 10_000

var errSynthetic = errors.New("synthetic error")

// Engine drives a workload through a Tracer.
type Engine struct {
	Topology *Topology
	Tracer   *actions.Tracer
	Rate     Rate
	// Duration bounds the run; zero runs until ctx is done or MaxTraces is hit.
	Duration  time.Duration
	MaxTraces int
	Rng       *rand.Rand
	// Sleep waits for simulated work. Nil uses a timer that wakes early on
	// cancellation.
	Sleep            func(ctx context.Context, d time.Duration)
	MaxSpansPerTrace int
	Logger           *zap.Logger
}

// Stats summarises a run. Errors counts spans in an error state, including
// parents failed by a child. Filtered counts spans below the tracer level.
type Stats struct {
	Traces         int64         `json:"traces"`
	Spans          int64         `json:"spans"`
	Filtered       int64         `json:"filtered"`
	Errors         int64         `json:"errors"`
	FailedTraces   int64         `json:"failed_traces"`
	SpansBounded   int64         `json:"spans_bounded"`
	Elapsed        time.Duration `json:"elapsed"`
	TracesPerSec   float64       `json:"traces_per_second"`
	SpansPerSec    float64       `json:"spans_per_second"`
	ErrorRate      float64       `json:"error_rate"`
	TraceErrorRate float64       `json:"trace_error_rate"`
}

type runStats struct {
	spans    atomic.Int64
	filtered atomic.Int64
	errors   atomic.Int64
}

type traceState struct {
	spans atomic.Int64
	limit int64
}

// admit reserves one span slot.
func (t *traceState) admit() bool {
	return t.spans.Add(1) <= t.limit
}

// Run starts root operations at the configured rate until the duration
// elapses, MaxTraces traces have run, or ctx is done. A trace in flight at
// cancellation still ends every span it opened.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	if e.Topology == nil || len(e.Topology.Roots) == 0 {
		return nil, fmt.Errorf("no root operations to generate traces from")
	}
	if e.Tracer == nil {
		return nil, fmt.Errorf("engine has no tracer")
	}
	if e.Rate.Count() == 0 {
		return nil, fmt.Errorf("engine has no traffic rate")
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := e.Rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // synthetic data
	}

	if e.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Duration)
		defer cancel()
	}

	logger.Info("workload started",
		zap.Int("roots", len(e.Topology.Roots)),
		zap.Stringer("rate", e.Rate),
		zap.Duration("duration", e.Duration),
	)

	var (
		stats   Stats
		counts  runStats
		limiter = e.Rate.Limiter()
		start   = time.Now()
	)
	for e.MaxTraces == 0 || stats.Traces < int64(e.MaxTraces) {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		root := e.Topology.Roots[rng.IntN(len(e.Topology.Roots))]
		ts := &traceState{limit: int64(e.maxSpansPerTrace())}
		failed := e.walk(ctx, root, rng, ts, &counts)
		stats.Traces++
		if failed {
			stats.FailedTraces++
		}
		if ts.spans.Load() > ts.limit {
			stats.SpansBounded++
		}
	}

	stats.Spans = counts.spans.Load()
	stats.Filtered = counts.filtered.Load()
	stats.Errors = counts.errors.Load()
	finaliseStats(&stats, time.Since(start))

	logger.Info("workload finished",
		zap.Int64("traces", stats.Traces),
		zap.Int64("spans", stats.Spans),
		zap.Int64("errors", stats.Errors),
	)
	return &stats, nil
}

func finaliseStats(stats *Stats, elapsed time.Duration) {
	stats.Elapsed = elapsed
	if secs := elapsed.Seconds(); secs > 0 {
		stats.TracesPerSec = float64(stats.Traces) / secs
		stats.SpansPerSec = float64(stats.Spans) / secs
	}
	if stats.Spans > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Spans)
	}
	if stats.Traces > 0 {
		stats.TraceErrorRate = float64(stats.FailedTraces) / float64(stats.Traces)
	}
}

func (e *Engine) maxSpansPerTrace() int {
	if e.MaxSpansPerTrace > 0 {
		return e.MaxSpansPerTrace
	}
	return DefaultMaxSpansPerTrace
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(ctx, d)
		return
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// walk emits the span for op and its calls and reports whether it failed,
// either from its own error rate or from a failed call.
func (e *Engine) walk(ctx context.Context, op *Operation, rng *rand.Rand, ts *traceState, counts *runStats) bool {
	if !ts.admit() {
		return false
	}

	kind := op.Kind
	if kind == trace.SpanKindUnspecified {
		kind = trace.SpanKindClient
		if op.IsRoot() {
			kind = trace.SpanKindServer
		}
	}

	attrs := make([]attribute.KeyValue, 0, 2+len(op.Service.Attributes)+len(op.Attributes))
	attrs = append(attrs,
		attribute.String("workload.service", op.Service.Name),
		attribute.String("workload.operation", op.Name),
	)
	for k, v := range op.Service.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, gen := range op.Attributes {
		attrs = append(attrs, typedAttribute(k, gen.Generate(rng)))
	}

	ctx, span := e.Tracer.Start(ctx, actions.Metadata{
		Name:   op.Name,
		Target: op.Service.Name,
		Level:  op.Level,
		Kind:   kind,
	}, attrs...)

	ownError := rng.Float64() < op.ErrorRate
	own := op.Duration.Sample(rng)
	pre := own / 2

	e.sleep(ctx, pre)
	childFailed := e.callAll(ctx, op, rng, ts, counts)
	e.sleep(ctx, own-pre)

	failed := ownError || childFailed
	if failed {
		span.RecordError(errSynthetic)
		counts.errors.Add(1)
	}
	span.End()

	counts.spans.Add(1)
	if span.ID() == actions.Ignored {
		counts.filtered.Add(1)
	}
	return failed
}

func (e *Engine) callAll(ctx context.Context, op *Operation, rng *rand.Rand, ts *traceState, counts *runStats) bool {
	if len(op.Calls) == 0 {
		return false
	}
	if op.CallStyle == CallStyleSequential {
		failed := false
		for _, c := range op.Calls {
			if e.walk(ctx, c, rng, ts, counts) {
				failed = true
			}
		}
		return failed
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, c := range op.Calls {
		childCtx := actions.Fork(ctx)
		childRng := rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())) //nolint:gosec // synthetic data
		wg.Go(func() {
			if e.walk(childCtx, c, childRng, ts, counts) {
				failed.Store(true)
			}
		})
	}
	wg.Wait()
	return failed.Load()
}
