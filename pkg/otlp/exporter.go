// Batching OTLP span exporter
// Spans are converted on the caller goroutine, queued on a bounded channel,
// and shipped in batches by background workers with retry and a circuit breaker
package otlp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// Exporter batches completed spans and sends them to an OTLP collector. It
// implements actions.Sink.
type Exporter struct {
	cfg    Config
	opts   options
	logger *zap.Logger

	resource  *resourcepb.Resource
	scope     *commonpb.InstrumentationScope
	schemaURL string

	queue   chan *tracepb.Span
	flushes []chan chan struct{}
	done    chan struct{}
	errs    chan error

	// mu guards closing and link replacement against intake.
	mu      sync.RWMutex
	closing bool

	// linkMu orders link acquisition against replacement.
	linkMu sync.Mutex
	link   atomic.Pointer[link]
	halted atomic.Bool

	// stop is closed when Shutdown begins so blocked senders give up.
	stop chan struct{}

	runCtx context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error

	stats *counters
	warn  *rate.Sometimes
}

// link is the replaceable connection state: a transport plus its breaker.
type link struct {
	cfg       Config
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	inflight  sync.WaitGroup
}

var _ actions.Sink = (*Exporter)(nil)

// New validates cfg, builds the transport, and starts the workers. The
// context bounds construction only.
func New(ctx context.Context, cfg Config, opts ...Option) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	e := &Exporter{
		cfg:       cfg,
		opts:      o,
		logger:    o.logger,
		resource:  resourceToProto(res),
		scope:     &commonpb.InstrumentationScope{Name: ScopeName, Version: o.version},
		schemaURL: res.SchemaURL(),
		queue:     make(chan *tracepb.Span, cfg.QueueSize),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
		errs:      make(chan error, 1),
		stats:     newCounters(),
		warn:      &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	l, err := e.newLink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.link.Store(l)

	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for range cfg.Workers {
		flush := make(chan chan struct{})
		e.flushes = append(e.flushes, flush)
		e.group.Go(func() error {
			e.work(flush)
			return nil
		})
	}

	e.logger.Info("otlp exporter started",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.String("backpressure", string(cfg.Backpressure)),
	)
	return e, nil
}

func (e *Exporter) newLink(ctx context.Context, cfg Config) (*link, error) {
	t, err := e.opts.transport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l := &link{cfg: cfg, transport: t}
	if !cfg.Breaker.Disabled {
		threshold := cfg.Breaker.ConsecutiveFailures
		l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "otlp-export",
			MaxRequests: cfg.Breaker.MaxRequests,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.logger.Warn("circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || classify(err) != classTransient
			},
		})
	}
	return l, nil
}

// send makes one export attempt through the breaker.
func (l *link) send(req func() error) error {
	if l.breaker == nil {
		return req()
	}
	_, err := l.breaker.Execute(func() (any, error) {
		return nil, req()
	})
	return err
}

// SinkTrace converts rec and queues it for export. It never blocks longer
// than BlockTimeout.
func (e *Exporter) SinkTrace(rec *actions.SpanRecord) {
	if e.halted.Load() {
		e.stats.drop(DropHalted, 1)
		return
	}
	span := SpanToProto(rec)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing {
		e.stats.drop(DropShutdown, 1)
		return
	}

	select {
	case e.queue <- span:
		e.stats.enqueued.Add(1)
		return
	default:
	}

	if e.cfg.Backpressure == BackpressureBlock {
		timer := time.NewTimer(e.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case e.queue <- span:
			e.stats.enqueued.Add(1)
			return
		case <-e.stop:
			e.stats.drop(DropShutdown, 1)
			return
		case <-timer.C:
		}
	}

	e.stats.drop(DropQueueFull, 1)
	e.warn.Do(func() {
		e.logger.Warn("export queue full, dropping spans",
			zap.Int("queue_size", e.cfg.QueueSize),
			zap.Uint64("dropped", e.stats.dropped[DropQueueFull].Load()),
		)
	})
}

// work drains the queue into a batch and exports it on size, tick,
// explicit flush, and shutdown.
func (e *Exporter) work(flush <-chan chan struct{}) {
	batch := make([]*tracepb.Span, 0, e.cfg.BatchSize)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	emit := func() {
		if len(batch) == 0 {
			return
		}
		e.export(batch)
		clear(batch)
		batch = batch[:0]
	}
	add := func(span *tracepb.Span) {
		batch = append(batch, span)
		if len(batch) >= e.cfg.BatchSize {
			emit()
		}
	}
	drain := func() {
		for {
			select {
			case span := <-e.queue:
				add(span)
			default:
				return
			}
		}
	}

	for {
		select {
		case span := <-e.queue:
			add(span)
		case <-ticker.C:
			emit()
		case ack := <-flush:
			drain()
			emit()
			close(ack)
		case <-e.done:
			drain()
			emit()
			return
		}
	}
}

// export ships one batch, retrying transient failures. Every span in the
// batch ends up either exported or counted under a drop reason.
func (e *Exporter) export(spans []*tracepb.Span) {
	n := uint64(len(spans))
	if e.halted.Load() {
		e.stats.discard(DropHalted, n)
		return
	}
	if e.runCtx.Err() != nil {
		e.stats.discard(DropShutdown, n)
		return
	}

	l := e.acquire()
	defer l.inflight.Done()
	req := batchRequest(e.resource, e.scope, e.schemaURL, spans)
	attempts := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.InitialBackoff
	policy.MaxInterval = l.cfg.MaxBackoff

	_, err := backoff.Retry(e.runCtx, func() (struct{}, error) {
		attempts++
		err := l.send(func() error {
			ctx, cancel := context.WithTimeout(e.runCtx, l.cfg.ExportTimeout)
			defer cancel()
			return l.transport.Export(ctx, req)
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(err)
		case classify(err) != classTransient:
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(l.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(l.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.stats.retries.Add(1)
			e.logger.Debug("retrying export", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	if err == nil {
		e.stats.exported.Add(n)
		e.stats.batches.Add(1)
		if ce := e.logger.Check(zap.DebugLevel, "exported batch"); ce != nil {
			ce.Write(zap.Int("spans", len(spans)), zap.Int("bytes", proto.Size(req)), zap.Int("attempts", attempts))
		}
		return
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	exportErr := &ExportError{Spans: len(spans), Attempts: attempts, Err: err}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e.stats.discard(DropBreakerOpen, n)
	case e.runCtx.Err() != nil, classify(err) == classCanceled:
		e.stats.discard(DropShutdown, n)
	case classify(err) == classFatal:
		exportErr.Fatal = true
		e.stats.discard(DropHalted, n)
		e.halt(exportErr)
	default:
		e.stats.discard(DropExportFailed, n)
		e.warn.Do(func() {
			e.logger.Warn("dropping batch after failed export", zap.Error(exportErr))
		})
	}
}

// acquire returns the current link with an in-flight export registered on
// it. The caller must call inflight.Done.
func (e *Exporter) acquire() *link {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	l := e.link.Load()
	l.inflight.Add(1)
	return l
}

// halt stops the export path and reports err exactly once.
func (e *Exporter) halt(err error) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.logger.Error("otlp export halted", zap.Error(err))
	select {
	case e.errs <- err:
	default:
	}
	if e.opts.onError != nil {
		e.opts.onError(err)
	}
}

// Errors delivers the error that halted the export path. The channel is
// closed by Shutdown.
func (e *Exporter) Errors() <-chan error {
	return e.errs
}

// Halted reports whether a fatal error stopped the export path.
func (e *Exporter) Halted() bool {
	return e.halted.Load()
}

// ForceFlush exports every span queued before the call and waits for the
// workers to finish.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	e.mu.RLock()
	closing := e.closing
	e.mu.RUnlock()
	if closing {
		return ErrShutdown
	}

	acks := make([]chan struct{}, 0, len(e.flushes))
	for _, flush := range e.flushes {
		ack := make(chan struct{})
		select {
		case flush <- ack:
			acks = append(acks, ack)
		case <-e.done:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.halted.Load() {
		return ErrHalted
	}
	return nil
}

// Reconfigure replaces the connection settings and clears a halted export
// path. Batching and queue settings keep their original values.
func (e *Exporter) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	next, err := e.newLink(ctx, cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		_ = next.transport.Close(ctx)
		return ErrShutdown
	}
	e.linkMu.Lock()
	prev := e.link.Swap(next)
	e.linkMu.Unlock()
	e.halted.Store(false)
	e.mu.Unlock()

	e.logger.Info("otlp exporter reconfigured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
	)

	// Batches already on the old link finish there unless ctx runs out.
	drained := make(chan struct{})
	go func() {
		prev.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.logger.Warn("closing previous transport with exports in flight", zap.Error(ctx.Err()))
	}
	if err := prev.transport.Close(context.WithoutCancel(ctx)); err != nil {
		e.logger.Debug("closing previous transport", zap.Error(err))
	}
	return nil
}

// Shutdown stops intake, flushes what is buffered within the shutdown
// window, and closes the transport. Spans still buffered when the window
// ends are counted as dropped. Later calls return the first result.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Exporter) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	close(e.stop)
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	close(e.done)
	stopped := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown window elapsed: %w", ctx.Err())
		e.cancel()
		<-stopped
	}
	e.cancel()
	close(e.errs)

	if cerr := e.link.Load().transport.Close(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing transport: %w", cerr))
	}

	s := e.Stats()
	e.logger.Info("otlp exporter shut down",
		zap.Uint64("exported", s.Exported),
		zap.Uint64("dropped", s.TotalDropped()),
		zap.Uint64("batches", s.Batches),
	)
	return err
}

// Stats returns a snapshot of the export counters.
func (e *Exporter) Stats() Stats {
	s := e.stats.snapshot()
	s.Halted = e.halted.Load()
	if l := e.link.Load(); l != nil && l.breaker != nil {
		s.Breaker = l.breaker.State().String()
	}
	return s
}
