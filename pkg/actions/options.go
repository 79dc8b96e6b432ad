// Construction options shared by Tracker and Subscriber, plus the diagnostics reporter
package actions

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type options struct {
	clock  func() time.Time
	ids    IDGenerator
	logger *zap.Logger
	hook   func(error)
}

// Option configures a Tracker or Subscriber.
type Option func(*options)

// WithClock replaces time.Now for start, end, and event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator replaces the random trace and span id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithLogger sets the logger used for rate-limited diagnostic messages.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDiagnostics registers a hook that receives every protocol fault and
// recovered sink panic. The hook runs inline and must not block.
func WithDiagnostics(hook func(error)) Option {
	return func(o *options) { o.hook = hook }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  time.Now,
		ids:    randomIDs{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// diagnostics forwards faults to the hook and logs a sample of them.
type diagnostics struct {
	hook   func(error)
	logger *zap.Logger
	sample *rate.Sometimes
	count  atomic.Uint64
}

func newDiagnostics(o options) *diagnostics {
	return &diagnostics{
		hook:   o.hook,
		logger: o.logger,
		sample: &rate.Sometimes{First: 10, Interval: time.Second},
	}
}

func (d *diagnostics) report(err error) {
	n := d.count.Add(1)
	if d.hook != nil {
		d.hook(err)
	}
	d.sample.Do(func() {
		d.logger.Warn("span tracking fault", zap.Error(err), zap.Uint64("faults", n))
	})
}

func (d *diagnostics) faults() uint64 {
	return d.count.Load()
}
