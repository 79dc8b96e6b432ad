package otlp

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// TransportFactory builds a transport for a configuration. New and
// Reconfigure call it.
type TransportFactory func(ctx context.Context, cfg Config) (Transport, error)

type options struct {
	logger    *zap.Logger
	onError   func(error)
	dialOpts  []grpc.DialOption
	transport TransportFactory
	version   string
}

// Option configures an Exporter.
type Option func(*options)

// WithLogger sets the logger for export diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOnError registers a hook called once when the export path halts.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithDialOptions appends gRPC dial options, for example a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithTransport replaces the protocol transports.
func WithTransport(factory TransportFactory) Option {
	return func(o *options) { o.transport = factory }
}

// WithVersion sets the instrumentation scope version.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

func buildOptions(opts []Option) options {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.transport == nil {
		dialOpts := o.dialOpts
		o.transport = func(ctx context.Context, cfg Config) (Transport, error) {
			return newTransport(ctx, cfg, dialOpts)
		}
	}
	return o
}
