// Span pipeline assembly: trace sink, metrics, and logs for a run
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/andrewh/actiontrace/pkg/config"
	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/andrewh/actiontrace/pkg/sink"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

type pipelineOptions struct {
	signals map[string]bool
	viaSDK  bool
	out     io.Writer
	logger  *zap.Logger
}

// shutdownable is anything with a Shutdown method (exporters, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

type flushable interface {
	ForceFlush(context.Context) error
}

type pipeline struct {
	tee sink.Tee
	// exporter is set when spans go through the built-in OTLP exporter.
	exporter  *otlp.Exporter
	flushers  []flushable
	closers   []shutdownable
	closeOnce sync.Once
	closeErr  error
	logger    *zap.Logger
}

func (p *pipeline) add(s actions.Sink, f flushable, c shutdownable) {
	if s != nil {
		p.tee = append(p.tee, s)
	}
	if f != nil {
		p.flushers = append(p.flushers, f)
	}
	if c != nil {
		p.closers = append(p.closers, c)
	}
}

// buildPipeline creates the sinks selected by cfg and signals. On error any
// component already created is shut down.
func buildPipeline(ctx context.Context, cfg *config.Config, opts pipelineOptions) (_ *pipeline, err error) {
	p := &pipeline{logger: opts.logger}
	defer func() {
		if err != nil {
			_ = p.shutdown(context.WithoutCancel(ctx))
		}
	}()

	res, err := otlp.NewResource(ctx, cfg.OTLP())
	if err != nil {
		return nil, err
	}

	if opts.signals["traces"] {
		if err := p.addTraceSink(ctx, cfg, opts, res); err != nil {
			return nil, err
		}
	}
	if opts.signals["metrics"] {
		if err := p.addMetrics(ctx, cfg, opts, res); err != nil {
			return nil, err
		}
	}
	if opts.signals["logs"] {
		if err := p.addLogs(ctx, cfg, opts, res); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *pipeline) addTraceSink(ctx context.Context, cfg *config.Config, opts pipelineOptions, res *resource.Resource) error {
	var s actions.Sink
	switch cfg.Sink {
	case config.SinkOTLP:
		if opts.viaSDK {
			exp, err := createTraceExporter(ctx, cfg)
			if err != nil {
				return err
			}
			sdk := sink.NewSDKExporter(sdktrace.NewBatchSpanProcessor(exp, batchOptions(cfg.Exporter)...), res, version)
			p.add(nil, sdk, sdk)
			s = sdk
			break
		}
		exp, err := otlp.New(ctx, cfg.OTLP(),
			otlp.WithLogger(opts.logger),
			otlp.WithVersion(version),
			otlp.WithOnError(func(err error) {
				opts.logger.Warn("span export failed", zap.Error(err))
			}),
		)
		if err != nil {
			return err
		}
		p.exporter = exp
		p.add(nil, exp, exp)
		s = exp
	case config.SinkStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(opts.out))
		if err != nil {
			return fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		sdk := sink.NewSDKExporter(sdktrace.NewSimpleSpanProcessor(exp), res, version)
		p.add(nil, sdk, sdk)
		s = sdk
	case config.SinkLog:
		s = sink.NewLog(opts.logger.Named("spans"))
	case config.SinkDiscard:
		s = actions.SinkFunc(func(*actions.SpanRecord) {})
	default:
		return fmt.Errorf("unknown sink %q", cfg.Sink)
	}

	if cfg.SampleEvery > 1 {
		s = sink.NewSampled(s, cfg.SampleEvery)
	}
	p.add(s, nil, nil)
	return nil
}

func createTraceExporter(ctx context.Context, cfg *config.Config) (sdktrace.SpanExporter, error) {
	e := cfg.Exporter
	switch e.Protocol {
	case otlp.ProtocolGRPC:
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(e.Endpoint)}
		if e.ExportTimeout > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithTimeout(e.ExportTimeout))
		}
		if e.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		if len(e.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(e.Headers))
		}
		if e.Compression == "gzip" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithCompressor("gzip"))
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	case otlp.ProtocolHTTP:
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(e.Endpoint)}
		if e.ExportTimeout > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithTimeout(e.ExportTimeout))
		}
		if e.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if len(e.Headers) > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithHeaders(e.Headers))
		}
		if e.Compression == "gzip" {
			httpOpts = append(httpOpts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, supported: %s, %s", e.Protocol, otlp.ProtocolHTTP, otlp.ProtocolGRPC)
	}
}

// spanSink returns the sink spans are delivered to.
func (p *pipeline) spanSink() actions.Sink {
	if len(p.tee) == 1 {
		return p.tee[0]
	}
	return p.tee
}

// batchOptions maps the exporter batching settings onto the SDK batch
// processor. Unset values keep the SDK defaults.
func batchOptions(e config.ExporterConfig) []sdktrace.BatchSpanProcessorOption {
	var opts []sdktrace.BatchSpanProcessorOption
	if e.BatchSize > 0 {
		opts = append(opts, sdktrace.WithMaxExportBatchSize(e.BatchSize))
	}
	if e.QueueSize > 0 {
		opts = append(opts, sdktrace.WithMaxQueueSize(e.QueueSize))
	}
	if e.FlushInterval > 0 {
		opts = append(opts, sdktrace.WithBatchTimeout(e.FlushInterval))
	}
	if e.ExportTimeout > 0 {
		opts = append(opts, sdktrace.WithExportTimeout(e.ExportTimeout))
	}
	return opts
}

// flush drains every buffered component without shutting it down.
func (p *pipeline) flush(ctx context.Context) error {
	var errs []error
	for _, f := range p.flushers {
		errs = append(errs, f.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// shutdown closes every component concurrently. Safe to call more than once.
func (p *pipeline) shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = shutdownAll(ctx, p.closers, p.logger)
	})
	return p.closeErr
}

// shutdownAll shuts down all items concurrently within the given context.
// A slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, logger *zap.Logger) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				logger.Error("shutdown failed", zap.String("component", fmt.Sprintf("%T", item)), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
