// Metric and log providers for the metrics and logs signals
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/andrewh/actiontrace/pkg/config"
	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/andrewh/actiontrace/pkg/sink"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// signalWriter is where the stdout exporters write when the sink is not
// OTLP. The discard sink discards every signal.
func signalWriter(cfg *config.Config, out io.Writer) io.Writer {
	if cfg.Sink == config.SinkDiscard {
		return io.Discard
	}
	return out
}

// addMetrics derives span counters and durations from completed spans and,
// with the built-in exporter, its export health.
func (p *pipeline) addMetrics(ctx context.Context, cfg *config.Config, opts pipelineOptions, res *resource.Resource) error {
	exporter, err := createMetricExporter(ctx, cfg, opts.out)
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Exporter.FlushInterval))),
		sdkmetric.WithResource(res),
	)
	p.add(nil, mp, mp)

	m, err := sink.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating span metrics: %w", err)
	}
	p.add(m, nil, nil)

	if p.exporter != nil {
		reg, err := otlp.RegisterMetrics(mp.Meter(sink.ScopeName), p.exporter)
		if err != nil {
			return fmt.Errorf("registering export metrics: %w", err)
		}
		p.closers = append(p.closers, unregisterer{reg.Unregister})
	}
	return nil
}

type unregisterer struct {
	fn func() error
}

func (u unregisterer) Shutdown(context.Context) error { return u.fn() }

func createMetricExporter(ctx context.Context, cfg *config.Config, out io.Writer) (sdkmetric.Exporter, error) {
	if cfg.Sink != config.SinkOTLP {
		return stdoutmetric.New(stdoutmetric.WithWriter(signalWriter(cfg, out)))
	}
	e := cfg.Exporter
	switch e.Protocol {
	case otlp.ProtocolGRPC:
		grpcOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(e.Endpoint)}
		if e.Insecure {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithInsecure())
		}
		if len(e.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithHeaders(e.Headers))
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	case otlp.ProtocolHTTP:
		httpOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(e.Endpoint)}
		if e.Insecure {
			httpOpts = append(httpOpts, otlpmetrichttp.WithInsecure())
		}
		if len(e.Headers) > 0 {
			httpOpts = append(httpOpts, otlpmetrichttp.WithHeaders(e.Headers))
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for metrics", e.Protocol)
	}
}

// addLogs emits a log record for every errored or slow span.
func (p *pipeline) addLogs(ctx context.Context, cfg *config.Config, opts pipelineOptions, res *resource.Resource) error {
	exporter, err := createLogExporter(ctx, cfg, opts.out)
	if err != nil {
		return err
	}

	var processor sdklog.Processor
	if cfg.Sink == config.SinkOTLP {
		processor = sdklog.NewBatchProcessor(exporter)
	} else {
		processor = sdklog.NewSimpleProcessor(exporter)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	)
	p.add(sink.NewNotableOTelLog(lp, cfg.SlowThreshold), lp, lp)
	opts.logger.Debug("slow span logging enabled", zap.Duration("threshold", cfg.SlowThreshold))
	return nil
}

func createLogExporter(ctx context.Context, cfg *config.Config, out io.Writer) (sdklog.Exporter, error) {
	if cfg.Sink != config.SinkOTLP {
		return stdoutlog.New(stdoutlog.WithWriter(signalWriter(cfg, out)))
	}
	e := cfg.Exporter
	switch e.Protocol {
	case otlp.ProtocolGRPC:
		grpcOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(e.Endpoint)}
		if e.Insecure {
			grpcOpts = append(grpcOpts, otlploggrpc.WithInsecure())
		}
		if len(e.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlploggrpc.WithHeaders(e.Headers))
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	case otlp.ProtocolHTTP:
		httpOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(e.Endpoint)}
		if e.Insecure {
			httpOpts = append(httpOpts, otlploghttp.WithInsecure())
		}
		if len(e.Headers) > 0 {
			httpOpts = append(httpOpts, otlploghttp.WithHeaders(e.Headers))
		}
		return otlploghttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for logs", e.Protocol)
	}
}
