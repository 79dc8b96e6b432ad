// Self-observability for a run: Prometheus metrics, pprof, and Pyroscope
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof endpoint is opt-in via --pprof flag
	"time"

	"github.com/andrewh/actiontrace/pkg/config"
	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serverShutdownTimeout = 2 * time.Second

type diagnostics struct {
	registry *prometheus.Registry
	servers  []*http.Server
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

func startDiagnostics(opts runOptions, cfg *config.Config, logger *zap.Logger) (_ *diagnostics, err error) {
	d := &diagnostics{registry: prometheus.NewRegistry(), logger: logger}
	defer func() {
		if err != nil {
			d.stop()
		}
	}()

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		if err := d.serve("metrics", opts.metricsAddr, mux); err != nil {
			return nil, err
		}
	}
	if opts.pprofAddr != "" {
		if err := d.serve("pprof", opts.pprofAddr, http.DefaultServeMux); err != nil {
			return nil, err
		}
	}
	if opts.pyroscopeAddr != "" {
		p, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "actiontrace",
			ServerAddress:   opts.pyroscopeAddr,
			Tags:            map[string]string{"service": cfg.Service.Name, "version": version},
			Logger:          logger.Named("pyroscope").Sugar(),
		})
		if err != nil {
			return nil, fmt.Errorf("starting pyroscope profiler: %w", err)
		}
		d.profiler = p
	}
	return d, nil
}

// serve listens on addr before returning so bind errors surface to the caller.
func (d *diagnostics) serve(name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting %s server: %w", name, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	d.servers = append(d.servers, srv)
	d.logger.Info("diagnostics server listening", zap.String("server", name), zap.Stringer("addr", ln.Addr()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("diagnostics server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return nil
}

// register exposes the exporter counters on /metrics.
func (d *diagnostics) register(exp *otlp.Exporter) {
	if err := d.registry.Register(otlp.NewStatsCollector(exp)); err != nil {
		d.logger.Warn("registering exporter stats", zap.Error(err))
	}
}

func (d *diagnostics) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	for _, srv := range d.servers {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn("diagnostics server shutdown", zap.Error(err))
		}
	}
	if d.profiler != nil {
		if err := d.profiler.Stop(); err != nil {
			d.logger.Warn("pyroscope stop", zap.Error(err))
		}
	}
}
