// Action span generator and OTLP export harness
// Drives a YAML workload through the span tracker and ships the spans to a sink
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/andrewh/actiontrace/pkg/config"
	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/andrewh/actiontrace/pkg/workload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "actiontrace",
		Short:        "Action span tracker and OTLP exporter",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	return root
}

type runOptions struct {
	configPath       string
	endpoint         string
	protocol         string
	insecure         bool
	stdout           bool
	sink             string
	level            string
	duration         time.Duration
	maxTraces        int
	signals          string
	slowThreshold    time.Duration
	maxSpansPerTrace int
	metricsAddr      string
	pprofAddr        string
	pyroscopeAddr    string
	summary          string
	logLevel         string
	out              io.Writer
	errOut           io.Writer
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Generate action spans from a workload definition",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing workload file\n\nUsage: actiontrace run <workload.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			opts.errOut = cmd.ErrOrStderr()
			if cmd.Flags().Changed("slow-threshold") && !strings.Contains(opts.signals, "logs") {
				_, _ = fmt.Fprintln(opts.errOut, "Warning: --slow-threshold has no effect without --signals logs")
			}
			return runWorkload(cmd.Context(), args[0], opts, cmd.Flags().Changed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "configuration file (YAML); ACTIONTRACE_* variables override it")
	f.StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint as host:port")
	f.StringVar(&opts.protocol, "protocol", "", "OTLP protocol: grpc, http/protobuf, grpc-sdk or http-sdk")
	f.BoolVar(&opts.insecure, "insecure", false, "disable TLS for the OTLP connection")
	f.BoolVar(&opts.stdout, "stdout", false, "write spans to stdout as JSON")
	f.StringVar(&opts.sink, "sink", "", "span sink: otlp, log, stdout or discard")
	f.StringVar(&opts.level, "level", "", "minimum span level: trace, debug, info, warn, error, off")
	f.DurationVar(&opts.duration, "duration", 0, "run duration, e.g. 10s, 5m (default 1m)")
	f.IntVar(&opts.maxTraces, "max-traces", 0, "stop after this many traces (0 = unlimited)")
	f.StringVar(&opts.signals, "signals", "traces", "comma-separated signals to emit: traces,metrics,logs")
	f.DurationVar(&opts.slowThreshold, "slow-threshold", 0, "duration threshold for slow span log emission")
	f.IntVar(&opts.maxSpansPerTrace, "max-spans-per-trace", 0, "maximum spans per trace (0 = default 10000)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	f.StringVar(&opts.pprofAddr, "pprof", "", "start pprof HTTP server on this address (e.g. :6060)")
	f.StringVar(&opts.pyroscopeAddr, "pyroscope", "", "push continuous profiles to this Pyroscope server URL")
	f.StringVar(&opts.summary, "summary", "table", "end of run summary: table, json or none")
	f.StringVar(&opts.logLevel, "log-level", "info", "diagnostic log level: debug, info, warn, error")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workload.yaml>",
		Short: "Parse and validate a workload definition",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing workload file\n\nUsage: actiontrace validate <workload.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, _, err := loadWorkload(args[0])
			if err != nil {
				return err
			}
			svcLabel := "services"
			if len(topo.Services) == 1 {
				svcLabel = "service"
			}
			rootLabel := "operations"
			if len(topo.Roots) == 1 {
				rootLabel = "operation"
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Workload valid: %d %s, %d root %s\n",
				len(topo.Services), svcLabel, len(topo.Roots), rootLabel)

			shape := workload.Analyze(topo)
			_, _ = fmt.Fprintf(out, "Max depth %d (%s), max fan-out %d (%s), worst-case %d spans per trace (%s)\n",
				shape.MaxDepth, strings.Join(shape.DepthPath, " -> "),
				shape.MaxFanOut, shape.FanOutRef, shape.MaxSpans, shape.SpansRoot)
			if shape.MaxSpans > workload.DefaultMaxSpansPerTrace {
				_, _ = fmt.Fprintf(out, "Warning: traces from %s will be truncated at %d spans\n",
					shape.SpansRoot, workload.DefaultMaxSpansPerTrace)
			}

			_, _ = fmt.Fprintf(out, "\nTo generate spans:\n  actiontrace run --stdout %s\n", args[0])
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "configuration file (YAML)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "actiontrace %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

func parseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for sig := range strings.SplitSeq(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

const (
	defaultDuration     = 1 * time.Minute
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

// sdkProtocols route spans through the OTel SDK exporters instead of the
// built-in batch exporter.
var sdkProtocols = map[string]string{
	"grpc-sdk": otlp.ProtocolGRPC,
	"http-sdk": otlp.ProtocolHTTP,
}

// applyFlags overlays explicitly set flags on the loaded configuration and
// reports whether spans go through the SDK exporter path.
func applyFlags(cfg *config.Config, opts runOptions, changed func(string) bool) (bool, error) {
	if changed("endpoint") {
		cfg.Exporter.Endpoint = opts.endpoint
	}
	if changed("insecure") {
		cfg.Exporter.Insecure = opts.insecure
	}
	if changed("sink") {
		cfg.Sink = opts.sink
	}
	if opts.stdout {
		cfg.Sink = config.SinkStdout
	}
	if changed("level") {
		cfg.Level = opts.level
	}
	if changed("slow-threshold") {
		cfg.SlowThreshold = opts.slowThreshold
	}
	viaSDK := false
	if changed("protocol") {
		protocol := opts.protocol
		if p, ok := sdkProtocols[protocol]; ok {
			protocol, viaSDK = p, true
		}
		cfg.Exporter.Protocol = protocol
	}
	return viaSDK, cfg.Validate()
}

func loadWorkload(path string) (*workload.Topology, workload.Rate, error) {
	wl, err := workload.LoadConfig(path)
	if err != nil {
		return nil, workload.Rate{}, err
	}
	if err := workload.ValidateConfig(wl); err != nil {
		return nil, workload.Rate{}, err
	}
	topo, err := workload.BuildTopology(wl)
	if err != nil {
		return nil, workload.Rate{}, err
	}
	r, err := workload.ParseRate(wl.Traffic.Rate)
	if err != nil {
		return nil, workload.Rate{}, err
	}
	return topo, r, nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func checkEndpoint(endpoint, protocol, workloadPath string) error {
	host := endpoint
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := defaultGRPCPort
		if protocol == otlp.ProtocolHTTP {
			port = defaultHTTPPort
		}
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To write spans as JSON to the terminal, use --stdout:\n"+
			"  actiontrace run --stdout --duration 10s %s\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  actiontrace run --endpoint collector.example.com:4317 %s", host, workloadPath, workloadPath)
	}
	_ = conn.Close()
	return nil
}

// syncWriter serialises writes from exporter goroutines, diagnostics, and
// the summary onto one stream.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runWorkload(ctx context.Context, workloadPath string, opts runOptions, changed func(string) bool) (err error) {
	opts.out = &syncWriter{w: opts.out}
	opts.errOut = &syncWriter{w: opts.errOut}
	logger, err := newLogger(opts.logLevel, opts.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	viaSDK, err := applyFlags(cfg, opts, changed)
	if err != nil {
		return err
	}
	signals, err := parseSignals(opts.signals)
	if err != nil {
		return err
	}
	switch opts.summary {
	case "table", "json", "none":
	default:
		return fmt.Errorf("unknown --summary %q, supported: table, json, none", opts.summary)
	}

	topo, rate, err := loadWorkload(workloadPath)
	if err != nil {
		return err
	}

	if cfg.Sink == config.SinkOTLP && signals["traces"] {
		if err := checkEndpoint(cfg.Exporter.Endpoint, cfg.Exporter.Protocol, workloadPath); err != nil {
			return err
		}
	}

	diag, err := startDiagnostics(opts, cfg, logger)
	if err != nil {
		return err
	}
	defer diag.stop()

	pipeline, err := buildPipeline(ctx, cfg, pipelineOptions{
		signals: signals,
		viaSDK:  viaSDK,
		out:     opts.out,
		logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout+cfg.Exporter.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, pipeline.shutdown(shutdownCtx))
	}()
	if pipeline.exporter != nil {
		diag.register(pipeline.exporter)
	}

	sub := actions.NewSubscriber(cfg.ActionLevel(), pipeline.spanSink(), actions.NewSpanCache(cfg.CacheCapacity),
		actions.WithLogger(logger))

	duration := opts.duration
	if duration == 0 && opts.maxTraces == 0 {
		duration = defaultDuration
	}
	engine := &workload.Engine{
		Topology:         topo,
		Tracer:           actions.NewTracer(sub),
		Rate:             rate,
		Duration:         duration,
		MaxTraces:        opts.maxTraces,
		Rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // synthetic data, not security-sensitive
		MaxSpansPerTrace: opts.maxSpansPerTrace,
		Logger:           logger,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout+cfg.Exporter.ExportTimeout)
	defer cancel()
	if err := pipeline.flush(flushCtx); err != nil {
		logger.Warn("flush failed", zap.Error(err))
	}

	var export *otlp.Stats
	if pipeline.exporter != nil {
		s := pipeline.exporter.Stats()
		export = &s
	}
	return writeSummary(opts.errOut, opts.summary, *stats, export)
}
