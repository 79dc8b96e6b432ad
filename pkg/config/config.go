// Construction-time configuration for actiontrace binaries
// Loaded from YAML and ACTIONTRACE_* environment variables through viper
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ACTIONTRACE_EXPORTER_ENDPOINT.
const EnvPrefix = "ACTIONTRACE"

// Sink names.
const (
	SinkOTLP    = "otlp"
	SinkLog     = "log"
	SinkStdout  = "stdout"
	SinkDiscard = "discard"
)

// Sinks lists the supported sink names.
var Sinks = []string{SinkOTLP, SinkLog, SinkStdout, SinkDiscard}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the effective configuration of a run.
type Config struct {
	Level         string         `mapstructure:"level" yaml:"level"`
	CacheCapacity int            `mapstructure:"cache_capacity" yaml:"cache_capacity"`
	SampleEvery   int            `mapstructure:"sample_every" yaml:"sample_every"`
	Sink          string         `mapstructure:"sink" yaml:"sink"`
	SlowThreshold time.Duration  `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	Service       ServiceConfig  `mapstructure:"service" yaml:"service"`
	Exporter      ExporterConfig `mapstructure:"exporter" yaml:"exporter"`
}

// ServiceConfig describes the emitting service resource.
type ServiceConfig struct {
	Name       string            `mapstructure:"name" yaml:"name"`
	Version    string            `mapstructure:"version" yaml:"version,omitempty"`
	Attributes map[string]string `mapstructure:"attributes" yaml:"attributes,omitempty"`
}

// ExporterConfig mirrors otlp.Config for file and environment loading.
type ExporterConfig struct {
	Endpoint        string            `mapstructure:"endpoint" yaml:"endpoint"`
	Protocol        string            `mapstructure:"protocol" yaml:"protocol"`
	Insecure        bool              `mapstructure:"insecure" yaml:"insecure"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Compression     string            `mapstructure:"compression" yaml:"compression,omitempty"`
	BatchSize       int               `mapstructure:"batch_size" yaml:"batch_size"`
	QueueSize       int               `mapstructure:"queue_size" yaml:"queue_size"`
	Workers         int               `mapstructure:"workers" yaml:"workers"`
	Backpressure    string            `mapstructure:"backpressure" yaml:"backpressure"`
	BlockTimeout    time.Duration     `mapstructure:"block_timeout" yaml:"block_timeout"`
	FlushInterval   time.Duration     `mapstructure:"flush_interval" yaml:"flush_interval"`
	ExportTimeout   time.Duration     `mapstructure:"export_timeout" yaml:"export_timeout"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxAttempts     uint              `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxElapsed      time.Duration     `mapstructure:"max_elapsed" yaml:"max_elapsed"`
	Breaker         BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerConfig mirrors otlp.BreakerConfig.
type BreakerConfig struct {
	Disabled            bool          `mapstructure:"disabled" yaml:"disabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Level:         actions.LevelInfo.String(),
		CacheCapacity: actions.DefaultCacheCapacity,
		Sink:          SinkOTLP,
		SlowThreshold: time.Second,
		Service:       ServiceConfig{Name: otlp.DefaultServiceName},
		Exporter: ExporterConfig{
			Endpoint:        otlp.DefaultEndpoint,
			Protocol:        otlp.ProtocolGRPC,
			BatchSize:       otlp.DefaultBatchSize,
			QueueSize:       otlp.DefaultQueueSize,
			Workers:         otlp.DefaultWorkers,
			Backpressure:    string(otlp.BackpressureDrop),
			BlockTimeout:    otlp.DefaultBlockTimeout,
			FlushInterval:   otlp.DefaultFlushInterval,
			ExportTimeout:   otlp.DefaultExportTimeout,
			ShutdownTimeout: otlp.DefaultShutdownTimeout,
			MaxAttempts:     otlp.DefaultMaxAttempts,
			MaxElapsed:      otlp.DefaultMaxElapsed,
			Breaker: BreakerConfig{
				ConsecutiveFailures: otlp.DefaultBreakerFailures,
				Timeout:             otlp.DefaultBreakerTimeout,
			},
		},
	}
}

// keyDelim separates nested keys. Attribute names such as
// "deployment.environment" contain dots, so the default delimiter cannot be used.
const keyDelim = "::"

// Load reads path (YAML, optional) and applies environment overrides on
// top of Default. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter(keyDelim),
		viper.EnvKeyReplacer(strings.NewReplacer(keyDelim, "_")),
	)
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.DecodeHookFuncType(stringToHeaders),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := restoreKeyCase(&cfg, data); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// restoreKeyCase replaces the free-form maps with their file spelling. Viper
// lowercases every key it reads from a file, which would rename resource
// attributes and headers. Maps set from the environment keep viper's value.
func restoreKeyCase(cfg *Config, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var raw struct {
		Service struct {
			Attributes map[string]string `yaml:"attributes"`
		} `yaml:"service"`
		Exporter struct {
			Headers map[string]string `yaml:"headers"`
		} `yaml:"exporter"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Service.Attributes != nil && !envSet("service.attributes") {
		cfg.Service.Attributes = raw.Service.Attributes
	}
	if raw.Exporter.Headers != nil && !envSet("exporter.headers") {
		cfg.Exporter.Headers = raw.Exporter.Headers
	}
	return nil
}

// envSet reports whether the environment override for key is non-empty.
func envSet(key string) bool {
	name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	return os.Getenv(name) != ""
}

// setDefaults registers every key so AutomaticEnv can see it. Maps have no
// leaf keys, so their env variables are bound explicitly.
func setDefaults(v *viper.Viper, d Config) {
	set := func(key string, value any) {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelim), value)
	}
	bind := func(key string) {
		_ = v.BindEnv(strings.ReplaceAll(key, ".", keyDelim))
	}

	set("level", d.Level)
	set("cache_capacity", d.CacheCapacity)
	set("sample_every", d.SampleEvery)
	set("sink", d.Sink)
	set("slow_threshold", d.SlowThreshold)
	set("service.name", d.Service.Name)
	set("service.version", d.Service.Version)
	bind("service.attributes")

	e := d.Exporter
	set("exporter.endpoint", e.Endpoint)
	set("exporter.protocol", e.Protocol)
	set("exporter.insecure", e.Insecure)
	bind("exporter.headers")
	set("exporter.compression", e.Compression)
	set("exporter.batch_size", e.BatchSize)
	set("exporter.queue_size", e.QueueSize)
	set("exporter.workers", e.Workers)
	set("exporter.backpressure", e.Backpressure)
	set("exporter.block_timeout", e.BlockTimeout)
	set("exporter.flush_interval", e.FlushInterval)
	set("exporter.export_timeout", e.ExportTimeout)
	set("exporter.shutdown_timeout", e.ShutdownTimeout)
	set("exporter.max_attempts", e.MaxAttempts)
	set("exporter.max_elapsed", e.MaxElapsed)
	set("exporter.breaker.disabled", e.Breaker.Disabled)
	set("exporter.breaker.consecutive_failures", e.Breaker.ConsecutiveFailures)
	set("exporter.breaker.timeout", e.Breaker.Timeout)
}

// stringToHeaders decodes "k1=v1,k2=v2" into a header map, the format used
// by OTEL_EXPORTER_OTLP_HEADERS.
func stringToHeaders(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(map[string]string(nil)) {
		return data, nil
	}
	return ParseHeaders(data.(string))
}

// ParseHeaders parses "k1=v1,k2=v2". Keys and values are trimmed.
func ParseHeaders(s string) (map[string]string, error) {
	headers := make(map[string]string)
	for pair := range strings.SplitSeq(s, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("header %q must be key=value", pair)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers, nil
}

// Validate checks every field and the derived exporter configuration.
func (c *Config) Validate() error {
	if _, err := actions.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("%w: cache_capacity must not be negative", ErrInvalid)
	}
	if c.SampleEvery < 0 {
		return fmt.Errorf("%w: sample_every must not be negative", ErrInvalid)
	}
	if c.SlowThreshold < 0 {
		return fmt.Errorf("%w: slow_threshold must not be negative", ErrInvalid)
	}
	if !slices.Contains(Sinks, c.Sink) {
		return fmt.Errorf("%w: unknown sink %q, supported: %s", ErrInvalid, c.Sink, strings.Join(Sinks, ", "))
	}
	if c.Service.Name == "" {
		return fmt.Errorf("%w: service.name is required", ErrInvalid)
	}
	if c.Sink == SinkOTLP {
		if err := c.OTLP().Validate(); err != nil {
			return fmt.Errorf("%w: exporter: %w", ErrInvalid, err)
		}
	}
	return nil
}

// ActionLevel returns the parsed minimum span level. Call after Validate.
func (c *Config) ActionLevel() actions.Level {
	l, _ := actions.ParseLevel(c.Level)
	return l
}

// OTLP converts the exporter section to an otlp.Config.
func (c *Config) OTLP() otlp.Config {
	e := c.Exporter
	return otlp.Config{
		Endpoint:        e.Endpoint,
		Protocol:        e.Protocol,
		Insecure:        e.Insecure,
		Headers:         e.Headers,
		Compression:     e.Compression,
		BatchSize:       e.BatchSize,
		QueueSize:       e.QueueSize,
		Workers:         e.Workers,
		Backpressure:    otlp.Backpressure(e.Backpressure),
		BlockTimeout:    e.BlockTimeout,
		FlushInterval:   e.FlushInterval,
		ExportTimeout:   e.ExportTimeout,
		ShutdownTimeout: e.ShutdownTimeout,
		MaxAttempts:     e.MaxAttempts,
		MaxElapsed:      e.MaxElapsed,
		Breaker: otlp.BreakerConfig{
			Disabled:            e.Breaker.Disabled,
			ConsecutiveFailures: e.Breaker.ConsecutiveFailures,
			Timeout:             e.Breaker.Timeout,
		},
		ServiceName:       c.Service.Name,
		ServiceVersion:    c.Service.Version,
		ServiceAttributes: c.Service.Attributes,
	}
}

// Dump writes the configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
