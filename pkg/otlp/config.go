// Exporter configuration, defaults, and validation
package otlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocols understood by the exporter.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Backpressure selects what SinkTrace does when the queue is full.
type Backpressure string

const (
	// BackpressureDrop discards the span immediately and counts it.
	BackpressureDrop Backpressure = "drop"
	// BackpressureBlock waits up to BlockTimeout for queue space, then drops.
	BackpressureBlock Backpressure = "block"
)

// Default values applied by Config.withDefaults.
const (
	DefaultEndpoint        = "localhost:4317"
	DefaultBatchSize       = 512
	DefaultQueueSize       = 2048
	DefaultWorkers         = 1
	DefaultBlockTimeout    = 100 * time.Millisecond
	DefaultFlushInterval   = 5 * time.Second
	DefaultExportTimeout   = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxAttempts     = 5
	DefaultMaxElapsed      = 30 * time.Second
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultServiceName     = "unknown_service"
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid exporter config")

// HeaderFunc returns request headers computed at export time, such as a
// freshly minted auth token.
type HeaderFunc func(ctx context.Context) (map[string]string, error)

// BreakerConfig controls the circuit breaker wrapped around export calls.
type BreakerConfig struct {
	Disabled bool
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MaxRequests allowed through while half-open. Defaults to 1.
	MaxRequests uint32
}

// Config describes how spans are batched and where they are sent.
type Config struct {
	Endpoint    string
	Protocol    string
	Insecure    bool
	Headers     map[string]string
	HeaderFunc  HeaderFunc
	Compression string

	BatchSize     int
	QueueSize     int
	Workers       int
	Backpressure  Backpressure
	BlockTimeout  time.Duration
	FlushInterval time.Duration

	ExportTimeout   time.Duration
	ShutdownTimeout time.Duration

	MaxAttempts    uint
	MaxElapsed     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Breaker BreakerConfig

	ServiceName       string
	ServiceVersion    string
	ServiceAttributes map[string]string
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolGRPC
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Backpressure == "" {
		c.Backpressure = BackpressureDrop
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ExportTimeout == 0 {
		c.ExportTimeout = DefaultExportTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = DefaultMaxElapsed
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = DefaultBreakerFailures
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = DefaultBreakerTimeout
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	return c
}

// Validate reports the first problem with the configuration after defaults
// are applied. Every error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	c = c.withDefaults()

	switch c.Protocol {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("%w: unknown protocol %q, supported: %s, %s", ErrInvalidConfig, c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("%w: endpoint %q must be host:port, use insecure to select plaintext", ErrInvalidConfig, c.Endpoint)
	}
	if c.Protocol == ProtocolHTTP && strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("%w: http endpoint %q must be host:port", ErrInvalidConfig, c.Endpoint)
	}
	if strings.ContainsAny(c.Endpoint, " \t\n") {
		return fmt.Errorf("%w: malformed endpoint %q", ErrInvalidConfig, c.Endpoint)
	}
	switch c.Compression {
	case "", "none", "gzip":
	default:
		return fmt.Errorf("%w: unknown compression %q, supported: none, gzip", ErrInvalidConfig, c.Compression)
	}
	switch c.Backpressure {
	case BackpressureDrop, BackpressureBlock:
	default:
		return fmt.Errorf("%w: unknown backpressure %q, supported: %s, %s", ErrInvalidConfig, c.Backpressure, BackpressureDrop, BackpressureBlock)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue size must be positive, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	for name, d := range map[string]time.Duration{
		"block timeout":    c.BlockTimeout,
		"flush interval":   c.FlushInterval,
		"export timeout":   c.ExportTimeout,
		"shutdown timeout": c.ShutdownTimeout,
		"max elapsed":      c.MaxElapsed,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidConfig, name, d)
		}
	}
	if err := validateHeaders(c.Headers); err != nil {
		return err
	}
	return nil
}

// validateHeaders requires non-empty ASCII keys and printable ASCII values,
// the set gRPC metadata and HTTP headers both accept.
func validateHeaders(headers map[string]string) error {
	for k, v := range headers {
		if k == "" {
			return fmt.Errorf("%w: empty header name", ErrInvalidConfig)
		}
		if !isASCII(k, false) {
			return fmt.Errorf("%w: header name %q must be ascii", ErrInvalidConfig, k)
		}
		if !isASCII(v, true) {
			return fmt.Errorf("%w: header %q value must be ascii", ErrInvalidConfig, k)
		}
	}
	return nil
}

func isASCII(s string, allowSpace bool) bool {
	for i := range len(s) {
		c := s[i]
		if c == ' ' && allowSpace {
			continue
		}
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
