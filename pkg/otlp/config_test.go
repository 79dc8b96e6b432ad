package otlp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	assert.Equal(t, DefaultEndpoint, c.Endpoint)
	assert.Equal(t, ProtocolGRPC, c.Protocol)
	assert.Equal(t, DefaultBatchSize, c.BatchSize)
	assert.Equal(t, DefaultQueueSize, c.QueueSize)
	assert.Equal(t, BackpressureDrop, c.Backpressure)
	assert.Equal(t, DefaultShutdownTimeout, c.ShutdownTimeout)
	assert.Equal(t, uint(DefaultMaxAttempts), c.MaxAttempts)
	assert.Equal(t, uint32(5), c.Breaker.ConsecutiveFailures)
	assert.Equal(t, DefaultServiceName, c.ServiceName)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero value", cfg: Config{}},
		{name: "http protocol", cfg: Config{Protocol: ProtocolHTTP, Endpoint: "collector:4318"}},
		{name: "grpc passthrough target", cfg: Config{Endpoint: "passthrough:///bufnet"}},
		{name: "block backpressure", cfg: Config{Backpressure: BackpressureBlock}},
		{name: "gzip", cfg: Config{Compression: "gzip"}},
		{name: "unknown protocol", cfg: Config{Protocol: "thrift"}, wantErr: `unknown protocol "thrift"`},
		{name: "url endpoint", cfg: Config{Endpoint: "https://collector:4317"}, wantErr: "must be host:port"},
		{name: "http with scheme", cfg: Config{Protocol: ProtocolHTTP, Endpoint: "unix:///tmp/otel"}, wantErr: "must be host:port"},
		{name: "whitespace endpoint", cfg: Config{Endpoint: "collector 4317"}, wantErr: "malformed endpoint"},
		{name: "unknown compression", cfg: Config{Compression: "zstd"}, wantErr: `unknown compression "zstd"`},
		{name: "unknown backpressure", cfg: Config{Backpressure: "yolo"}, wantErr: `unknown backpressure "yolo"`},
		{name: "negative batch size", cfg: Config{BatchSize: -1}, wantErr: "batch size must be positive"},
		{name: "negative queue size", cfg: Config{QueueSize: -4}, wantErr: "queue size must be positive"},
		{name: "negative workers", cfg: Config{Workers: -1}, wantErr: "workers must be positive"},
		{name: "negative timeout", cfg: Config{ExportTimeout: -time.Second}, wantErr: "export timeout must not be negative"},
		{name: "non ascii header value", cfg: Config{Headers: map[string]string{"token": "naïve"}}, wantErr: "must be ascii"},
		{name: "header name with space", cfg: Config{Headers: map[string]string{"bad name": "v"}}, wantErr: "must be ascii"},
		{name: "empty header name", cfg: Config{Headers: map[string]string{"": "v"}}, wantErr: "empty header name"},
		{name: "header value with space", cfg: Config{Headers: map[string]string{"authorization": "Bearer abc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want errorClass
	}{
		{name: "unavailable", err: status.Error(codes.Unavailable, "x"), want: classTransient},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "x"), want: classTransient},
		{name: "resource exhausted", err: status.Error(codes.ResourceExhausted, "x"), want: classTransient},
		{name: "aborted", err: status.Error(codes.Aborted, "x"), want: classTransient},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "x"), want: classFatal},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "x"), want: classFatal},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "x"), want: classFatal},
		{name: "unimplemented", err: status.Error(codes.Unimplemented, "x"), want: classFatal},
		{name: "grpc canceled", err: status.Error(codes.Canceled, "x"), want: classCanceled},
		{name: "context canceled", err: context.Canceled, want: classCanceled},
		{name: "context deadline", err: context.DeadlineExceeded, want: classTransient},
		{name: "config error", err: ErrInvalidConfig, want: classFatal},
		{name: "marked fatal", err: Fatal(errors.New("x")), want: classFatal},
		{name: "marked transient over fatal code", err: Transient(status.Error(codes.Unauthenticated, "x")), want: classTransient},
		{name: "unknown", err: errors.New("mystery"), want: classTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestExportErrorFormatting(t *testing.T) {
	t.Parallel()

	inner := status.Error(codes.Unavailable, "down")
	err := &ExportError{Spans: 3, Attempts: 5, Err: inner}
	assert.Equal(t, "export 3 spans failed after 5 attempts (transient): rpc error: code = Unavailable desc = down", err.Error())
	assert.ErrorIs(t, err, inner)

	err.Fatal = true
	assert.Contains(t, err.Error(), "(fatal)")
	assert.Nil(t, Fatal(nil))
	assert.Nil(t, Transient(nil))
}
