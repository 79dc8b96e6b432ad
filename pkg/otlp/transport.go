// Transports that deliver encoded batches to an OTLP collector
// gRPC uses the generated trace service client; HTTP reuses the otlptracehttp client
package otlp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
)

// Transport sends one export request. Implementations must be safe for
// concurrent use by several workers.
type Transport interface {
	Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error
	Close(ctx context.Context) error
}

// newTransport builds the transport named by cfg.Protocol.
func newTransport(ctx context.Context, cfg Config, dialOpts []grpc.DialOption) (Transport, error) {
	switch cfg.Protocol {
	case ProtocolGRPC:
		return newGRPCTransport(cfg, dialOpts)
	case ProtocolHTTP:
		return newHTTPTransport(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, cfg.Protocol)
	}
}

type grpcTransport struct {
	conn   *grpc.ClientConn
	client coltracepb.TraceServiceClient
}

func newGRPCTransport(cfg Config, extra []grpc.DialOption) (*grpcTransport, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(headerInterceptor(cfg.Headers, cfg.HeaderFunc)),
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating grpc client for %q: %w", ErrInvalidConfig, cfg.Endpoint, err)
	}
	return &grpcTransport{conn: conn, client: coltracepb.NewTraceServiceClient(conn)}, nil
}

func (t *grpcTransport) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	_, err := t.client.Export(ctx, req)
	return err
}

func (t *grpcTransport) Close(context.Context) error {
	return t.conn.Close()
}

// headerInterceptor attaches static and computed headers to every call.
func headerInterceptor(static map[string]string, fn HeaderFunc) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		headers, err := collectHeaders(ctx, static, fn)
		if err != nil {
			return err
		}
		if len(headers) > 0 {
			kv := make([]string, 0, 2*len(headers))
			for k, v := range headers {
				kv = append(kv, k, v)
			}
			ctx = metadata.AppendToOutgoingContext(ctx, kv...)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// collectHeaders merges static headers with the hook's output. A hook error
// is transient; a non-ascii header from the hook is a configuration error.
func collectHeaders(ctx context.Context, static map[string]string, fn HeaderFunc) (map[string]string, error) {
	if fn == nil {
		return static, nil
	}
	dynamic, err := fn(ctx)
	if err != nil {
		return nil, Transient(fmt.Errorf("header hook: %w", err))
	}
	if err := validateHeaders(dynamic); err != nil {
		return nil, Fatal(fmt.Errorf("header hook: %w", err))
	}
	merged := make(map[string]string, len(static)+len(dynamic))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range dynamic {
		merged[k] = v
	}
	return merged, nil
}

type httpTransport struct {
	client otlptrace.Client
	base   *http.Transport
}

func newHTTPTransport(ctx context.Context, cfg Config) (*httpTransport, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(cfg.ExportTimeout),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
		otlptracehttp.WithHTTPClient(&http.Client{
			Transport: &statusRecorder{
				next:    base,
				headers: cfg.HeaderFunc,
			},
		}),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	client := otlptracehttp.NewClient(opts...)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting http client: %w", err)
	}
	return &httpTransport{client: client, base: base}, nil
}

func (t *httpTransport) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	var status statusSlot
	ctx = context.WithValue(ctx, statusKey{}, &status)
	err := t.client.UploadTraces(ctx, req.GetResourceSpans())
	if err == nil {
		return nil
	}
	if status.hookErr != nil {
		return status.hookErr
	}
	switch status.code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnsupportedMediaType:
		return Fatal(err)
	default:
		return Transient(err)
	}
}

func (t *httpTransport) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := t.client.Stop(ctx)
	t.base.CloseIdleConnections()
	return err
}

type statusKey struct{}

// statusSlot receives the response code of the last attempt so errors can
// be classified without parsing messages.
type statusSlot struct {
	code    int
	hookErr error
}

// statusRecorder injects computed headers and records response codes.
type statusRecorder struct {
	next    http.RoundTripper
	headers HeaderFunc
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	slot, _ := req.Context().Value(statusKey{}).(*statusSlot)
	if s.headers != nil {
		headers, err := collectHeaders(req.Context(), nil, s.headers)
		if err != nil {
			if slot != nil {
				slot.hookErr = err
			}
			return nil, err
		}
		req = req.Clone(req.Context())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	resp, err := s.next.RoundTrip(req)
	if resp != nil && slot != nil {
		slot.code = resp.StatusCode
	}
	return resp, err
}
