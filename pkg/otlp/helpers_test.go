package otlp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testRecord(name string) *actions.SpanRecord {
	return &actions.SpanRecord{
		ID:      1,
		Name:    name,
		Level:   actions.LevelInfo,
		Kind:    trace.SpanKindServer,
		TraceID: trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:  trace.SpanID{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
		Start:   testStart,
		End:     testStart.Add(25 * time.Millisecond),
		Status:  codes.Ok,
	}
}

func spanNames(req *coltracepb.ExportTraceServiceRequest) []string {
	var names []string
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, s := range ss.GetSpans() {
				names = append(names, s.GetName())
			}
		}
	}
	return names
}

// fakeTransport records batches and lets tests script failures per call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	closed  bool
	export  func(ctx context.Context, call int) error
}

func (f *fakeTransport) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.export
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.batches = append(f.batches, spanNames(req))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) Batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeTransport) factory() TransportFactory {
	return func(context.Context, Config) (Transport, error) { return f, nil }
}

// newTestExporter starts an exporter on ft and shuts it down at cleanup.
func newTestExporter(t *testing.T, cfg Config, ft *fakeTransport, opts ...Option) *Exporter {
	t.Helper()
	opts = append([]Option{WithTransport(ft.factory())}, opts...)
	exp, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })
	return exp
}

// fakeCollector is an in-process OTLP trace service.
type fakeCollector struct {
	coltracepb.UnimplementedTraceServiceServer

	mu       sync.Mutex
	requests []*coltracepb.ExportTraceServiceRequest
	metadata []metadata.MD
	fail     func(call int) error
}

func (c *fakeCollector) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, _ := metadata.FromIncomingContext(ctx)
	c.metadata = append(c.metadata, md)
	if c.fail != nil {
		if err := c.fail(len(c.metadata)); err != nil {
			return nil, err
		}
	}
	c.requests = append(c.requests, req)
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func (c *fakeCollector) Requests() []*coltracepb.ExportTraceServiceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*coltracepb.ExportTraceServiceRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *fakeCollector) Metadata() []metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]metadata.MD, len(c.metadata))
	copy(out, c.metadata)
	return out
}

const bufSize = 1024 * 1024

// startCollector serves c over bufconn and returns a config and options
// that reach it.
func startCollector(t *testing.T, c *fakeCollector) (Config, Option) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(srv, c)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	cfg := Config{
		Endpoint: "passthrough:///bufnet",
		Insecure: true,
	}
	return cfg, WithDialOptions(grpc.WithContextDialer(dialer))
}
