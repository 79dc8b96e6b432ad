// Tests for topology construction: reference resolution, roots and cycles
package workload

import (
	"testing"

	"github.com/andrewh/actiontrace/pkg/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestBuildTopology(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(checkoutYAML))
	require.NoError(t, err)
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)

	require.Len(t, topo.Services, 3)
	require.Len(t, topo.Roots, 1)
	root := topo.Roots[0]
	assert.Equal(t, "gateway.GET /cart", root.Ref)
	assert.True(t, root.IsRoot())
	assert.Equal(t, trace.SpanKindServer, root.Kind)
	assert.InDelta(t, 0.01, root.ErrorRate, 1e-9)
	assert.Equal(t, actions.LevelInfo, root.Level)
	require.Len(t, root.Calls, 2)
	assert.Equal(t, "cart.load", root.Calls[0].Ref)
	assert.Equal(t, "pricing.quote", root.Calls[1].Ref)
	assert.Len(t, root.Attributes, 2)

	load := topo.Services["cart"].Operations["load"]
	assert.False(t, load.IsRoot())
	assert.Equal(t, actions.LevelDebug, load.Level)
	assert.Equal(t, trace.SpanKindUnspecified, load.Kind)
}

func TestBuildTopologyRoots(t *testing.T) {
	t.Parallel()

	cfg := &Config{Services: []ServiceConfig{
		{Name: "b", Operations: []OperationConfig{{Name: "work", Duration: "1ms"}}},
		{Name: "a", Operations: []OperationConfig{
			{Name: "z", Duration: "1ms"},
			{Name: "entry", Duration: "1ms", Calls: []string{"b.work"}},
		}},
	}}
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)

	refs := make([]string, len(topo.Roots))
	for i, r := range topo.Roots {
		refs[i] = r.Ref
	}
	assert.Equal(t, []string{"a.entry", "a.z"}, refs)
}

func TestBuildTopologyDottedOperationName(t *testing.T) {
	t.Parallel()

	cfg := &Config{Services: []ServiceConfig{
		{Name: "api", Operations: []OperationConfig{{Name: "get", Duration: "1ms", Calls: []string{"db.users.select"}}}},
		{Name: "db", Operations: []OperationConfig{{Name: "users.select", Duration: "1ms"}}},
	}}
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)
	assert.Equal(t, "users.select", topo.Services["api"].Operations["get"].Calls[0].Name)
}

func TestBuildTopologyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "cycle",
			cfg: &Config{Services: []ServiceConfig{
				{Name: "a", Operations: []OperationConfig{{Name: "x", Duration: "1ms", Calls: []string{"b.y"}}}},
				{Name: "b", Operations: []OperationConfig{{Name: "y", Duration: "1ms", Calls: []string{"a.x"}}}},
			}},
			wantErr: "cycle detected",
		},
		{
			name: "self call",
			cfg: &Config{Services: []ServiceConfig{
				{Name: "a", Operations: []OperationConfig{{Name: "x", Duration: "1ms", Calls: []string{"a.x"}}}},
			}},
			wantErr: "cycle detected involving a.x",
		},
		{
			name: "missing service",
			cfg: &Config{Services: []ServiceConfig{
				{Name: "a", Operations: []OperationConfig{{Name: "x", Duration: "1ms", Calls: []string{"c.y"}}}},
			}},
			wantErr: `service "c" not found`,
		},
		{
			name: "missing operation",
			cfg: &Config{Services: []ServiceConfig{
				{Name: "a", Operations: []OperationConfig{{Name: "x", Duration: "1ms", Calls: []string{"a.y"}}}},
			}},
			wantErr: `operation "y" not found`,
		},
		{
			name: "bad duration",
			cfg: &Config{Services: []ServiceConfig{
				{Name: "a", Operations: []OperationConfig{{Name: "x", Duration: "later"}}},
			}},
			wantErr: "invalid mean duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildTopology(tt.cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
