// Structural analysis of workload topologies
// Computes worst-case depth, fan-out, and span count so explosions are caught before a run
package workload

import (
	"maps"
	"math"
	"slices"
)

// maxSpansCap prevents overflow in worst-case span multiplication.
const maxSpansCap = math.MaxInt32

// Shape summarises the worst case a topology can produce.
type Shape struct {
	MaxDepth  int
	DepthPath []string
	MaxFanOut int
	FanOutRef string
	MaxSpans  int
	SpansRoot string
}

// Analyze computes the topology shape. BuildTopology guarantees the graph is
// acyclic, so per-operation results are memoised.
func Analyze(topo *Topology) Shape {
	var s Shape
	s.MaxDepth, s.DepthPath = maxDepth(topo)
	s.MaxFanOut, s.FanOutRef = maxFanOut(topo)
	s.MaxSpans, s.SpansRoot = maxSpans(topo)
	return s
}

// maxDepth returns the longest root to leaf path as an edge count and the
// operation refs along it.
func maxDepth(topo *Topology) (int, []string) {
	type result struct {
		depth int
		path  []string
	}
	memo := make(map[*Operation]result)

	var dfs func(op *Operation) result
	dfs = func(op *Operation) result {
		if r, ok := memo[op]; ok {
			return r
		}
		best := result{path: []string{op.Ref}}
		for _, call := range op.Calls {
			child := dfs(call)
			if child.depth+1 > best.depth {
				best.depth = child.depth + 1
				best.path = append([]string{op.Ref}, child.path...)
			}
		}
		memo[op] = best
		return best
	}

	var worst result
	for _, root := range topo.Roots {
		if r := dfs(root); r.depth > worst.depth || worst.path == nil {
			worst = r
		}
	}
	return worst.depth, worst.path
}

// maxFanOut returns the most direct children any operation opens. Ties go
// to the first operation in service then operation name order.
func maxFanOut(topo *Topology) (int, string) {
	fan, ref := 0, ""
	for _, name := range slices.Sorted(maps.Keys(topo.Services)) {
		svc := topo.Services[name]
		for _, opName := range slices.Sorted(maps.Keys(svc.Operations)) {
			if op := svc.Operations[opName]; len(op.Calls) > fan {
				fan, ref = len(op.Calls), op.Ref
			}
		}
	}
	return fan, ref
}

// maxSpans returns the largest span count any root can produce and that root.
func maxSpans(topo *Topology) (int, string) {
	memo := make(map[*Operation]int)

	var dfs func(op *Operation) int
	dfs = func(op *Operation) int {
		if v, ok := memo[op]; ok {
			return v
		}
		total := 1
		for _, call := range op.Calls {
			child := dfs(call)
			if child > maxSpansCap-total {
				total = maxSpansCap
				break
			}
			total += child
		}
		memo[op] = total
		return total
	}

	worst, root := 0, ""
	for _, r := range topo.Roots {
		if n := dfs(r); n > worst {
			worst, root = n, r.Ref
		}
	}
	return worst, root
}
