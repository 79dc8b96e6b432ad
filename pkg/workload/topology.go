// Topology graph built from a validated workload
// Resolves call references, finds root operations and rejects cycles
package workload

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/trace"
)

// Topology is the resolved service graph.
type Topology struct {
	Services map[string]*Service
	Roots    []*Operation
}

// Service is a resolved service.
type Service struct {
	Name       string
	Operations map[string]*Operation
	Attributes map[string]string
}

// Operation is a resolved operation with pointers to the operations it calls.
type Operation struct {
	Service    *Service
	Name       string
	Ref        string
	Duration   Distribution
	ErrorRate  float64
	Level      actions.Level
	Kind       trace.SpanKind
	Attributes map[string]AttributeGenerator
	Calls      []*Operation
	CallStyle  string
	root       bool
}

// IsRoot reports whether no other operation calls op.
func (op *Operation) IsRoot() bool { return op.root }

// BuildTopology resolves cfg into a graph. cfg should have passed
// ValidateConfig.
func BuildTopology(cfg *Config) (*Topology, error) {
	topo := &Topology{Services: make(map[string]*Service, len(cfg.Services))}

	for _, svcCfg := range cfg.Services {
		svc := &Service{
			Name:       svcCfg.Name,
			Operations: make(map[string]*Operation, len(svcCfg.Operations)),
			Attributes: svcCfg.Attributes,
		}
		for _, opCfg := range svcCfg.Operations {
			op, err := buildOperation(svc, opCfg)
			if err != nil {
				return nil, fmt.Errorf("service %q operation %q: %w", svcCfg.Name, opCfg.Name, err)
			}
			svc.Operations[opCfg.Name] = op
		}
		topo.Services[svcCfg.Name] = svc
	}

	for _, svcCfg := range cfg.Services {
		for _, opCfg := range svcCfg.Operations {
			op := topo.Services[svcCfg.Name].Operations[opCfg.Name]
			for _, ref := range opCfg.Calls {
				target, err := resolveRef(topo, ref)
				if err != nil {
					return nil, fmt.Errorf("service %q operation %q: %w", svcCfg.Name, opCfg.Name, err)
				}
				op.Calls = append(op.Calls, target)
			}
		}
	}

	if err := detectCycles(topo); err != nil {
		return nil, err
	}
	topo.Roots = findRoots(topo)
	if len(topo.Roots) == 0 {
		return nil, fmt.Errorf("no root operations")
	}
	return topo, nil
}

func buildOperation(svc *Service, cfg OperationConfig) (*Operation, error) {
	dist, err := ParseDistribution(cfg.Duration)
	if err != nil {
		return nil, err
	}
	var errorRate float64
	if cfg.ErrorRate != "" {
		if errorRate, err = parseErrorRate(cfg.ErrorRate); err != nil {
			return nil, err
		}
	}
	level := actions.LevelInfo
	if cfg.Level != "" {
		if level, err = actions.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	kind, err := parseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	var attrs map[string]AttributeGenerator
	if len(cfg.Attributes) > 0 {
		attrs = make(map[string]AttributeGenerator, len(cfg.Attributes))
		for name, acfg := range cfg.Attributes {
			gen, err := NewAttributeGenerator(acfg)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", name, err)
			}
			attrs[name] = gen
		}
	}
	return &Operation{
		Service:    svc,
		Name:       cfg.Name,
		Ref:        svc.Name + "." + cfg.Name,
		Duration:   dist,
		ErrorRate:  errorRate,
		Level:      level,
		Kind:       kind,
		Attributes: attrs,
		CallStyle:  cfg.CallStyle,
	}, nil
}

func parseKind(s string) (trace.SpanKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return trace.SpanKindUnspecified, nil
	case "server":
		return trace.SpanKindServer, nil
	case "client":
		return trace.SpanKindClient, nil
	case "internal":
		return trace.SpanKindInternal, nil
	case "producer":
		return trace.SpanKindProducer, nil
	case "consumer":
		return trace.SpanKindConsumer, nil
	default:
		return trace.SpanKindUnspecified, fmt.Errorf("unknown kind %q, supported: server, client, internal, producer, consumer", s)
	}
}

// resolveRef splits on the first dot so operation names may contain dots.
func resolveRef(topo *Topology, ref string) (*Operation, error) {
	svcName, opName, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("reference %q must be in service.operation format", ref)
	}
	svc, ok := topo.Services[svcName]
	if !ok {
		return nil, fmt.Errorf("reference %q: service %q not found", ref, svcName)
	}
	op, ok := svc.Operations[opName]
	if !ok {
		return nil, fmt.Errorf("reference %q: operation %q not found in service %q", ref, opName, svcName)
	}
	return op, nil
}

func findRoots(topo *Topology) []*Operation {
	called := make(map[*Operation]bool)
	for _, svc := range topo.Services {
		for _, op := range svc.Operations {
			for _, c := range op.Calls {
				called[c] = true
			}
		}
	}

	var roots []*Operation
	for _, svc := range topo.Services {
		for _, op := range svc.Operations {
			if !called[op] {
				op.root = true
				roots = append(roots, op)
			}
		}
	}
	slices.SortFunc(roots, func(a, b *Operation) int {
		if c := cmp.Compare(a.Service.Name, b.Service.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return roots
}

func detectCycles(topo *Topology) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[*Operation]int)

	var visit func(op *Operation) error
	visit = func(op *Operation) error {
		switch state[op] {
		case visiting:
			return fmt.Errorf("cycle detected involving %s", op.Ref)
		case visited:
			return nil
		}
		state[op] = visiting
		for _, c := range op.Calls {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[op] = visited
		return nil
	}

	for _, svc := range topo.Services {
		for _, op := range svc.Operations {
			if state[op] == unvisited {
				if err := visit(op); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
