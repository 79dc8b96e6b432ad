// Workload file types, loading and validation
// Services map to operations with durations, levels, error rates and calls
package workload

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/andrewh/actiontrace/pkg/actions"
	"gopkg.in/yaml.v3"
)

// Call styles.
const (
	CallStyleParallel   = "parallel"
	CallStyleSequential = "sequential"
)

// Config is a parsed workload file.
type Config struct {
	Services []ServiceConfig `yaml:"-"`
	Traffic  TrafficConfig   `yaml:"traffic"`
}

type rawConfig struct {
	Services map[string]rawServiceConfig `yaml:"services"`
	Traffic  TrafficConfig               `yaml:"traffic"`
}

type rawServiceConfig struct {
	Attributes map[string]string             `yaml:"attributes,omitempty"`
	Operations map[string]rawOperationConfig `yaml:"operations"`
}

type rawOperationConfig struct {
	Duration   string                          `yaml:"duration"`
	ErrorRate  string                          `yaml:"error_rate,omitempty"`
	Level      string                          `yaml:"level,omitempty"`
	Kind       string                          `yaml:"kind,omitempty"`
	Attributes map[string]AttributeValueConfig `yaml:"attributes,omitempty"`
	Calls      []string                        `yaml:"calls,omitempty"`
	CallStyle  string                          `yaml:"call_style,omitempty"`
}

// ServiceConfig describes one service.
type ServiceConfig struct {
	Name       string
	Attributes map[string]string
	Operations []OperationConfig
}

// OperationConfig describes one operation of a service.
type OperationConfig struct {
	Name       string
	Duration   string
	ErrorRate  string
	Level      string
	Kind       string
	Attributes map[string]AttributeValueConfig
	Calls      []string
	CallStyle  string
}

// TrafficConfig sets how often root operations start.
type TrafficConfig struct {
	Rate string `yaml:"rate"`
}

// LoadConfig reads and parses a workload file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied workload path is expected
	if err != nil {
		return nil, fmt.Errorf("reading workload: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses workload YAML. Services and operations are sorted by
// name so topologies are deterministic.
func ParseConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workload: %w", err)
	}

	cfg := &Config{Traffic: raw.Traffic}
	for _, name := range sortedKeys(raw.Services) {
		rawSvc := raw.Services[name]
		svc := ServiceConfig{Name: name, Attributes: rawSvc.Attributes}
		for _, opName := range sortedKeys(rawSvc.Operations) {
			rawOp := rawSvc.Operations[opName]
			svc.Operations = append(svc.Operations, OperationConfig{
				Name:       opName,
				Duration:   rawOp.Duration,
				ErrorRate:  rawOp.ErrorRate,
				Level:      rawOp.Level,
				Kind:       rawOp.Kind,
				Attributes: rawOp.Attributes,
				Calls:      rawOp.Calls,
				CallStyle:  rawOp.CallStyle,
			})
		}
		cfg.Services = append(cfg.Services, svc)
	}
	return cfg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ValidateConfig checks a workload for structural errors. Cycles are found
// by BuildTopology.
func ValidateConfig(cfg *Config) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	knownOps := make(map[string]bool)
	for _, svc := range cfg.Services {
		if len(svc.Operations) == 0 {
			return fmt.Errorf("service %q must have at least one operation", svc.Name)
		}
		for _, op := range svc.Operations {
			knownOps[svc.Name+"."+op.Name] = true
		}
	}

	for _, svc := range cfg.Services {
		for _, op := range svc.Operations {
			if err := validateOperation(op, knownOps); err != nil {
				return fmt.Errorf("service %q operation %q: %w", svc.Name, op.Name, err)
			}
		}
	}

	if _, err := ParseRate(cfg.Traffic.Rate); err != nil {
		return fmt.Errorf("invalid traffic rate: %w", err)
	}
	return nil
}

func validateOperation(op OperationConfig, knownOps map[string]bool) error {
	if _, err := ParseDistribution(op.Duration); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if op.ErrorRate != "" {
		if _, err := parseErrorRate(op.ErrorRate); err != nil {
			return fmt.Errorf("invalid error_rate: %w", err)
		}
	}
	if op.Level != "" {
		if _, err := actions.ParseLevel(op.Level); err != nil {
			return fmt.Errorf("invalid level: %w", err)
		}
	}
	if _, err := parseKind(op.Kind); err != nil {
		return err
	}
	switch op.CallStyle {
	case "", CallStyleParallel, CallStyleSequential:
	default:
		return fmt.Errorf("unknown call_style %q, supported: %s, %s", op.CallStyle, CallStyleParallel, CallStyleSequential)
	}
	for name, acfg := range op.Attributes {
		if _, err := NewAttributeGenerator(acfg); err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
	}
	for _, call := range op.Calls {
		if !strings.Contains(call, ".") {
			return fmt.Errorf("call %q must be in service.operation format", call)
		}
		if !knownOps[call] {
			return fmt.Errorf("call %q references unknown operation", call)
		}
	}
	return nil
}

// parseErrorRate parses "0.1%", "15%" or a fraction such as "0.05".
func parseErrorRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid error_rate %q: %w", pct, err)
		}
		if v < 0 || v > 100 {
			return 0, fmt.Errorf("error_rate must be between 0%% and 100%%")
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid error_rate %q: %w", s, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("error_rate without %% must be between 0.0 and 1.0")
	}
	return v, nil
}
