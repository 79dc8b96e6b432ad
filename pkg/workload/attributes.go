// Attribute value generators for synthetic spans
// Static values, weighted choices and numbered sequences
package workload

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// AttributeValueConfig is one attribute entry in a workload file.
// Exactly one field must be set.
type AttributeValueConfig struct {
	Value    any            `yaml:"value,omitempty"`
	Values   map[string]int `yaml:"values,omitempty"`
	Sequence string         `yaml:"sequence,omitempty"`
}

// AttributeGenerator produces values for one span attribute. Generators are
// shared across goroutines; rng belongs to the caller.
type AttributeGenerator interface {
	Generate(rng *rand.Rand) any
}

// StaticValue always returns Value.
type StaticValue struct {
	Value any
}

func (s *StaticValue) Generate(*rand.Rand) any { return s.Value }

// WeightedChoice picks a value with probability proportional to its weight.
type WeightedChoice struct {
	Choices      []any
	CumulWeights []int
	TotalWeight  int
}

func (w *WeightedChoice) Generate(rng *rand.Rand) any {
	r := rng.IntN(w.TotalWeight)
	i, _ := slices.BinarySearch(w.CumulWeights, r+1)
	return w.Choices[min(i, len(w.Choices)-1)]
}

// SequenceValue replaces {n} in Pattern with an increasing counter.
type SequenceValue struct {
	Pattern string
	counter atomic.Int64
}

func (s *SequenceValue) Generate(*rand.Rand) any {
	n := s.counter.Add(1)
	return strings.ReplaceAll(s.Pattern, "{n}", strconv.FormatInt(n, 10))
}

// NewAttributeGenerator builds the generator described by cfg.
func NewAttributeGenerator(cfg AttributeValueConfig) (AttributeGenerator, error) {
	set := 0
	if cfg.Value != nil {
		set++
	}
	if len(cfg.Values) > 0 {
		set++
	}
	if cfg.Sequence != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of value, values, or sequence must be set")
	}

	switch {
	case cfg.Value != nil:
		return &StaticValue{Value: cfg.Value}, nil
	case cfg.Sequence != "":
		return &SequenceValue{Pattern: cfg.Sequence}, nil
	default:
		return newWeightedChoice(cfg.Values)
	}
}

func newWeightedChoice(values map[string]int) (*WeightedChoice, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	w := &WeightedChoice{
		Choices:      make([]any, 0, len(keys)),
		CumulWeights: make([]int, 0, len(keys)),
	}
	for _, k := range keys {
		weight := values[k]
		if weight <= 0 {
			return nil, fmt.Errorf("weight for %q must be positive, got %d", k, weight)
		}
		w.TotalWeight += weight
		w.Choices = append(w.Choices, k)
		w.CumulWeights = append(w.CumulWeights, w.TotalWeight)
	}
	return w, nil
}

// typedAttribute maps a generated value onto the matching attribute type.
func typedAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
