// Duration distributions for synthetic operations
// Parses "30ms +/- 10ms" and samples a normal distribution clamped at zero
package workload

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Distribution is a mean duration with optional standard deviation.
type Distribution struct {
	Mean   time.Duration
	StdDev time.Duration
}

// ParseDistribution parses "30ms +/- 10ms", "30ms ± 10ms" or a fixed "50ms".
func ParseDistribution(s string) (Distribution, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Distribution{}, fmt.Errorf("duration is required (e.g. '50ms', '1s +/- 200ms')")
	}

	meanStr, stddevStr, ok := strings.Cut(s, "+/-")
	if !ok {
		meanStr, stddevStr, ok = strings.Cut(s, "±")
	}

	mean, err := time.ParseDuration(strings.TrimSpace(meanStr))
	if err != nil {
		return Distribution{}, fmt.Errorf("invalid mean duration: %w", err)
	}
	if mean <= 0 {
		return Distribution{}, fmt.Errorf("mean duration must be positive")
	}
	if !ok {
		return Distribution{Mean: mean}, nil
	}

	stddev, err := time.ParseDuration(strings.TrimSpace(stddevStr))
	if err != nil {
		return Distribution{}, fmt.Errorf("invalid stddev duration: %w", err)
	}
	if stddev < 0 {
		return Distribution{}, fmt.Errorf("stddev must not be negative")
	}
	return Distribution{Mean: mean, StdDev: stddev}, nil
}

// Sample draws a duration, never negative.
func (d Distribution) Sample(rng *rand.Rand) time.Duration {
	if d.StdDev == 0 {
		return d.Mean
	}
	sample := float64(d.Mean) + rng.NormFloat64()*float64(d.StdDev)
	return time.Duration(max(sample, 0))
}

// String returns the distribution in DSL form.
func (d Distribution) String() string {
	if d.StdDev == 0 {
		return d.Mean.String()
	}
	return fmt.Sprintf("%s +/- %s", d.Mean, d.StdDev)
}
