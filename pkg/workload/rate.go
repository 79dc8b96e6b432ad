// Traffic rate parsing for workload files
// "10/s", "5/m" and "100/h" become a token-bucket limit
package workload

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxRateCount caps the count part of a rate string.
const MaxRateCount = 10000

// Rate is a number of traces per period.
type Rate struct {
	count  int
	period time.Duration
}

// ParseRate parses a rate such as "10/s".
func ParseRate(s string) (Rate, error) {
	if s == "" {
		return Rate{}, fmt.Errorf("rate cannot be empty")
	}
	countStr, unit, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(unit, "/") {
		return Rate{}, fmt.Errorf("invalid rate format (expected 'N/unit')")
	}

	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate count: %w", err)
	}
	if count <= 0 {
		return Rate{}, fmt.Errorf("rate count must be positive")
	}
	if count > MaxRateCount {
		return Rate{}, fmt.Errorf("rate count cannot exceed %d", MaxRateCount)
	}

	period, err := parseRatePeriod(strings.TrimSpace(unit))
	if err != nil {
		return Rate{}, err
	}
	return Rate{count: count, period: period}, nil
}

func parseRatePeriod(unit string) (time.Duration, error) {
	switch strings.ToLower(unit) {
	case "s", "sec", "second", "seconds":
		return time.Second, nil
	case "m", "min", "minute", "minutes":
		return time.Minute, nil
	case "h", "hour", "hours":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported rate unit '%s', supported units: s, m, h", unit)
	}
}

// Count returns the number of traces per period.
func (r Rate) Count() int { return r.count }

// Period returns the period.
func (r Rate) Period() time.Duration { return r.period }

// PerSecond returns the rate in traces per second.
func (r Rate) PerSecond() float64 {
	if r.period <= 0 {
		return 0
	}
	return float64(r.count) / r.period.Seconds()
}

// Limiter returns a limiter that admits traces at r with no burst.
func (r Rate) Limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(r.PerSecond()), 1)
}

// String returns the rate in DSL form.
func (r Rate) String() string {
	unit := "s"
	switch r.period {
	case time.Minute:
		unit = "m"
	case time.Hour:
		unit = "h"
	}
	return fmt.Sprintf("%d/%s", r.count, unit)
}
