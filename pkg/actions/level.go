// Span severity levels and the minimum-level filter applied at span creation
// Levels order from most to least verbose; LevelOff disables tracking entirely
package actions

import (
	"fmt"
	"strings"
)

// Level is the severity attached to a span or event.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

var levelNames = [...]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelOff:   "off",
}

// ParseLevel parses a level name such as "info" or "WARN".
// "warning" is accepted as an alias for warn, "none" for off.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "none":
		return LevelOff, nil
	default:
		return LevelOff, fmt.Errorf("unknown level %q, supported: trace, debug, info, warn, error, off", s)
	}
}

// String returns the lower-case level name.
func (l Level) String() string {
	if l < LevelTrace || l > LevelOff {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// Allows reports whether a span at level v passes a filter configured at l.
func (l Level) Allows(v Level) bool {
	return l != LevelOff && v >= l && v < LevelOff
}

// UnmarshalText lets levels be decoded from YAML and flag values.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText encodes the level as its name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
