// Package util provides phone and name normalization plus environment parsing helpers
// shared across components.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// GetEnvDefault returns the environment variable or defaultValue when unset or blank.
func GetEnvDefault(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}

// LoadLocation resolves an IANA time zone name, falling back to UTC on error.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("LoadLocation: unknown time zone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}
