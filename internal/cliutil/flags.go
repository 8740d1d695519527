// Package cliutil collects the small flag-resolution helpers shared by the
// agent's cmd/ entry points, which each need the same
// env-var-then-flag-then-default precedence.
package cliutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FirstNonEmpty returns the first non-blank string, trimming whitespace.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ResolveBool parses envVal/flagVal with flagVal taking precedence when it
// was explicitly set (flagSet), falling back to envVal, then def.
func ResolveBool(envVal string, flagVal bool, flagSet bool, def bool) bool {
	if flagSet {
		return flagVal
	}
	if trimmed := strings.TrimSpace(envVal); trimmed != "" {
		if parsed, err := strconv.ParseBool(trimmed); err == nil {
			return parsed
		}
	}
	return def
}

// ResolveDuration parses a duration string, returning def if it is blank or
// malformed.
func ResolveDuration(raw string, def time.Duration) time.Duration {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return def
	}
	return parsed
}

// ResolveInt parses an integer string, returning def if it is blank or
// malformed.
func ResolveInt(raw string, def int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return def
	}
	return parsed
}

// EnvOrDefault returns the trimmed value of the named environment variable,
// or fallback when unset or blank.
func EnvOrDefault(key, fallback string) string {
	return FirstNonEmpty(os.Getenv(key), fallback)
}
