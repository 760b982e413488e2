// Package env reads typed values from the process environment, falling back
// to a default when a variable is unset or cannot be parsed.
package env

import (
	"os"
	"strconv"
	"strings"
)

// Bool reports whether env is set to "true" (case-insensitive).
func Bool(env string, defaultValue bool) bool {
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func Int(env string, defaultValue int) int {
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	num, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue
	}
	return num
}

func Float64(env string, defaultValue float64) float64 {
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultValue
	}
	return num
}

func String(env string, defaultValue string) string {
	v, ok := os.LookupEnv(env)
	if !ok || v == "" {
		return defaultValue
	}
	return v
}
