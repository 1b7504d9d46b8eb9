package runtime

import (
	"strconv"
	"strings"
	"time"
)

// Conservative fallbacks for malformed catalog resource strings. A bad unit
// string must never fail a deploy.
const (
	defaultCPUs        = 1.0
	defaultMemoryBytes = 512 * 1024 * 1024
	defaultInterval    = 30 * time.Second
)

// ParseCPUs converts a human-readable CPU count ("2", "0.5") to a float.
func ParseCPUs(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultCPUs
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return defaultCPUs
	}
	return v
}

// ParseMemoryBytes converts a human-readable size ("4G", "512M", "1024K",
// "256MB") to bytes.
func ParseMemoryBytes(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultMemoryBytes
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"), strings.HasSuffix(s, "G"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "GB"), "G")
	case strings.HasSuffix(s, "MB"), strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "MB"), "M")
	case strings.HasSuffix(s, "KB"), strings.HasSuffix(s, "K"):
		mult = 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "KB"), "K")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return defaultMemoryBytes
	}
	return int64(v * float64(mult))
}

// ParseInterval converts a duration string ("30s", "1m") with fallback.
func ParseInterval(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultInterval
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return defaultInterval
	}
	return v
}
