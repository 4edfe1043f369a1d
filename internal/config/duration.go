package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration string from the config, treating an
// empty value as zero so callers can fall back to their defaults.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", path, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: negative duration %q", path, raw)
	}
	return d, nil
}
