package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}

// LocationOrLocal resolves an IANA zone name. Empty and "Local" mean the host zone.
func LocationOrLocal(name string) (*time.Location, error) {
	candidate := strings.TrimSpace(name)
	if candidate == "" || strings.EqualFold(candidate, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(candidate)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", candidate, err)
	}
	return loc, nil
}
