package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields travel as Go duration strings ("500ms", "10s") so the
// config file stays readable. Two resolution modes exist: OptionalDuration
// treats an unset field as zero and lets the caller decide, ResolveDuration
// substitutes a built-in default. Poll intervals additionally pass the
// ordering check below before they reach the scheduler.

// OptionalDuration parses one duration-string field. Empty means unset and
// yields zero; negative values are rejected with the field path in the error.
func OptionalDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ResolveDuration parses one duration-string field, substituting def when the
// field is unset or explicitly zero.
func ResolveDuration(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := OptionalDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// checkIntervalOrder enforces min <= interval <= max on one poll type's
// resolved triple. A zero field means its built-in default applies later and
// is exempt from the ordering here.
func checkIntervalOrder(path string, def, min, max time.Duration) error {
	if min > 0 && max > 0 && min > max {
		return fmt.Errorf("%s: min_interval %v exceeds max_interval %v", path, min, max)
	}
	if def > 0 && max > 0 && def > max {
		return fmt.Errorf("%s: interval %v exceeds max_interval %v", path, def, max)
	}
	if def > 0 && min > 0 && def < min {
		return fmt.Errorf("%s: interval %v below min_interval %v", path, def, min)
	}
	return nil
}
