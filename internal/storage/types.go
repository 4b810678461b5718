package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PollRecord is one executed poll attempt.
// Keep it compact and schema-stable.
type PollRecord struct {
	At                  time.Time
	Type                string
	Result              string // "ok" | "timeout" | "error"
	Error               string
	TookMS              int64
	ConsecutiveTimeouts int
	IntervalMS          int64
}

// AuditEntry records a user-initiated backend operation.
type AuditEntry struct {
	At     time.Time
	Action string
	Target string
	OK     int
	Error  string
	TookMS int64
}
