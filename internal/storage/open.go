package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "distmon/pkg/logx"
)

// Store is the minimal persistence API used by the history recorder and the
// retention job.
type Store interface {
	AppendPoll(ctx context.Context, r PollRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PrunePolls drops poll records older than the cutoff and returns how
	// many were removed. Audit entries are never pruned.
	PrunePolls(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
