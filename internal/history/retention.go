package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"distmon/internal/storage"
	logx "distmon/pkg/logx"
)

// RetentionConfig controls the periodic poll-history prune.
type RetentionConfig struct {
	// Schedule is a cron spec (5-field, or 6-field with seconds).
	Schedule string
	// MaxAge is how long poll records are kept.
	MaxAge time.Duration
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@daily"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Retention runs PrunePolls on a cron schedule. Audit entries are kept
// forever; only poll records age out.
type Retention struct {
	log logx.Logger
	st  storage.Store
	cfg RetentionConfig

	mu sync.Mutex
	c  *cron.Cron
}

func NewRetention(cfg RetentionConfig, st storage.Store, log logx.Logger) *Retention {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retention{
		log: log.With(logx.String("comp", "retention")),
		st:  st,
		cfg: cfg.withDefaults(),
	}
}

// Start registers the prune job. No-op when storage is disabled.
func (j *Retention) Start() error {
	if j.st == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}

	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.cfg.Schedule, j.runOnce); err != nil {
		return err
	}
	c.Start()
	j.c = c
	j.log.Info("retention scheduled",
		logx.String("spec", j.cfg.Schedule), logx.Duration("max_age", j.cfg.MaxAge))
	return nil
}

// Stop halts the cron loop, waiting for an in-flight prune up to ctx.
func (j *Retention) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Retention) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.cfg.MaxAge)
	n, err := j.st.PrunePolls(ctx, cutoff)
	if err != nil {
		j.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("poll history pruned", logx.Int("dropped", n), logx.Time("cutoff", cutoff))
	}
}
