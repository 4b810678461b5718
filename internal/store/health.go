package store

import (
	"context"
	"sync"
	"time"

	"distmon/internal/bridge"
	logx "distmon/pkg/logx"
)

// HealthStore caches the backend's last health report.
type HealthStore struct {
	inv bridge.Invoker
	log logx.Logger

	mu      sync.RWMutex
	report  HealthReport
	haveAny bool
	loading bool
	lastErr error
	updated time.Time
}

func NewHealthStore(inv bridge.Invoker, log logx.Logger) *HealthStore {
	return &HealthStore{inv: inv, log: log.With(logx.String("store", "health"))}
}

func (s *HealthStore) Fetch(ctx context.Context, silent bool) error {
	if !silent {
		s.mu.Lock()
		s.loading = true
		s.mu.Unlock()
	}

	var out HealthReport
	err := s.inv.Invoke(ctx, "health.get", nil, &out)

	s.mu.Lock()
	if !silent {
		s.loading = false
	}
	s.lastErr = err
	if err == nil {
		s.report = out
		s.haveAny = true
		s.updated = time.Now()
	}
	s.mu.Unlock()
	return err
}

// Report returns the last health report; ok is false before the first
// successful fetch.
func (s *HealthStore) Report() (HealthReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report, s.haveAny
}

func (s *HealthStore) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *HealthStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
