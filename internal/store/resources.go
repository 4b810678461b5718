package store

import (
	"context"
	"sync"
	"time"

	"distmon/internal/bridge"
	logx "distmon/pkg/logx"
)

// ResourceStore caches the latest resource usage samples per distribution.
type ResourceStore struct {
	inv bridge.Invoker
	log logx.Logger

	mu      sync.RWMutex
	stats   map[string]ResourceStats
	loading bool
	lastErr error
	updated time.Time
}

func NewResourceStore(inv bridge.Invoker, log logx.Logger) *ResourceStore {
	return &ResourceStore{
		inv:   inv,
		log:   log.With(logx.String("store", "resources")),
		stats: map[string]ResourceStats{},
	}
}

func (s *ResourceStore) Fetch(ctx context.Context, silent bool) error {
	if !silent {
		s.mu.Lock()
		s.loading = true
		s.mu.Unlock()
	}

	var out []ResourceStats
	err := s.inv.Invoke(ctx, "stats.get", nil, &out)

	s.mu.Lock()
	if !silent {
		s.loading = false
	}
	s.lastErr = err
	if err == nil {
		m := make(map[string]ResourceStats, len(out))
		for _, st := range out {
			m[st.Distro] = st
		}
		s.stats = m
		s.updated = time.Now()
	}
	s.mu.Unlock()
	return err
}

// ClearStats drops all cached samples. The scheduler calls this instead of
// fetching when nothing is running, so the UI never shows stale numbers.
func (s *ResourceStore) ClearStats() {
	s.mu.Lock()
	if len(s.stats) > 0 {
		s.stats = map[string]ResourceStats{}
		s.updated = time.Now()
	}
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *ResourceStore) Stats() []ResourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	return out
}

func (s *ResourceStore) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *ResourceStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
