package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/eventbus"
	logx "distmon/pkg/logx"
)

// DistroStore owns the distribution list and the cross-cutting
// action-in-progress flag that gates all polling while a user-initiated
// backend operation runs.
type DistroStore struct {
	inv bridge.Invoker
	bus eventbus.Bus
	log logx.Logger

	mu      sync.RWMutex
	distros []Distro
	loading bool
	lastErr error
	updated time.Time
	action  string // empty when no action is running
}

func NewDistroStore(inv bridge.Invoker, bus eventbus.Bus, log logx.Logger) *DistroStore {
	return &DistroStore{inv: inv, bus: bus, log: log.With(logx.String("store", "distro"))}
}

// Fetch refreshes the distribution list from the backend.
// Silent fetches never toggle the loading flag.
func (s *DistroStore) Fetch(ctx context.Context, silent bool) error {
	if !silent {
		s.mu.Lock()
		s.loading = true
		s.mu.Unlock()
	}

	var out []Distro
	err := s.inv.Invoke(ctx, "distro.list", nil, &out)

	s.mu.Lock()
	if !silent {
		s.loading = false
	}
	s.lastErr = err
	if err == nil {
		s.distros = out
		s.updated = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("distro list fetch failed", logx.Err(err))
	}
	return err
}

func (s *DistroStore) Distros() []Distro {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Distro, len(s.distros))
	copy(out, s.distros)
	return out
}

func (s *DistroStore) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *DistroStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *DistroStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// AnyRunning reports whether at least one distribution is in the Running state.
func (s *DistroStore) AnyRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.distros {
		if d.State == StateRunning {
			return true
		}
	}
	return false
}

// ActionInProgress returns the description of the currently running
// user-initiated operation, or "" if none.
func (s *DistroStore) ActionInProgress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.action
}

// BeginAction marks a long-running operation. It fails if another action is
// already in flight so concurrent control requests cannot interleave backend
// mutations.
func (s *DistroStore) BeginAction(desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action != "" {
		return fmt.Errorf("another action is in progress: %s", s.action)
	}
	s.action = desc
	return nil
}

func (s *DistroStore) EndAction() {
	s.mu.Lock()
	s.action = ""
	s.mu.Unlock()
}

// Start launches a distribution. The action flag is held for the duration.
func (s *DistroStore) Start(ctx context.Context, name string) error {
	return s.runAction(ctx, "distro.start", "starting "+name, name)
}

// Stop terminates a distribution. The action flag is held for the duration.
func (s *DistroStore) Stop(ctx context.Context, name string) error {
	return s.runAction(ctx, "distro.stop", "stopping "+name, name)
}

func (s *DistroStore) runAction(ctx context.Context, op, desc, name string) error {
	if err := s.BeginAction(desc); err != nil {
		return err
	}
	defer s.EndAction()

	started := time.Now()
	err := s.inv.Invoke(ctx, op, map[string]string{"Name": name}, nil)
	s.publishAudit(op, name, started, err)
	if err != nil {
		s.log.Warn("distro action failed", logx.String("op", op), logx.String("name", name), logx.Err(err))
		return err
	}

	// Refresh the list so state changes show up without waiting a poll cycle.
	_ = s.Fetch(ctx, true)
	return nil
}

func (s *DistroStore) publishAudit(action, target string, started time.Time, err error) {
	if s.bus == nil {
		return
	}
	ev := ActionEvent{Action: action, Target: target, OK: err == nil, Took: time.Since(started)}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: "action.audit", Data: ev})
}
