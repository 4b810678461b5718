package store

import (
	"context"
	"sync"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/eventbus"
	logx "distmon/pkg/logx"
)

// MountStore tracks attached virtual disks.
//
// Attach/Detach set the distro store's action flag for their duration, so
// every poll type stays gated while a disk operation runs, not just the
// distro list.
type MountStore struct {
	inv     bridge.Invoker
	bus     eventbus.Bus
	log     logx.Logger
	actions *DistroStore

	mu      sync.RWMutex
	mounts  []Mount
	loading bool
	lastErr error
	updated time.Time
}

func NewMountStore(inv bridge.Invoker, bus eventbus.Bus, actions *DistroStore, log logx.Logger) *MountStore {
	return &MountStore{
		inv:     inv,
		bus:     bus,
		actions: actions,
		log:     log.With(logx.String("store", "mount")),
	}
}

func (s *MountStore) Fetch(ctx context.Context, silent bool) error {
	if !silent {
		s.mu.Lock()
		s.loading = true
		s.mu.Unlock()
	}

	var out []Mount
	err := s.inv.Invoke(ctx, "mount.list", nil, &out)

	s.mu.Lock()
	if !silent {
		s.loading = false
	}
	s.lastErr = err
	if err == nil {
		s.mounts = out
		s.updated = time.Now()
	}
	s.mu.Unlock()
	return err
}

func (s *MountStore) Mounts() []Mount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mount, len(s.mounts))
	copy(out, s.mounts)
	return out
}

func (s *MountStore) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Attach mounts a virtual disk into a distribution.
func (s *MountStore) Attach(ctx context.Context, m Mount) error {
	params := map[string]any{
		"Distro":   m.Distro,
		"Source":   m.Source,
		"Target":   m.Target,
		"ReadOnly": m.ReadOnly,
	}
	return s.runAction(ctx, "mount.attach", "attaching "+m.Source, m.Distro+":"+m.Target, params)
}

// Detach unmounts a virtual disk.
func (s *MountStore) Detach(ctx context.Context, distro, target string) error {
	params := map[string]any{"Distro": distro, "Target": target}
	return s.runAction(ctx, "mount.detach", "detaching "+target, distro+":"+target, params)
}

func (s *MountStore) runAction(ctx context.Context, op, desc, target string, params any) error {
	if err := s.actions.BeginAction(desc); err != nil {
		return err
	}
	defer s.actions.EndAction()

	started := time.Now()
	err := s.inv.Invoke(ctx, op, params, nil)
	if s.bus != nil {
		ev := ActionEvent{Action: op, Target: target, OK: err == nil, Took: time.Since(started)}
		if err != nil {
			ev.Error = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: "action.audit", Data: ev})
	}
	if err != nil {
		s.log.Warn("mount action failed", logx.String("op", op), logx.String("target", target), logx.Err(err))
		return err
	}

	_ = s.Fetch(ctx, true)
	return nil
}
