// Package preflight owns the backend readiness gate.
//
// No polling is meaningful until the backend answers a ping, so the scheduler
// consults Ready() before every attempt. The service probes aggressively while
// the backend is unreachable and settles to a slow confirmation cadence once
// it is up.
package preflight

import (
	"context"
	"sync/atomic"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/eventbus"
	"distmon/internal/obs"
	logx "distmon/pkg/logx"
)

type Config struct {
	ProbeInterval  time.Duration // while unready, default 5s
	SteadyInterval time.Duration // once ready, default 60s
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.SteadyInterval <= 0 {
		c.SteadyInterval = 60 * time.Second
	}
	return c
}

type Service struct {
	cfg Config
	inv bridge.Invoker
	bus eventbus.Bus
	log logx.Logger

	ready   atomic.Bool
	checked atomic.Bool // true after the first probe completed
}

func New(cfg Config, inv bridge.Invoker, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		inv: inv,
		bus: bus,
		log: log.With(logx.String("comp", "preflight")),
	}
}

// Ready is the synchronous snapshot read consumed by the scheduler.
func (s *Service) Ready() bool { return s.ready.Load() }

// Checked reports whether at least one probe has completed.
func (s *Service) Checked() bool { return s.checked.Load() }

// Check probes the backend once and records the transition.
func (s *Service) Check(ctx context.Context) bool {
	var out struct {
		OK bool `json:"ok"`
	}
	err := s.inv.Invoke(ctx, "system.ping", nil, &out)
	ok := err == nil && out.OK

	was := s.ready.Swap(ok)
	first := !s.checked.Swap(true)
	if ok {
		obs.BackendReady.Set(1)
	} else {
		obs.BackendReady.Set(0)
	}

	if ok && (!was || first) {
		s.log.Info("backend ready")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "backend.ready"})
		}
	}
	if !ok && (was || first) {
		s.log.Warn("backend not ready", logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "backend.lost"})
		}
	}
	return ok
}

// Run probes until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		ok := s.Check(ctx)

		wait := s.cfg.ProbeInterval
		if ok {
			wait = s.cfg.SteadyInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
