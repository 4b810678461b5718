// Package notify pushes backoff and readiness advisories to an external
// channel. Send-only: nothing in the daemon reacts to inbound messages.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"distmon/internal/eventbus"
	"distmon/internal/poll"
	logx "distmon/pkg/logx"
)

// Sender delivers one advisory text. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the advisory pipeline.
type Config struct {
	Enabled bool
	// MinTimeouts is the streak length at which a backoff advisory fires.
	// One advisory per streak; recovery sends a follow-up.
	MinTimeouts int
	// RatePerMin caps outbound messages. Excess advisories are dropped,
	// never queued.
	RatePerMin int
}

func (c Config) withDefaults() Config {
	if c.MinTimeouts <= 0 {
		c.MinTimeouts = 3
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
	return c
}

// Service watches the event bus and forwards advisories through the Sender.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	// advised marks types whose current streak already produced an advisory,
	// so a streak nags once and recovery only follows an advisory.
	advised map[poll.Type]bool
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notify")),
		bus:     bus,
		sender:  sender,
		advised: map[poll.Type]bool{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps config at runtime (hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst 2 so a backoff advisory and a near-simultaneous
	// readiness transition both get through.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 2)
}

// Run consumes bus events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil || s.sender == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case "backoff.engaged":
		ev, ok := e.Data.(poll.BackoffEvent)
		if !ok {
			return
		}
		s.mu.Lock()
		min := s.cfg.MinTimeouts
		already := s.advised[ev.Type]
		fire := !already && ev.ConsecutiveTimeouts >= min
		if fire {
			s.advised[ev.Type] = true
		}
		s.mu.Unlock()
		if fire {
			s.send(ctx, fmt.Sprintf("backend slow: %s polling backed off to %s after %d timeouts",
				ev.Type, shortDur(ev.Interval), ev.ConsecutiveTimeouts))
		}

	case "backoff.cleared":
		ev, ok := e.Data.(poll.BackoffEvent)
		if !ok {
			return
		}
		s.mu.Lock()
		advised := s.advised[ev.Type]
		delete(s.advised, ev.Type)
		s.mu.Unlock()
		if advised {
			s.send(ctx, fmt.Sprintf("backend recovered: %s polling back to %s",
				ev.Type, shortDur(ev.Interval)))
		}

	case "backend.lost":
		s.send(ctx, "backend unreachable, polling gated")
	case "backend.ready":
		s.send(ctx, "backend ready")
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	lim := s.limiter
	s.mu.Unlock()
	if !enabled {
		return
	}
	if !lim.Allow() {
		s.log.Debug("advisory dropped (rate limit)", logx.String("text", text))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.sender.Send(sctx, text); err != nil {
		s.log.Warn("advisory send failed", logx.Err(err))
		return
	}
	s.log.Debug("advisory sent", logx.String("text", text))
}

func shortDur(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return d.String()
}
