package poll

import (
	"context"
	"sync"
	"time"

	"distmon/internal/eventbus"
	"distmon/internal/obs"
	logx "distmon/pkg/logx"
)

// Scheduler owns one timer chain per poll type. All timer creation and
// cancellation happens here; nothing else in the process arms poll timers.
type Scheduler struct {
	log  logx.Logger
	bus  eventbus.Bus
	gate Gate
	src  Sources

	mu            sync.Mutex
	running       bool
	paused        bool
	globalEnabled bool
	ctx           context.Context
	cfgs          map[Type]Config
	states        map[Type]*State
	timers        map[Type]*time.Timer

	// inflight serializes attempts per type. Acquired with TryLock only:
	// an attempt that finds the lock held is skipped, never queued.
	inflight map[Type]*sync.Mutex
}

func New(cfgs map[Type]Config, gate Gate, src Sources, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:           log.With(logx.String("comp", "poll")),
		bus:           bus,
		gate:          gate,
		src:           src,
		globalEnabled: true,
		cfgs:          make(map[Type]Config, len(Types)),
		states:        make(map[Type]*State, len(Types)),
		timers:        make(map[Type]*time.Timer, len(Types)),
		inflight:      make(map[Type]*sync.Mutex, len(Types)),
	}
	for _, tp := range Types {
		cfg := cfgs[tp].withDefaults()
		s.cfgs[tp] = cfg
		s.states[tp] = &State{CurrentInterval: cfg.Default}
		s.inflight[tp] = &sync.Mutex{}
	}
	return s
}

// Start arms each enabled type with its stagger offset. Idempotent: a second
// Start while running is a no-op and does not double the timer chains.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.paused = false
	s.ctx = ctx
	s.armStaggeredLocked()
	s.log.Info("polling started")
}

// Stop cancels all pending timers. An in-flight attempt completes and
// records its outcome but does not re-arm.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancelTimersLocked()
	s.running = false
	s.paused = false
	s.log.Info("polling stopped")
}

// Pause suspends all polling but keeps per-type state (backoff survives a
// pause/resume cycle). No-op unless running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.cancelTimersLocked()
	s.paused = true
	s.log.Info("polling paused")
}

// Resume re-arms enabled types with the same stagger offsets as Start.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return
	}
	s.paused = false
	s.armStaggeredLocked()
	s.log.Info("polling resumed")
}

// UpdateInterval changes a type's default interval, clamped into [Min, Max].
// When the type is backed off only the default is stored; the live cadence
// and its timer stay untouched until backoff clears.
func (s *Scheduler) UpdateInterval(tp Type, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfgs[tp]
	if !ok {
		return
	}
	d = cfg.Clamp(d)
	cfg.Default = d
	s.cfgs[tp] = cfg

	st := s.states[tp]
	if st.ConsecutiveTimeouts > 0 {
		s.log.Debug("interval updated while backed off",
			logx.String("type", string(tp)), logx.Duration("default", d))
		return
	}
	st.CurrentInterval = d
	if s.activeLocked(tp) {
		s.armLocked(tp, d)
	}
	s.log.Info("interval updated", logx.String("type", string(tp)), logx.Duration("interval", d))
}

// SetEnabled toggles one poll type. Disabling cancels its timer; enabling
// re-arms it at the current interval.
func (s *Scheduler) SetEnabled(tp Type, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfgs[tp]
	if !ok || cfg.Enabled == enabled {
		return
	}
	cfg.Enabled = enabled
	s.cfgs[tp] = cfg

	if !enabled {
		s.cancelTimerLocked(tp)
	} else if s.activeLocked(tp) {
		s.armLocked(tp, s.states[tp].CurrentInterval)
	}
	s.log.Info("poll type toggled", logx.String("type", string(tp)), logx.Bool("enabled", enabled))
}

// SetGlobalEnabled is the coarse on/off switch layered over per-type flags.
func (s *Scheduler) SetGlobalEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalEnabled == enabled {
		return
	}
	s.globalEnabled = enabled
	if !enabled {
		s.cancelTimersLocked()
	} else {
		for _, tp := range Types {
			if s.activeLocked(tp) {
				s.armLocked(tp, s.states[tp].CurrentInterval)
			}
		}
	}
	s.log.Info("polling globally toggled", logx.Bool("enabled", enabled))
}

// ResetBackoff clears a type's timeout streak and, when active, fires an
// immediate attempt.
func (s *Scheduler) ResetBackoff(tp Type) {
	s.mu.Lock()
	cfg, ok := s.cfgs[tp]
	if !ok {
		s.mu.Unlock()
		return
	}
	st := s.states[tp]
	had := st.ConsecutiveTimeouts
	st.ConsecutiveTimeouts = 0
	st.CurrentInterval = cfg.Default
	st.LastError = ""
	obs.ConsecutiveTimeouts.WithLabelValues(string(tp)).Set(0)
	obs.BackoffActive.Set(boolGauge(s.hasBackoffLocked()))
	if s.activeLocked(tp) {
		s.armLocked(tp, 0)
	}
	s.mu.Unlock()

	if had > 0 {
		s.publish("backoff.cleared", BackoffEvent{Type: tp, Interval: cfg.Default})
		s.log.Info("backoff reset", logx.String("type", string(tp)), logx.Int("timeouts", had))
	}
}

// ResetAllBackoff resets every type.
func (s *Scheduler) ResetAllBackoff() {
	for _, tp := range Types {
		s.ResetBackoff(tp)
	}
}

// Snapshot returns a consistent copy of scheduler and per-type state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:       s.running,
		Paused:        s.paused,
		GlobalEnabled: s.globalEnabled,
		Types:         make([]TypeSnapshot, 0, len(Types)),
	}
	for _, tp := range Types {
		snap.Types = append(snap.Types, TypeSnapshot{Type: tp, Config: s.cfgs[tp], State: *s.states[tp]})
	}
	return snap
}

// ---- internals ----

// activeLocked reports whether tp's timer chain should be armed at all.
func (s *Scheduler) activeLocked(tp Type) bool {
	return s.running && !s.paused && s.globalEnabled && s.cfgs[tp].Enabled
}

func (s *Scheduler) armStaggeredLocked() {
	for _, tp := range Types {
		if s.activeLocked(tp) {
			s.armLocked(tp, staggerOffset[tp])
		}
	}
}

func (s *Scheduler) armLocked(tp Type, d time.Duration) {
	if t, ok := s.timers[tp]; ok {
		t.Stop()
	}
	s.timers[tp] = time.AfterFunc(d, func() { s.fire(tp) })
	s.states[tp].NextPoll = time.Now().Add(d)
}

func (s *Scheduler) cancelTimerLocked(tp Type) {
	if t, ok := s.timers[tp]; ok {
		t.Stop()
		delete(s.timers, tp)
	}
	s.states[tp].NextPoll = time.Time{}
}

func (s *Scheduler) cancelTimersLocked() {
	for _, tp := range Types {
		s.cancelTimerLocked(tp)
	}
}

// fire runs on the timer goroutine: execute one attempt, then re-arm from
// completion time so the effective interval drifts with attempt duration.
func (s *Scheduler) fire(tp Type) {
	s.executeOnce(tp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(tp) {
		return
	}
	s.armLocked(tp, s.states[tp].CurrentInterval)
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
