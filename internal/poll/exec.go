package poll

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/obs"
	logx "distmon/pkg/logx"
)

const (
	skipNotReady       = "not_ready"
	skipActionInFlight = "action_in_progress"
	skipNothingRunning = "nothing_running"
	skipInFlight       = "in_flight"
)

// executeOnce runs one poll attempt through the full gate chain. Every
// early return is a skip, never an error; only an attempt that reaches the
// fetch records an outcome.
func (s *Scheduler) executeOnce(tp Type) {
	s.mu.Lock()
	enabled := s.running && !s.paused && s.globalEnabled && s.cfgs[tp].Enabled
	ctx := s.ctx
	s.mu.Unlock()
	if !enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if s.gate != nil {
		if !s.gate.Ready() {
			s.skip(tp, skipNotReady)
			return
		}
		if s.gate.ActionInProgress() {
			s.skip(tp, skipActionInFlight)
			return
		}
		if tp == TypeResources && !s.gate.AnyRunning() {
			if s.src.ClearStats != nil {
				s.src.ClearStats()
			}
			s.skip(tp, skipNothingRunning)
			return
		}
	}

	lk := s.inflight[tp]
	if !lk.TryLock() {
		s.skip(tp, skipInFlight)
		return
	}
	defer lk.Unlock()

	s.setPolling(tp, true)
	started := time.Now()
	err := s.invoke(ctx, tp)
	s.finish(tp, err, time.Since(started))
}

func (s *Scheduler) skip(tp Type, reason string) {
	obs.PollSkipsTotal.WithLabelValues(string(tp), reason).Inc()
	s.log.Debug("poll skipped", logx.String("type", string(tp)), logx.String("reason", reason))
}

// invoke calls the fetch for tp. A panicking fetch must not kill the timer
// goroutine or leak the in-flight lock, so it is converted to an error here.
func (s *Scheduler) invoke(ctx context.Context, tp Type) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s: panic: %v", tp, r)
			s.log.Error("poll attempt panicked",
				logx.String("type", string(tp)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	var fetch func(context.Context) error
	switch tp {
	case TypeDistros:
		fetch = s.src.FetchDistros
	case TypeResources:
		fetch = s.src.FetchResources
	case TypeHealth:
		fetch = s.src.FetchHealth
	}
	if fetch == nil {
		return nil
	}
	return fetch(ctx)
}

func (s *Scheduler) setPolling(tp Type, v bool) {
	s.mu.Lock()
	s.states[tp].Polling = v
	s.mu.Unlock()
}

// finish applies the attempt outcome to per-type state. Success resets the
// cadence to the (possibly updated) default. Timeouts grow it. Other errors
// leave it alone so a flapping backend error does not slow recovery.
func (s *Scheduler) finish(tp Type, err error, took time.Duration) {
	s.mu.Lock()
	cfg := s.cfgs[tp]
	st := s.states[tp]
	st.Polling = false
	st.LastPoll = time.Now()

	result := "ok"
	var evt *BackoffEvent
	switch {
	case err == nil:
		if st.ConsecutiveTimeouts > 0 {
			evt = &BackoffEvent{Type: tp, Interval: cfg.Default}
			s.log.Info("backoff cleared",
				logx.String("type", string(tp)),
				logx.Int("timeouts", st.ConsecutiveTimeouts))
		}
		st.ConsecutiveTimeouts = 0
		st.CurrentInterval = cfg.Default
		st.LastError = ""

	case bridge.Classify(err) == bridge.KindTimeout:
		result = "timeout"
		st.ConsecutiveTimeouts++
		next := time.Duration(float64(st.CurrentInterval) * cfg.Multiplier)
		if next > cfg.Max {
			next = cfg.Max
		}
		st.CurrentInterval = next
		st.LastError = "timeout"
		evt = &BackoffEvent{Type: tp, ConsecutiveTimeouts: st.ConsecutiveTimeouts, Interval: next}
		s.log.Warn("poll timed out, backing off",
			logx.String("type", string(tp)),
			logx.Int("consecutive", st.ConsecutiveTimeouts),
			logx.Duration("interval", next))

	default:
		result = "error"
		s.log.Warn("poll failed", logx.String("type", string(tp)), logx.Err(err))
	}

	completed := CompletedEvent{
		Type:                tp,
		Result:              result,
		Took:                took,
		ConsecutiveTimeouts: st.ConsecutiveTimeouts,
		Interval:            st.CurrentInterval,
	}
	if err != nil {
		completed.Error = err.Error()
	}

	obs.PollsTotal.WithLabelValues(string(tp), result).Inc()
	obs.PollDurationSeconds.WithLabelValues(string(tp)).Observe(took.Seconds())
	obs.ConsecutiveTimeouts.WithLabelValues(string(tp)).Set(float64(st.ConsecutiveTimeouts))
	obs.BackoffActive.Set(boolGauge(s.hasBackoffLocked()))
	s.mu.Unlock()

	s.publish("poll.completed", completed)
	if evt != nil {
		if result == "timeout" {
			s.publish("backoff.engaged", *evt)
		} else {
			s.publish("backoff.cleared", *evt)
		}
	}
}

func (s *Scheduler) hasBackoffLocked() bool {
	for _, st := range s.states {
		if st.ConsecutiveTimeouts > 0 {
			return true
		}
	}
	return false
}
