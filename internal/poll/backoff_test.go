package poll

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/eventbus"
	logx "distmon/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func timeoutErr(op string) error {
	return bridge.NewError(bridge.KindTimeout, op, "operation timed out")
}

func backoffConfigs() map[Type]Config {
	cfgs := map[Type]Config{}
	for _, tp := range Types {
		cfgs[tp] = Config{
			Default:    10 * time.Second,
			Min:        time.Second,
			Max:        60 * time.Second,
			Multiplier: 2,
			Enabled:    true,
		}
	}
	return cfgs
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	want := []struct {
		timeouts int
		interval time.Duration
	}{
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 60 * time.Second}, // 80s capped at max
		{4, 60 * time.Second}, // stays at cap
	}
	for i, w := range want {
		s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
		st := typeSnap(t, s, TypeDistros).State
		if st.ConsecutiveTimeouts != w.timeouts {
			t.Fatalf("step %d: timeouts = %d, want %d", i, st.ConsecutiveTimeouts, w.timeouts)
		}
		if st.CurrentInterval != w.interval {
			t.Fatalf("step %d: interval = %v, want %v", i, st.CurrentInterval, w.interval)
		}
		if st.LastError != "timeout" {
			t.Fatalf("step %d: lastError = %q", i, st.LastError)
		}
	}
	if !s.HasBackoff() {
		t.Fatal("HasBackoff = false with an active streak")
	}
}

func TestSingleSuccessResetsBackoff(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	s.finish(TypeHealth, timeoutErr("health.get"), time.Millisecond)
	s.finish(TypeHealth, timeoutErr("health.get"), time.Millisecond)
	s.finish(TypeHealth, nil, time.Millisecond)

	st := typeSnap(t, s, TypeHealth).State
	if st.ConsecutiveTimeouts != 0 {
		t.Fatalf("timeouts = %d after success, want 0", st.ConsecutiveTimeouts)
	}
	if st.CurrentInterval != 10*time.Second {
		t.Fatalf("interval = %v after success, want default 10s", st.CurrentInterval)
	}
	if st.LastError != "" {
		t.Fatalf("lastError = %q after success", st.LastError)
	}
	if s.HasBackoff() {
		t.Fatal("HasBackoff = true after recovery")
	}
}

func TestNonTimeoutErrorLeavesCadenceUntouched(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	s.finish(TypeDistros, bridge.NewError(bridge.KindCommandFailed, "distro.list", "exit status 1"), time.Millisecond)
	st := typeSnap(t, s, TypeDistros).State
	if st.ConsecutiveTimeouts != 0 || st.CurrentInterval != 10*time.Second {
		t.Fatalf("command failure changed cadence: %+v", st)
	}

	// An unrelated failure mid-streak must not extend or reset the streak.
	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	s.finish(TypeDistros, errors.New("unmarshal failed"), time.Millisecond)
	st = typeSnap(t, s, TypeDistros).State
	if st.ConsecutiveTimeouts != 2 || st.CurrentInterval != 40*time.Second {
		t.Fatalf("non-timeout error disturbed backoff: %+v", st)
	}
}

func TestUntypedTimeoutMessageCountsAsTimeout(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	s.finish(TypeResources, errors.New("backend is taking too long to respond"), time.Millisecond)
	st := typeSnap(t, s, TypeResources).State
	if st.ConsecutiveTimeouts != 1 {
		t.Fatalf("timeouts = %d, want 1 via message heuristic", st.ConsecutiveTimeouts)
	}
}

func TestUpdateIntervalWhileBackedOff(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)

	s.UpdateInterval(TypeDistros, 15*time.Second)

	ts := typeSnap(t, s, TypeDistros)
	if ts.Config.Default != 15*time.Second {
		t.Fatalf("default = %v, want 15s", ts.Config.Default)
	}
	if ts.State.CurrentInterval != 40*time.Second {
		t.Fatalf("live interval = %v, want untouched 40s", ts.State.CurrentInterval)
	}

	// Recovery lands on the new default, not the old one.
	s.finish(TypeDistros, nil, time.Millisecond)
	if got := typeSnap(t, s, TypeDistros).State.CurrentInterval; got != 15*time.Second {
		t.Fatalf("interval = %v after recovery, want new default 15s", got)
	}
}

func TestResetBackoffClearsStreakAndPublishes(t *testing.T) {
	bus := eventbus.New()
	s := New(backoffConfigs(), nil, Sources{}, bus, testLogger())

	s.finish(TypeHealth, timeoutErr("health.get"), time.Millisecond)
	s.finish(TypeHealth, timeoutErr("health.get"), time.Millisecond)

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s.ResetBackoff(TypeHealth)

	st := typeSnap(t, s, TypeHealth).State
	if st.ConsecutiveTimeouts != 0 || st.CurrentInterval != 10*time.Second || st.LastError != "" {
		t.Fatalf("state not reset: %+v", st)
	}

	select {
	case e := <-ch:
		if e.Type != "backoff.cleared" {
			t.Fatalf("event type = %q, want backoff.cleared", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no backoff.cleared event")
	}

	// Resetting an idle type publishes nothing.
	s.ResetBackoff(TypeDistros)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q for idle reset", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackoffEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(backoffConfigs(), nil, Sources{}, bus, testLogger())

	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	expectEvent(t, ch, "poll.completed")
	expectEvent(t, ch, "backoff.engaged")

	s.finish(TypeDistros, nil, time.Millisecond)
	expectEvent(t, ch, "poll.completed")
	expectEvent(t, ch, "backoff.cleared")
}

func expectEvent(t *testing.T, ch <-chan eventbus.Event, typ string) {
	t.Helper()
	select {
	case e := <-ch:
		if e.Type != typ {
			t.Fatalf("event type = %q, want %q", e.Type, typ)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %q event", typ)
	}
}

func TestBackoffMessage(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{}, nil, testLogger())

	if msg := s.BackoffMessage(); msg != "" {
		t.Fatalf("message = %q with no backoff, want empty", msg)
	}

	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	s.finish(TypeDistros, timeoutErr("distro.list"), time.Millisecond)
	for i := 0; i < 3; i++ {
		s.finish(TypeHealth, timeoutErr("health.get"), time.Millisecond)
	}

	msg := s.BackoffMessage()
	for _, want := range []string{
		"distros every 40s (2 timeouts)",
		"health every 60s (3 timeouts)",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if strings.Contains(msg, "resources") {
		t.Fatalf("message %q mentions a healthy type", msg)
	}
}

func TestPanickingFetchIsContainedAndReleasesLock(t *testing.T) {
	s := New(backoffConfigs(), nil, Sources{
		FetchDistros: func(context.Context) error { panic("boom") },
	}, nil, testLogger())
	markRunning(s)

	s.executeOnce(TypeDistros)
	st := typeSnap(t, s, TypeDistros).State
	if st.Polling {
		t.Fatal("polling flag stuck after panic")
	}

	// Lock must be free for the next attempt.
	ok := s.inflight[TypeDistros].TryLock()
	if !ok {
		t.Fatal("in-flight lock leaked after panic")
	}
	s.inflight[TypeDistros].Unlock()
}
