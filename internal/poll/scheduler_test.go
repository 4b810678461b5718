package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"distmon/internal/eventbus"
)

type fakeGate struct {
	mu         sync.Mutex
	ready      bool
	action     bool
	anyRunning bool
}

func openGate() *fakeGate {
	return &fakeGate{ready: true, anyRunning: true}
}

func (g *fakeGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *fakeGate) ActionInProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.action
}

func (g *fakeGate) AnyRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.anyRunning
}

func (g *fakeGate) set(fn func(*fakeGate)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

type fakeSources struct {
	mu     sync.Mutex
	calls  map[Type]int
	errs   map[Type]error
	clears int

	// when non-nil, FetchDistros blocks until the channel is closed
	block chan struct{}
}

func newFakeSources() *fakeSources {
	return &fakeSources{calls: map[Type]int{}, errs: map[Type]error{}}
}

func (f *fakeSources) fetch(tp Type) func(context.Context) error {
	return func(context.Context) error {
		f.mu.Lock()
		f.calls[tp]++
		err := f.errs[tp]
		block := f.block
		f.mu.Unlock()
		if tp == TypeDistros && block != nil {
			<-block
		}
		return err
	}
}

func (f *fakeSources) sources() Sources {
	return Sources{
		FetchDistros:   f.fetch(TypeDistros),
		FetchResources: f.fetch(TypeResources),
		FetchHealth:    f.fetch(TypeHealth),
		ClearStats: func() {
			f.mu.Lock()
			f.clears++
			f.mu.Unlock()
		},
	}
}

func (f *fakeSources) count(tp Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tp]
}

func (f *fakeSources) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeSources) setErr(tp Type, err error) {
	f.mu.Lock()
	f.errs[tp] = err
	f.mu.Unlock()
}

func testConfigs(interval time.Duration) map[Type]Config {
	cfgs := map[Type]Config{}
	for _, tp := range Types {
		cfgs[tp] = Config{
			Default:    interval,
			Min:        time.Millisecond,
			Max:        time.Hour,
			Multiplier: 2,
			Enabled:    true,
		}
	}
	return cfgs
}

// markRunning puts the scheduler in the running state without arming any
// timers, so tests can drive executeOnce directly.
func markRunning(s *Scheduler) {
	s.mu.Lock()
	s.running = true
	s.ctx = context.Background()
	s.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func typeSnap(t *testing.T, s *Scheduler, tp Type) TypeSnapshot {
	t.Helper()
	for _, ts := range s.Snapshot().Types {
		if ts.Type == tp {
			return ts
		}
	}
	t.Fatalf("no snapshot for type %s", tp)
	return TypeSnapshot{}
}

func TestStartStaggersInitialPolls(t *testing.T) {
	src := newFakeSources()
	s := New(testConfigs(time.Hour), openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())

	// distros fires immediately, resources at +200ms, health at +400ms.
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) == 1 })
	if n := src.count(TypeHealth); n != 0 {
		t.Fatalf("health polled %d times before its stagger offset", n)
	}
	waitFor(t, time.Second, func() bool { return src.count(TypeResources) == 1 })
	waitFor(t, time.Second, func() bool { return src.count(TypeHealth) == 1 })

	// Hour-long intervals: exactly one poll each.
	time.Sleep(50 * time.Millisecond)
	for _, tp := range Types {
		if n := src.count(tp); n != 1 {
			t.Fatalf("%s polled %d times, want 1", tp, n)
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	src := newFakeSources()
	s := New(testConfigs(time.Hour), openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())
	s.Start(context.Background())

	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := src.count(TypeDistros); n != 1 {
		t.Fatalf("double Start produced %d distro polls, want 1", n)
	}
	if snap := s.Snapshot(); !snap.Running || snap.Paused {
		t.Fatalf("unexpected snapshot after Start: %+v", snap)
	}
}

func TestStopCancelsPendingTimers(t *testing.T) {
	src := newFakeSources()
	s := New(testConfigs(20*time.Millisecond), openGate(), src.sources(), nil, testLogger())

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) >= 2 })
	s.Stop()

	n := src.count(TypeDistros)
	time.Sleep(100 * time.Millisecond)
	if got := src.count(TypeDistros); got != n {
		t.Fatalf("polls continued after Stop: %d -> %d", n, got)
	}
	if snap := s.Snapshot(); snap.Running {
		t.Fatal("snapshot still running after Stop")
	}
}

func TestStopDuringInFlightAttempt(t *testing.T) {
	cfgs := testConfigs(time.Hour)
	d := cfgs[TypeDistros]
	d.Max = 4 * time.Hour
	cfgs[TypeDistros] = d
	src := newFakeSources()
	src.block = make(chan struct{})
	src.setErr(TypeDistros, timeoutErr("distro.list"))
	s := New(cfgs, openGate(), src.sources(), nil, testLogger())

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) == 1 })

	// Stop while the fetch is blocked mid-flight. The attempt must run to
	// completion and update its bookkeeping, but never re-arm.
	s.Stop()
	close(src.block)

	waitFor(t, time.Second, func() bool {
		return typeSnap(t, s, TypeDistros).State.ConsecutiveTimeouts == 1
	})
	snap := typeSnap(t, s, TypeDistros)
	if snap.State.LastPoll.IsZero() {
		t.Fatal("completed attempt did not record LastPoll")
	}
	if snap.State.Polling {
		t.Fatal("still marked polling after completion")
	}
	if snap.State.CurrentInterval != 2*time.Hour {
		t.Fatalf("interval = %v, backoff bookkeeping lost", snap.State.CurrentInterval)
	}
	if !snap.State.NextPoll.IsZero() {
		t.Fatalf("timer re-armed after Stop, next poll %v", snap.State.NextPoll)
	}
	if got := src.count(TypeDistros); got != 1 {
		t.Fatalf("fetch count = %d after Stop, want 1", got)
	}
}

func TestPauseResumeKeepsBackoffState(t *testing.T) {
	cfgs := testConfigs(time.Hour)
	for _, tp := range []Type{TypeResources, TypeHealth} {
		c := cfgs[tp]
		c.Enabled = false
		cfgs[tp] = c
	}
	d := cfgs[TypeDistros]
	d.Max = 4 * time.Hour
	cfgs[TypeDistros] = d
	src := newFakeSources()
	src.setErr(TypeDistros, timeoutErr("distro.list"))
	s := New(cfgs, openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) == 1 })

	s.Pause()
	snap := typeSnap(t, s, TypeDistros)
	if snap.State.ConsecutiveTimeouts != 1 {
		t.Fatalf("timeouts = %d after pause, want 1", snap.State.ConsecutiveTimeouts)
	}
	if snap.State.CurrentInterval != 2*time.Hour {
		t.Fatalf("interval = %v after pause, want 2h", snap.State.CurrentInterval)
	}
	if !s.Snapshot().Paused {
		t.Fatal("snapshot not paused")
	}

	// Resume fires an immediate attempt; the streak continues from 1, not 0.
	s.Resume()
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) == 2 })
	waitFor(t, time.Second, func() bool {
		return typeSnap(t, s, TypeDistros).State.ConsecutiveTimeouts == 2
	})
}

func TestGateNotReadySkips(t *testing.T) {
	gate := openGate()
	gate.set(func(g *fakeGate) { g.ready = false })
	src := newFakeSources()
	s := New(testConfigs(time.Hour), gate, src.sources(), nil, testLogger())
	markRunning(s)

	for _, tp := range Types {
		s.executeOnce(tp)
	}
	for _, tp := range Types {
		if n := src.count(tp); n != 0 {
			t.Fatalf("%s fetched %d times while gate closed", tp, n)
		}
	}
}

func TestActionInProgressGatesAllTypes(t *testing.T) {
	gate := openGate()
	gate.set(func(g *fakeGate) { g.action = true })
	src := newFakeSources()
	s := New(testConfigs(time.Hour), gate, src.sources(), nil, testLogger())
	markRunning(s)

	for _, tp := range Types {
		s.executeOnce(tp)
	}
	for _, tp := range Types {
		if n := src.count(tp); n != 0 {
			t.Fatalf("%s fetched %d times during an action", tp, n)
		}
	}
}

func TestResourcesGateClearsStatsInsteadOfFetching(t *testing.T) {
	gate := openGate()
	gate.set(func(g *fakeGate) { g.anyRunning = false })
	src := newFakeSources()
	s := New(testConfigs(time.Hour), gate, src.sources(), nil, testLogger())
	markRunning(s)

	s.executeOnce(TypeResources)
	if n := src.count(TypeResources); n != 0 {
		t.Fatalf("resources fetched %d times with nothing running", n)
	}
	if n := src.clearCount(); n != 1 {
		t.Fatalf("ClearStats called %d times, want 1", n)
	}

	// The running gate applies to resources only.
	s.executeOnce(TypeDistros)
	s.executeOnce(TypeHealth)
	if src.count(TypeDistros) != 1 || src.count(TypeHealth) != 1 {
		t.Fatal("distros/health should poll regardless of running distributions")
	}
}

func TestInFlightAttemptIsSkippedNotQueued(t *testing.T) {
	src := newFakeSources()
	src.block = make(chan struct{})
	s := New(testConfigs(time.Hour), openGate(), src.sources(), nil, testLogger())
	markRunning(s)

	done := make(chan struct{})
	go func() {
		s.executeOnce(TypeDistros)
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) == 1 })

	// Second attempt must return immediately without invoking the fetch.
	s.executeOnce(TypeDistros)
	if n := src.count(TypeDistros); n != 1 {
		t.Fatalf("overlapping attempt invoked fetch, count = %d", n)
	}

	close(src.block)
	<-done

	// Lock released: the next attempt goes through.
	src.mu.Lock()
	src.block = nil
	src.mu.Unlock()
	s.executeOnce(TypeDistros)
	if n := src.count(TypeDistros); n != 2 {
		t.Fatalf("post-release attempt count = %d, want 2", n)
	}
}

func TestDisabledTypeNeverPolls(t *testing.T) {
	cfgs := testConfigs(20 * time.Millisecond)
	c := cfgs[TypeHealth]
	c.Enabled = false
	cfgs[TypeHealth] = c

	src := newFakeSources()
	s := New(cfgs, openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) >= 2 })
	if n := src.count(TypeHealth); n != 0 {
		t.Fatalf("disabled health type polled %d times", n)
	}
}

func TestSetEnabledRearmsTimer(t *testing.T) {
	cfgs := testConfigs(20 * time.Millisecond)
	c := cfgs[TypeHealth]
	c.Enabled = false
	cfgs[TypeHealth] = c

	src := newFakeSources()
	s := New(cfgs, openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	if n := src.count(TypeHealth); n != 0 {
		t.Fatalf("health polled %d times while disabled", n)
	}

	s.SetEnabled(TypeHealth, true)
	waitFor(t, time.Second, func() bool { return src.count(TypeHealth) >= 1 })

	s.SetEnabled(TypeHealth, false)
	n := src.count(TypeHealth)
	time.Sleep(80 * time.Millisecond)
	if got := src.count(TypeHealth); got != n {
		t.Fatalf("health kept polling after disable: %d -> %d", n, got)
	}
}

func TestSetGlobalEnabledFreezesAndResumes(t *testing.T) {
	src := newFakeSources()
	s := New(testConfigs(20*time.Millisecond), openGate(), src.sources(), nil, testLogger())
	defer s.Stop()

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) >= 1 })

	s.SetGlobalEnabled(false)
	n := src.count(TypeDistros)
	time.Sleep(80 * time.Millisecond)
	if got := src.count(TypeDistros); got != n {
		t.Fatalf("polls continued while globally disabled: %d -> %d", n, got)
	}

	s.SetGlobalEnabled(true)
	waitFor(t, time.Second, func() bool { return src.count(TypeDistros) > n })
}

func TestUpdateIntervalClampsToBounds(t *testing.T) {
	cfgs := map[Type]Config{
		TypeDistros: {
			Default:    50 * time.Millisecond,
			Min:        10 * time.Millisecond,
			Max:        100 * time.Millisecond,
			Multiplier: 2,
			Enabled:    true,
		},
	}
	s := New(cfgs, nil, Sources{}, nil, testLogger())

	s.UpdateInterval(TypeDistros, 200*time.Millisecond)
	if got := typeSnap(t, s, TypeDistros).Config.Default; got != 100*time.Millisecond {
		t.Fatalf("default = %v after update above max, want 100ms", got)
	}
	s.UpdateInterval(TypeDistros, time.Millisecond)
	if got := typeSnap(t, s, TypeDistros).Config.Default; got != 10*time.Millisecond {
		t.Fatalf("default = %v after update below min, want 10ms", got)
	}
}

func TestEventBusReceivesCompletedEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	src := newFakeSources()
	s := New(testConfigs(time.Hour), openGate(), src.sources(), bus, testLogger())
	markRunning(s)

	s.executeOnce(TypeDistros)

	select {
	case e := <-ch:
		if e.Type != "poll.completed" {
			t.Fatalf("event type = %q, want poll.completed", e.Type)
		}
		ce, ok := e.Data.(CompletedEvent)
		if !ok {
			t.Fatalf("event data = %T", e.Data)
		}
		if ce.Type != TypeDistros || ce.Result != "ok" {
			t.Fatalf("unexpected completed event: %+v", ce)
		}
	case <-time.After(time.Second):
		t.Fatal("no poll.completed event published")
	}
}
