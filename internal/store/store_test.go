package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"distmon/internal/bridge"
	"distmon/internal/eventbus"
	logx "distmon/pkg/logx"
)

// fakeInvoker answers bridge operations from a canned table.
type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, op string, params any, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	err := f.errs[op]
	res := f.results[op]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if result != nil && res != nil {
		raw, _ := json.Marshal(res)
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (f *fakeInvoker) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestDistroFetchAndAnyRunning(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{results: map[string]any{
		"distro.list": []Distro{
			{Name: "ubuntu", State: StateStopped},
			{Name: "alpine", State: StateRunning},
		},
	}}
	s := NewDistroStore(inv, nil, logx.Nop())

	if s.AnyRunning() {
		t.Fatal("empty store must report nothing running")
	}
	if err := s.Fetch(context.Background(), true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !s.AnyRunning() {
		t.Fatal("alpine is running")
	}
	if got := len(s.Distros()); got != 2 {
		t.Fatalf("Distros len = %d, want 2", got)
	}
	if s.Loading() {
		t.Fatal("silent fetch must not toggle loading")
	}
}

func TestDistroFetchKeepsDataOnError(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{results: map[string]any{
		"distro.list": []Distro{{Name: "ubuntu", State: StateRunning}},
	}}
	s := NewDistroStore(inv, nil, logx.Nop())
	if err := s.Fetch(context.Background(), true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	inv.mu.Lock()
	inv.errs = map[string]error{"distro.list": bridge.NewError(bridge.KindTimeout, "distro.list", "timed out")}
	inv.mu.Unlock()

	if err := s.Fetch(context.Background(), true); err == nil {
		t.Fatal("expected fetch error")
	}
	if len(s.Distros()) != 1 {
		t.Fatal("failed fetch must keep previous data")
	}
	if s.LastError() == nil {
		t.Fatal("LastError must reflect the failure")
	}
}

func TestActionFlagExclusion(t *testing.T) {
	t.Parallel()
	s := NewDistroStore(&fakeInvoker{}, nil, logx.Nop())
	if err := s.BeginAction("starting ubuntu"); err != nil {
		t.Fatalf("BeginAction: %v", err)
	}
	if err := s.BeginAction("stopping alpine"); err == nil {
		t.Fatal("second BeginAction must fail while first is held")
	}
	if got := s.ActionInProgress(); got != "starting ubuntu" {
		t.Fatalf("ActionInProgress = %q", got)
	}
	s.EndAction()
	if s.ActionInProgress() != "" {
		t.Fatal("flag must clear on EndAction")
	}
}

func TestDistroStartPublishesAuditAndRefreshes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	inv := &fakeInvoker{results: map[string]any{
		"distro.list": []Distro{{Name: "ubuntu", State: StateRunning}},
	}}
	s := NewDistroStore(inv, bus, logx.Nop())

	if err := s.Start(context.Background(), "ubuntu"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.ActionInProgress() != "" {
		t.Fatal("action flag must be released")
	}
	if inv.callCount("distro.start") != 1 {
		t.Fatal("expected one distro.start call")
	}
	if inv.callCount("distro.list") != 1 {
		t.Fatal("expected a silent refresh after the action")
	}

	ev := <-ch
	ae, ok := ev.Data.(ActionEvent)
	if !ok || ev.Type != "action.audit" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ae.Action != "distro.start" || ae.Target != "ubuntu" || !ae.OK {
		t.Fatalf("audit = %+v", ae)
	}
}

func TestResourceClearStats(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{results: map[string]any{
		"stats.get": []ResourceStats{{Distro: "ubuntu", CPUPercent: 12.5}},
	}}
	s := NewResourceStore(inv, logx.Nop())
	if err := s.Fetch(context.Background(), true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(s.Stats()) != 1 {
		t.Fatal("expected one sample")
	}
	s.ClearStats()
	if len(s.Stats()) != 0 {
		t.Fatal("ClearStats must drop cached samples")
	}
	if s.LastError() != nil {
		t.Fatal("ClearStats must clear the error")
	}
}

func TestMountAttachHoldsActionFlag(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{}
	distros := NewDistroStore(inv, nil, logx.Nop())
	mounts := NewMountStore(inv, nil, distros, logx.Nop())

	// Simulate a concurrent action already holding the flag.
	if err := distros.BeginAction("stopping ubuntu"); err != nil {
		t.Fatal(err)
	}
	err := mounts.Attach(context.Background(), Mount{Distro: "ubuntu", Source: "/img/data.vhdx", Target: "/mnt/data"})
	if err == nil {
		t.Fatal("Attach must refuse while another action runs")
	}
	distros.EndAction()

	if err := mounts.Attach(context.Background(), Mount{Distro: "ubuntu", Source: "/img/data.vhdx", Target: "/mnt/data"}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if inv.callCount("mount.attach") != 1 {
		t.Fatal("expected one mount.attach call")
	}
	if distros.ActionInProgress() != "" {
		t.Fatal("flag must be released after Attach")
	}
}

func TestHealthReportBeforeFirstFetch(t *testing.T) {
	t.Parallel()
	s := NewHealthStore(&fakeInvoker{results: map[string]any{
		"health.get": HealthReport{Status: "ok", Version: "2.4.1"},
	}}, logx.Nop())

	if _, ok := s.Report(); ok {
		t.Fatal("no report before first fetch")
	}
	if err := s.Fetch(context.Background(), true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	rep, ok := s.Report()
	if !ok || rep.Status != "ok" {
		t.Fatalf("Report = %+v, %v", rep, ok)
	}
}
