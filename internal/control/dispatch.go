package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"distmon/internal/bridge"
	"distmon/internal/poll"
	"distmon/internal/preflight"
	"distmon/internal/store"
)

// Deps are the daemon components the control surface drives.
type Deps struct {
	Scheduler *poll.Scheduler
	Distros   *store.DistroStore
	Resources *store.ResourceStore
	Health    *store.HealthStore
	Mounts    *store.MountStore
	Preflight *preflight.Service
}

// Wire shapes for the control protocol. Durations travel as milliseconds so
// frontends never parse Go duration strings.

type typeStatus struct {
	Type                string `json:"type"`
	Enabled             bool   `json:"enabled"`
	IntervalMS          int64  `json:"interval_ms"`
	DefaultIntervalMS   int64  `json:"default_interval_ms"`
	MinIntervalMS       int64  `json:"min_interval_ms"`
	MaxIntervalMS       int64  `json:"max_interval_ms"`
	ConsecutiveTimeouts int    `json:"consecutive_timeouts"`
	Polling             bool   `json:"polling"`
	LastError           string `json:"last_error,omitempty"`
	LastPoll            string `json:"last_poll,omitempty"`
	NextPoll            string `json:"next_poll,omitempty"`
}

type statusResult struct {
	Running      bool         `json:"running"`
	Paused       bool         `json:"paused"`
	Enabled      bool         `json:"enabled"`
	BackendReady bool         `json:"backend_ready"`
	Backoff      string       `json:"backoff,omitempty"`
	Types        []typeStatus `json:"types"`
}

type distroListResult struct {
	Distros  []store.Distro `json:"distros"`
	Loading  bool           `json:"loading"`
	Error    string         `json:"error,omitempty"`
	Updated  string         `json:"updated,omitempty"`
	ActionIP string         `json:"action_in_progress,omitempty"`
}

func (s *Server) dispatch(ctx context.Context, req bridge.Request) bridge.Response {
	resp := bridge.Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v any, err error) bridge.Response {
		if err != nil {
			resp.Error = &bridge.WireError{Code: codeOpFailed, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &bridge.WireError{Code: codeInternal, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) bridge.Response {
		resp.Error = &bridge.WireError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	ok := map[string]bool{"ok": true}

	switch req.Method {
	case "polling.status":
		return marshalResult(s.status(), nil)

	case "polling.start":
		s.deps.Scheduler.Start(s.baseCtx)
		return marshalResult(ok, nil)

	case "polling.stop":
		s.deps.Scheduler.Stop()
		return marshalResult(ok, nil)

	case "polling.pause", "session.blur":
		s.deps.Scheduler.Pause()
		return marshalResult(ok, nil)

	case "polling.resume", "session.focus":
		s.deps.Scheduler.Resume()
		return marshalResult(ok, nil)

	case "polling.setInterval":
		var p struct {
			Type       string `json:"type"`
			IntervalMS int64  `json:"interval_ms"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		tp := poll.Type(p.Type)
		if !tp.Valid() {
			return invalidParams(fmt.Errorf("unknown poll type %q", p.Type))
		}
		s.deps.Scheduler.UpdateInterval(tp, time.Duration(p.IntervalMS)*time.Millisecond)
		return marshalResult(ok, nil)

	case "polling.setEnabled":
		var p struct {
			Type    string `json:"type,omitempty"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Type == "" {
			s.deps.Scheduler.SetGlobalEnabled(p.Enabled)
			return marshalResult(ok, nil)
		}
		tp := poll.Type(p.Type)
		if !tp.Valid() {
			return invalidParams(fmt.Errorf("unknown poll type %q", p.Type))
		}
		s.deps.Scheduler.SetEnabled(tp, p.Enabled)
		return marshalResult(ok, nil)

	case "polling.resetBackoff":
		var p struct {
			Type string `json:"type,omitempty"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return invalidParams(err)
			}
		}
		if p.Type == "" {
			s.deps.Scheduler.ResetAllBackoff()
			return marshalResult(ok, nil)
		}
		tp := poll.Type(p.Type)
		if !tp.Valid() {
			return invalidParams(fmt.Errorf("unknown poll type %q", p.Type))
		}
		s.deps.Scheduler.ResetBackoff(tp)
		return marshalResult(ok, nil)

	case "distro.list":
		return marshalResult(s.distroList(), nil)

	case "distro.start", "distro.stop":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Name == "" {
			return invalidParams(fmt.Errorf("name is required"))
		}
		var err error
		if req.Method == "distro.start" {
			err = s.deps.Distros.Start(ctx, p.Name)
		} else {
			err = s.deps.Distros.Stop(ctx, p.Name)
		}
		return marshalResult(ok, err)

	case "stats.get":
		return marshalResult(s.deps.Resources.Stats(), nil)

	case "health.get":
		report, have := s.deps.Health.Report()
		if !have {
			return marshalResult(nil, fmt.Errorf("no health report yet"))
		}
		return marshalResult(report, nil)

	case "mount.list":
		return marshalResult(s.deps.Mounts.Mounts(), nil)

	case "mount.attach":
		var p store.Mount
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Distro == "" || p.Source == "" || p.Target == "" {
			return invalidParams(fmt.Errorf("distro, source and target are required"))
		}
		return marshalResult(ok, s.deps.Mounts.Attach(ctx, p))

	case "mount.detach":
		var p struct {
			Distro string `json:"distro"`
			Target string `json:"target"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Distro == "" || p.Target == "" {
			return invalidParams(fmt.Errorf("distro and target are required"))
		}
		return marshalResult(ok, s.deps.Mounts.Detach(ctx, p.Distro, p.Target))

	default:
		resp.Error = &bridge.WireError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}

func (s *Server) status() statusResult {
	snap := s.deps.Scheduler.Snapshot()
	out := statusResult{
		Running: snap.Running,
		Paused:  snap.Paused,
		Enabled: snap.GlobalEnabled,
		Backoff: s.deps.Scheduler.BackoffMessage(),
		Types:   make([]typeStatus, 0, len(snap.Types)),
	}
	if s.deps.Preflight != nil {
		out.BackendReady = s.deps.Preflight.Ready()
	}
	for _, ts := range snap.Types {
		t := typeStatus{
			Type:                string(ts.Type),
			Enabled:             ts.Config.Enabled,
			IntervalMS:          ts.State.CurrentInterval.Milliseconds(),
			DefaultIntervalMS:   ts.Config.Default.Milliseconds(),
			MinIntervalMS:       ts.Config.Min.Milliseconds(),
			MaxIntervalMS:       ts.Config.Max.Milliseconds(),
			ConsecutiveTimeouts: ts.State.ConsecutiveTimeouts,
			Polling:             ts.State.Polling,
			LastError:           ts.State.LastError,
		}
		if !ts.State.LastPoll.IsZero() {
			t.LastPoll = ts.State.LastPoll.Format(time.RFC3339Nano)
		}
		if !ts.State.NextPoll.IsZero() {
			t.NextPoll = ts.State.NextPoll.Format(time.RFC3339Nano)
		}
		out.Types = append(out.Types, t)
	}
	return out
}

func (s *Server) distroList() distroListResult {
	d := s.deps.Distros
	out := distroListResult{
		Distros:  d.Distros(),
		Loading:  d.Loading(),
		ActionIP: d.ActionInProgress(),
	}
	if err := d.LastError(); err != nil {
		out.Error = err.Error()
	}
	if u := d.Updated(); !u.IsZero() {
		out.Updated = u.Format(time.RFC3339Nano)
	}
	return out
}
