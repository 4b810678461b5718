// Package history persists poll outcomes and action audits, and prunes old
// poll records on a cron schedule.
package history

import (
	"context"

	"distmon/internal/eventbus"
	"distmon/internal/poll"
	"distmon/internal/storage"
	"distmon/internal/store"
	logx "distmon/pkg/logx"
)

// Recorder drains the event bus into the configured store. It is a passive
// subscriber: dropped events under backpressure lose history lines, never
// block publishers.
type Recorder struct {
	log logx.Logger
	bus eventbus.Bus
	st  storage.Store
}

func NewRecorder(st storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log.With(logx.String("comp", "history")), bus: bus, st: st}
}

// Run consumes events until ctx is cancelled. A nil store (storage disabled)
// parks until cancellation so the caller's group wiring stays uniform.
func (r *Recorder) Run(ctx context.Context) error {
	if r.st == nil || r.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := r.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case "poll.completed":
		ce, ok := e.Data.(poll.CompletedEvent)
		if !ok {
			return
		}
		rec := storage.PollRecord{
			At:                  e.Time,
			Type:                string(ce.Type),
			Result:              ce.Result,
			Error:               ce.Error,
			TookMS:              ce.Took.Milliseconds(),
			ConsecutiveTimeouts: ce.ConsecutiveTimeouts,
			IntervalMS:          ce.Interval.Milliseconds(),
		}
		if err := r.st.AppendPoll(ctx, rec); err != nil {
			r.log.Warn("poll record append failed", logx.Err(err))
		}

	case "action.audit":
		ae, ok := e.Data.(store.ActionEvent)
		if !ok {
			return
		}
		entry := storage.AuditEntry{
			At:     e.Time,
			Action: ae.Action,
			Target: ae.Target,
			Error:  ae.Error,
			TookMS: ae.Took.Milliseconds(),
		}
		if ae.OK {
			entry.OK = 1
		}
		if err := r.st.AppendAudit(ctx, entry); err != nil {
			r.log.Warn("audit append failed", logx.Err(err))
		}
	}
}
