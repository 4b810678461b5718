package eventbus

import (
	"sync"
	"time"

	"distmon/internal/obs"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Well-known types published in this repo:
//   - "poll.completed"   (poll.CompletedEvent)  one per executed poll attempt
//   - "backoff.engaged"  (poll.BackoffEvent)    a poll type entered/extended backoff
//   - "backoff.cleared"  (poll.BackoffEvent)    a poll type recovered
//   - "backend.ready"    / "backend.lost"       readiness transitions
//   - "action.audit"     (store.ActionEvent)    user-initiated backend operation
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers lose events; drops are counted per event type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no background goroutines;
// delivery happens on the publisher's goroutine.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

// subscriber owns one delivery channel. The closed flag is checked under the
// subscriber's own lock, so Publish can never race an unsubscribe into a send
// on a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver attempts a non-blocking send. A full buffer is a drop; a closed
// subscriber is simply gone and not counted as one.
func (s *subscriber) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot subscribers so Publish doesn't hold the bus lock while sending.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(e) {
			obs.EventsDroppedTotal.WithLabelValues(e.Type).Inc()
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	// Idempotent: close() is a no-op once the subscriber is marked closed.
	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, unsub
}
