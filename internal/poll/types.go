package poll

import (
	"context"
	"time"
)

// Type identifies one independently scheduled poll kind. Fixed set.
type Type string

const (
	TypeDistros   Type = "distros"
	TypeResources Type = "resources"
	TypeHealth    Type = "health"
)

// Types lists all poll types in stagger order.
var Types = []Type{TypeDistros, TypeResources, TypeHealth}

// staggerOffset desynchronizes the initial burst after Start/Resume.
// Fixed constants, not derived from intervals; irrelevant at steady state.
var staggerOffset = map[Type]time.Duration{
	TypeDistros:   0,
	TypeResources: 200 * time.Millisecond,
	TypeHealth:    400 * time.Millisecond,
}

func (t Type) Valid() bool {
	switch t {
	case TypeDistros, TypeResources, TypeHealth:
		return true
	}
	return false
}

// Config holds the scheduling parameters of one poll type.
// Invariant: Min <= Default <= Max (enforced by withDefaults/Clamp).
type Config struct {
	Default    time.Duration
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	Enabled    bool
}

func (c Config) withDefaults() Config {
	if c.Default <= 0 {
		c.Default = 10 * time.Second
	}
	if c.Min <= 0 {
		c.Min = time.Second
	}
	if c.Max <= 0 {
		c.Max = 60 * time.Second
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	c.Default = c.Clamp(c.Default)
	return c
}

// Clamp bounds an externally supplied interval into [Min, Max].
func (c Config) Clamp(d time.Duration) time.Duration {
	if d < c.Min {
		return c.Min
	}
	if d > c.Max {
		return c.Max
	}
	return d
}

// State is the mutable bookkeeping of one poll type.
type State struct {
	LastPoll            time.Time
	NextPoll            time.Time
	ConsecutiveTimeouts int
	CurrentInterval     time.Duration
	Polling             bool
	LastError           string // "timeout" or ""
}

// Gate is the capability object for cross-cutting skip conditions. The
// scheduler depends on these three predicates, not on concrete sibling
// stores. A nil Gate leaves all gates open (tests).
type Gate interface {
	// Ready reports whether the backend passed preflight.
	Ready() bool
	// ActionInProgress reports whether a user-initiated backend operation
	// is executing; all poll types are gated while it runs.
	ActionInProgress() bool
	// AnyRunning reports whether any distribution is in the Running state;
	// gates the resources type only.
	AnyRunning() bool
}

// Sources are the silent fetch operations the scheduler drives.
// ClearStats is invoked for the resources type instead of a fetch when
// nothing is running.
type Sources struct {
	FetchDistros   func(ctx context.Context) error
	FetchResources func(ctx context.Context) error
	FetchHealth    func(ctx context.Context) error
	ClearStats     func()
}

// CompletedEvent is published on the event bus for every executed attempt.
type CompletedEvent struct {
	Type                Type
	Result              string // "ok" | "timeout" | "error"
	Error               string
	Took                time.Duration
	ConsecutiveTimeouts int
	Interval            time.Duration
}

// BackoffEvent accompanies "backoff.engaged" / "backoff.cleared".
type BackoffEvent struct {
	Type                Type
	ConsecutiveTimeouts int
	Interval            time.Duration
}

// TypeSnapshot pairs one type's config and state for inspection.
type TypeSnapshot struct {
	Type   Type
	Config Config
	State  State
}

// Snapshot is a consistent view of the whole scheduler.
type Snapshot struct {
	Running       bool
	Paused        bool
	GlobalEnabled bool
	Types         []TypeSnapshot
}
