package poll

import (
	"fmt"
	"strings"
	"time"
)

// HasBackoff reports whether any poll type currently has a timeout streak.
func (s *Scheduler) HasBackoff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBackoffLocked()
}

// BackoffMessage renders a one-line human summary of active backoff, e.g.
//
//	backend slow: distros every 40s (2 timeouts), health every 60s (3 timeouts)
//
// Returns "" when no type is backed off.
func (s *Scheduler) BackoffMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	for _, tp := range Types {
		st := s.states[tp]
		if st.ConsecutiveTimeouts == 0 {
			continue
		}
		noun := "timeouts"
		if st.ConsecutiveTimeouts == 1 {
			noun = "timeout"
		}
		parts = append(parts, fmt.Sprintf("%s every %s (%d %s)",
			tp, shortDuration(st.CurrentInterval), st.ConsecutiveTimeouts, noun))
	}
	if len(parts) == 0 {
		return ""
	}
	return "backend slow: " + strings.Join(parts, ", ")
}

// shortDuration formats whole seconds without a fractional tail.
func shortDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return d.String()
}
