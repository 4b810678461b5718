// Package poll implements the adaptive polling scheduler.
//
// # Overview
//
// Three independent poll loops (distros, resources, health) each run on their
// own self-adjusting interval: after an attempt completes the next one is
// scheduled currentInterval later, measured from completion, so intervals
// drift rather than tick on an absolute clock. Timeout-classified failures
// grow the interval multiplicatively up to a cap; one success resets it to
// the configured default. Non-timeout failures never change cadence.
//
// # Gating
//
// Every attempt short-circuits (skip, not error) when the scheduler is
// paused, the type is disabled, the backend preflight gate is closed, a
// user-initiated action is in progress, or a previous attempt for the same
// type is still in flight. The resources type additionally skips the backend
// call and clears cached stats when no distribution is running.
//
// # Lifecycle
//
// Start/Resume fire one immediate attempt per enabled type with fixed
// stagger offsets (0/200/400 ms) to desynchronize the initial burst.
// Stop/Pause cancel pending timers only; an in-flight attempt runs to
// completion and updates bookkeeping but does not re-arm its timer.
package poll
