// Package timex holds timer helpers shared by the service workers.
package timex

import "time"

// ResetTimer stops t, drops any stale expiry and re-arms it for d.
// Negative durations are treated as zero.
func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

// DrainTimer empties t.C without blocking.
func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// NewStoppedTimer returns a timer that will not fire until reset.
func NewStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		DrainTimer(t)
	}
	return t
}
