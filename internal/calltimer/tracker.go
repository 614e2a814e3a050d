// Package calltimer derives the elapsed-call-time string shown while a call is up.
package calltimer

import (
	"fmt"
	"time"
)

// Zero is the duration string shown when no call is being timed.
const Zero = "00:00"

// Tracker measures time since a call started. It is not safe for concurrent use;
// the owner ticks it from its own serialized loop.
type Tracker struct {
	startedAt time.Time
	running   bool
	current   string
}

// New returns a stopped tracker.
func New() *Tracker {
	return &Tracker{current: Zero}
}

// Start begins timing from at. Starting a running tracker is a no-op.
func (t *Tracker) Start(at time.Time) bool {
	if t.running {
		return false
	}
	t.startedAt = at
	t.running = true
	t.current = Zero
	return true
}

// Stop halts timing and resets the string. Stopping a stopped tracker is a no-op.
func (t *Tracker) Stop() bool {
	if !t.running {
		return false
	}
	t.running = false
	t.startedAt = time.Time{}
	t.current = Zero
	return true
}

// Tick recomputes the string for now and returns it.
func (t *Tracker) Tick(now time.Time) string {
	if !t.running {
		return t.current
	}
	t.current = Format(now.Sub(t.startedAt))
	return t.current
}

// Running reports whether the tracker is timing a call.
func (t *Tracker) Running() bool {
	return t.running
}

// String returns the last computed duration string.
func (t *Tracker) String() string {
	return t.current
}

// Elapsed returns the time since start, or zero when stopped.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	if !t.running {
		return 0
	}
	if d := now.Sub(t.startedAt); d > 0 {
		return d
	}
	return 0
}

// Format renders d as MM:SS. Minutes keep counting past an hour; negative input is zero.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
