// Package epoch tracks the weekly scoring window. Rollover is lazy: it is
// checked when state is written, never on a timer.
package epoch

import "time"

// Duration is the fixed length of a scoring week
const Duration = 7 * 24 * time.Hour

// Window is the current scoring week
type Window struct {
	Number uint64    `json:"number"`
	Start  time.Time `json:"start"`
}

// Genesis returns the first window, starting at deployment time
func Genesis(deployedAt time.Time) Window {
	return Window{Number: 1, Start: deployedAt.UTC()}
}

// elapsed never goes negative; a clock reading before Start counts as Start
func (w Window) elapsed(now time.Time) time.Duration {
	d := now.Sub(w.Start)
	if d < 0 {
		return 0
	}
	return d
}

// IsEnded reports whether the week has run its full duration
func (w Window) IsEnded(now time.Time) bool {
	return w.elapsed(now) >= Duration
}

// Remaining is the time left in the week, floored at zero
func (w Window) Remaining(now time.Time) time.Duration {
	left := Duration - w.elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// End is when the week expires
func (w Window) End() time.Time {
	return w.Start.Add(Duration)
}

// Rollover returns the window that should be current at now and whether it
// differs from w. A new window starts at now, not at the old boundary.
func (w Window) Rollover(now time.Time) (Window, bool) {
	if !w.IsEnded(now) {
		return w, false
	}
	return Window{Number: w.Number + 1, Start: now.UTC()}, true
}
