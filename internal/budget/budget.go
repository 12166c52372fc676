// Package budget models an agent's daily token allowance as a value.
package budget

import "time"

// Window is one day's token accounting for an agent. Day is the UTC date the
// counter belongs to, truncated to midnight.
type Window struct {
	Day   time.Time
	Used  int
	Limit int
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResetIfExpired returns the window that applies at now: unchanged while the
// day has not rolled over, otherwise a fresh zero-usage window for today.
// The second result reports whether a reset happened.
func (w Window) ResetIfExpired(now time.Time) (Window, bool) {
	today := Day(now)
	if !Day(w.Day).Before(today) {
		return w, false
	}
	return Window{Day: today, Used: 0, Limit: w.Limit}, true
}

// Exhausted reports whether no allowance is left. A zero limit is a cap, so
// such a window is always exhausted.
func (w Window) Exhausted() bool {
	return w.Used >= w.Limit
}

// Remaining is the unused allowance, never negative.
func (w Window) Remaining() int {
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// Add records tokens as used. Usage is recorded even past the limit.
func (w Window) Add(tokens int) Window {
	if tokens > 0 {
		w.Used += tokens
	}
	return w
}
