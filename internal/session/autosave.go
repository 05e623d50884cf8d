package session

import "time"

// autosaveScheduler enforces the minimum spacing between save attempts.
// Requests inside the window are dropped, not queued: a later trigger (the
// debounce, the periodic tick, the next event) re-checks the dirty flag.
type autosaveScheduler struct {
	minInterval time.Duration
	lastAttempt time.Time
}

func (a *autosaveScheduler) Allow(now time.Time) bool {
	return a.lastAttempt.IsZero() || now.Sub(a.lastAttempt) >= a.minInterval
}

func (a *autosaveScheduler) Record(now time.Time) {
	a.lastAttempt = now
}
