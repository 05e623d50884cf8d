package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// warnAt are the remaining-time thresholds that raise a time warning.
var warnAt = []time.Duration{5 * time.Minute, time.Minute}

// countdown derives remaining time from an absolute deadline, so a stalled
// tick never drifts: FIXED_WINDOW uses the server's end instant and
// FLEXIBLE_START a personal deadline fixed when the session became active.
type countdown struct {
	mode     model.TimingMode
	timed    bool
	deadline time.Time
	// windowEnd is the shared end instant of FIXED_WINDOW exams; it backs the
	// wall-clock guard independently of the countdown.
	windowEnd *time.Time
	fired     bool
	warned    map[time.Duration]bool
}

func newCountdown(exam *model.ExamDefinition, remainingSeconds *int, now time.Time) countdown {
	c := countdown{mode: exam.TimingMode, warned: map[time.Duration]bool{}}

	var personal *time.Time
	if remainingSeconds != nil {
		t := now.Add(time.Duration(*remainingSeconds) * time.Second)
		personal = &t
	} else if exam.TimeLimitSeconds != nil {
		t := now.Add(time.Duration(*exam.TimeLimitSeconds) * time.Second)
		personal = &t
	}

	switch {
	case exam.TimingMode == model.TimingFixedWindow && exam.EndAt != nil:
		end := *exam.EndAt
		c.windowEnd = &end
		c.timed = true
		c.deadline = end
		if personal != nil && personal.Before(end) {
			c.deadline = *personal
		}
	case personal != nil:
		c.timed = true
		c.deadline = *personal
	}

	if c.timed {
		rem := c.deadline.Sub(now)
		for _, th := range warnAt {
			if rem <= th {
				c.warned[th] = true
			}
		}
	}
	return c
}

// Remaining returns the time left; ok is false for untimed exams.
func (c *countdown) Remaining(now time.Time) (rem time.Duration, ok bool) {
	if !c.timed {
		return 0, false
	}
	rem = c.deadline.Sub(now)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// RemainingSeconds rounds up so "0" only appears once time is really up.
func (c *countdown) RemainingSeconds(now time.Time) *int {
	rem, ok := c.Remaining(now)
	if !ok {
		return nil
	}
	secs := int((rem + time.Second - 1) / time.Second)
	return &secs
}

// Tick reports whether time ran out on this tick (true exactly once) and which
// warning thresholds were crossed.
func (c *countdown) Tick(now time.Time) (timeUp bool, warnings []time.Duration) {
	rem, ok := c.Remaining(now)
	if !ok || c.fired {
		return false, nil
	}
	if rem <= 0 {
		c.fired = true
		return true, nil
	}
	for _, th := range warnAt {
		if !c.warned[th] && rem <= th {
			c.warned[th] = true
			warnings = append(warnings, th)
		}
	}
	return false, warnings
}

// PastWindow is the wall-clock guard: true once a FIXED_WINDOW exam's shared
// end instant has passed, whatever the countdown believes.
func (c *countdown) PastWindow(now time.Time) bool {
	return c.windowEnd != nil && now.After(*c.windowEnd)
}

// Expired reports whether a timed exam has no time left.
func (c *countdown) Expired(now time.Time) bool {
	rem, ok := c.Remaining(now)
	return ok && rem <= 0
}
