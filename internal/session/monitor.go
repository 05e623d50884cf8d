package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// transitionWindow is the signal shared by the fullscreen guard and the
// visibility monitor. The guard arms it whenever fullscreen state changes (or
// is requested); while armed, visibility changes are treated as side effects
// of that transition.
type transitionWindow struct {
	length time.Duration
	until  time.Time
}

func (w *transitionWindow) Arm(now time.Time) {
	w.until = now.Add(w.length)
}

func (w *transitionWindow) Armed(now time.Time) bool {
	return now.Before(w.until)
}

type hideVerdict int

const (
	hideCounted hideVerdict = iota
	hideDuringTransition
	hideWhileFullscreen
	hideDebounced
)

type returnVerdict int

const (
	returnIgnored returnVerdict = iota
	returnLogOnly
	returnWarn
	returnForce
)

type returnDecision struct {
	verdict   returnVerdict
	remaining int
	blocked   bool
}

// visibilityMonitor counts genuine switches away from the exam tab.
// tabSwitches never decreases.
type visibilityMonitor struct {
	window        *transitionWindow
	debounce      time.Duration
	tabSwitches   int
	lastSwitchAt  time.Time
	awayPending   bool
	forcedPending bool
}

func (v *visibilityMonitor) OnHidden(now time.Time, fullscreenActive bool) hideVerdict {
	if v.window.Armed(now) {
		return hideDuringTransition
	}
	// A hidden document cannot be fullscreen; the event is an artefact.
	if fullscreenActive {
		return hideWhileFullscreen
	}
	if !v.lastSwitchAt.IsZero() && now.Sub(v.lastSwitchAt) < v.debounce {
		return hideDebounced
	}
	v.tabSwitches++
	v.lastSwitchAt = now
	v.awayPending = true
	return hideCounted
}

func (v *visibilityMonitor) OnVisible(now time.Time, fullscreenActive bool, p model.ProctoringConfig) returnDecision {
	if v.window.Armed(now) || fullscreenActive {
		return returnDecision{verdict: returnIgnored}
	}
	if !v.awayPending || v.forcedPending {
		return returnDecision{verdict: returnIgnored}
	}
	v.awayPending = false

	switch {
	case p.BlockTabSwitch:
		v.forcedPending = true
		return returnDecision{verdict: returnForce, blocked: true}
	case p.MaxTabSwitches <= 0:
		return returnDecision{verdict: returnLogOnly}
	case v.tabSwitches >= p.MaxTabSwitches:
		v.forcedPending = true
		return returnDecision{verdict: returnForce}
	}
	return returnDecision{verdict: returnWarn, remaining: p.MaxTabSwitches - v.tabSwitches}
}
