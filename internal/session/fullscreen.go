package session

import "time"

// fullscreenGuard tracks fullscreen state for proctored sessions. Every state
// change it requests or observes arms the shared transition window.
type fullscreenGuard struct {
	window    *transitionWindow
	active    bool
	supported bool
	modalOpen bool
}

// Request arms the window ahead of the browser's fullscreenchange event.
func (g *fullscreenGuard) Request(now time.Time) Effect {
	g.window.Arm(now)
	return RequestFullscreen{}
}

// Observe records a fullscreenchange and reports whether it was an exit.
func (g *fullscreenGuard) Observe(now time.Time, active bool) (exited bool) {
	g.window.Arm(now)
	exited = g.active && !active
	g.active = active
	return exited
}
