package session

import "time"

// navThrottle coalesces repeats of the same (from, to) transition inside the
// window; distinct transitions always pass.
type navThrottle struct {
	window time.Duration
	seen   map[[2]int]time.Time
}

func (n *navThrottle) Allow(from, to int, now time.Time) bool {
	if n.seen == nil {
		n.seen = map[[2]int]time.Time{}
	}
	for k, at := range n.seen {
		if now.Sub(at) >= n.window {
			delete(n.seen, k)
		}
	}
	key := [2]int{from, to}
	if _, ok := n.seen[key]; ok {
		return false
	}
	n.seen[key] = now
	return true
}

func navDirection(from, to, review int) string {
	switch {
	case to == review:
		return "review"
	case to == from+1:
		return "forward"
	case to == from-1:
		return "back"
	default:
		return "jump"
	}
}
