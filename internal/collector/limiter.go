package collector

import "time"

// rateLimiter throttles the generic tracking path to one event per window.
// Leading edge allowed, trailing edge suppressed: the first call in a window
// passes, later calls in the same window are dropped, not delayed.
type rateLimiter struct {
	window    time.Duration
	windowEnd time.Time
}

func newRateLimiter(window time.Duration) rateLimiter {
	return rateLimiter{window: window}
}

// allow reports whether a call at now may proceed, opening a new window when
// the previous one has elapsed.
func (l *rateLimiter) allow(now time.Time) bool {
	if now.Before(l.windowEnd) {
		return false
	}
	l.windowEnd = now.Add(l.window)
	return true
}
