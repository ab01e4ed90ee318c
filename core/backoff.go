package core

import "time"

// ReconnectBackoff computes an exponential-with-ceiling delay schedule,
// min(baseMillis*2^(attempt-1), cap) with attempt counted from 1, plus an
// attempt budget. The kv-store queue poller waits on it after a transient
// connection error, both queue backends use it to space out job retries,
// and the notification listener checks its attempt budget.
type ReconnectBackoff struct {
	Base time.Duration
	Cap  time.Duration
	Max  int // maximum attempts before giving up; 0 means unlimited
}

// Delay returns the backoff duration for the given attempt number
// (1-indexed).
func (b ReconnectBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether the given attempt count has used up the
// configured attempt budget.
func (b ReconnectBackoff) Exhausted(attempt int) bool {
	return b.Max > 0 && attempt > b.Max
}

// DefaultListenerBackoff matches spec.md §4.F exactly: 1s base, 30s
// ceiling, 10 attempts.
func DefaultListenerBackoff(maxAttempts int) ReconnectBackoff {
	return ReconnectBackoff{
		Base: 1 * time.Second,
		Cap:  30 * time.Second,
		Max:  maxAttempts,
	}
}
