package transport

import "time"

// Backoff computes reconnect delays: Base doubled for each attempt, with a
// hard cap on the number of attempts. It is pure so the schedule can be
// tested without any I/O.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff retries five times starting at one second (1s, 2s, 4s, 8s, 16s).
var DefaultBackoff = Backoff{
	Base:        time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before reconnect attempt number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return b.Base << uint(attempt)
}

// Exhausted reports whether attempt exceeds the configured attempt cap.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
