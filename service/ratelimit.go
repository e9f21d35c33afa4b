package service

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-session message counter. The window
// starts at the first message and resets once it elapses; no sliding.
type rateLimiter struct {
	mx      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, windowDur time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  windowDur,
		buckets: make(map[string]*window),
	}
}

func (rl *rateLimiter) allow(sessionID string) bool {
	return rl.allowAt(sessionID, time.Now())
}

func (rl *rateLimiter) allowAt(sessionID string, now time.Time) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mx.Lock()
	defer rl.mx.Unlock()

	w, ok := rl.buckets[sessionID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.buckets[sessionID] = &window{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

func (rl *rateLimiter) forget(sessionID string) {
	rl.mx.Lock()
	delete(rl.buckets, sessionID)
	rl.mx.Unlock()
}
