// Package ratelimit provides a fixed-window rate limiter keyed by an
// arbitrary string (client IP, agent key).
package ratelimit

import (
	"sync"
	"time"
)

// Keyed allows rate requests per window for each key independently.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	window  time.Duration
}

type window struct {
	count int
	start time.Time
}

// NewKeyed creates a limiter allowing rate requests per window per key.
func NewKeyed(rate int, win time.Duration) *Keyed {
	return &Keyed{
		windows: make(map[string]*window),
		rate:    rate,
		window:  win,
	}
}

// Allow returns true if the key is within its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	w, ok := k.windows[key]
	if !ok || now.Sub(w.start) > k.window {
		k.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= k.rate
}

// Prune removes keys whose window has expired. Call periodically to bound
// memory.
func (k *Keyed) Prune() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
		}
	}
}
