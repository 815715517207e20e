// Package ratelimit throttles confirmation creation per actor. Every
// check counts, including denied ones, so a client hammering past the
// limit keeps its window full instead of sliding under it.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports one admission decision. RetryAfter is how long the
// caller should wait before the window opens again; handlers surface it
// as the Retry-After response header.
type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(key string, limit int) Result
}

// InMemoryLimiter is a fixed-window counter keyed by actor. It backs a
// single gateway process and serves as the fallback when Redis is
// unreachable, so decisions here may be laxer than the fleet-wide ones.
type InMemoryLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	items     map[string]window
	lastSweep time.Time
}

type window struct {
	hits  int
	start time.Time
}

func NewInMemory(win time.Duration) *InMemoryLimiter {
	if win <= 0 {
		win = time.Minute
	}
	return &InMemoryLimiter{
		window: win,
		items:  make(map[string]window),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Result {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	w, ok := l.items[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = window{start: now}
	}
	w.hits++
	l.items[key] = w
	resetAt := w.start.Add(l.window)
	remaining := limit - w.hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   w.hits <= limit,
		Count:     w.hits,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res
}

// sweep drops expired windows at most once per window length, keeping
// Allow amortized O(1) even with high key cardinality.
func (l *InMemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, w := range l.items {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.items, k)
		}
	}
}
