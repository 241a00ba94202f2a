// Package ratelimit implements a per-key fixed-window request counter.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow = 15 * time.Minute
	DefaultMax    = 100
)

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per client key inside a fixed window. State is
// in-process only; staleness is bounded by one window width.
type Limiter struct {
	max     int
	window  time.Duration
	mu      sync.Mutex
	windows map[string]*window
	timeNow func() time.Time
}

// NewLimiter creates a limiter with real time
func NewLimiter(max int, width time.Duration) *Limiter {
	return NewLimiterWithClock(max, width, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(max int, width time.Duration, timeNow func() time.Time) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if width <= 0 {
		width = DefaultWindow
	}
	return &Limiter{
		max:     max,
		window:  width,
		windows: make(map[string]*window),
		timeNow: timeNow,
	}
}

// current returns the live window for key, starting a new one if the
// previous expired. Caller holds mu.
func (l *Limiter) current(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	return w
}

// Allow records a request for key and reports whether it fits in the
// active window
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(key, l.timeNow())
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Remaining returns how many requests key may still make in the active window
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(key, l.timeNow())
	return l.max - w.count
}

// ResetAt returns when the active window for key ends
func (l *Limiter) ResetAt(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(key, l.timeNow())
	return w.start.Add(l.window)
}

// Max returns the per-window cap
func (l *Limiter) Max() int {
	return l.max
}

// Sweep drops expired windows and returns how many were removed
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
