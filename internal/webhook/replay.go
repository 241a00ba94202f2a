package webhook

import (
	"sync"
	"time"
)

// DefaultReplayWindow is how long a delivery id is remembered
const DefaultReplayWindow = 5 * time.Minute

// DeliveryCache remembers recently accepted delivery ids
type DeliveryCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	window    time.Duration
	lastSweep time.Time
	timeNow   func() time.Time
}

// NewDeliveryCache creates a cache remembering ids for window
func NewDeliveryCache(window time.Duration) *DeliveryCache {
	return NewDeliveryCacheWithClock(window, time.Now)
}

// NewDeliveryCacheWithClock creates a cache with an injectable clock (for testing)
func NewDeliveryCacheWithClock(window time.Duration, timeNow func() time.Time) *DeliveryCache {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &DeliveryCache{
		seen:      make(map[string]time.Time),
		window:    window,
		lastSweep: timeNow(),
		timeNow:   timeNow,
	}
}

// CheckAndStore records id and reports whether it was new
func (c *DeliveryCache) CheckAndStore(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	if now.Sub(c.lastSweep) >= c.window {
		c.sweepLocked(now)
	}

	if at, ok := c.seen[id]; ok && now.Sub(at) < c.window {
		return false
	}
	c.seen[id] = now
	return true
}

// Sweep drops expired ids and returns how many were removed
func (c *DeliveryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.timeNow())
}

// Len returns the number of remembered ids
func (c *DeliveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DeliveryCache) sweepLocked(now time.Time) int {
	removed := 0
	for id, at := range c.seen {
		if now.Sub(at) >= c.window {
			delete(c.seen, id)
			removed++
		}
	}
	c.lastSweep = now
	return removed
}
