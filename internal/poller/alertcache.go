package poller

import (
	"sync"
	"time"
)

// alertCache rate-limits threshold alerts: while a sensor stays out of range
// it keeps violating on every poll, but the external notification layer only
// needs to hear about it once per TTL window.
type alertCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newAlertCache(ttl time.Duration) *alertCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &alertCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// shouldEmit reports whether an alert for the key may fire now, and records
// the firing when it may.
func (c *alertCache) shouldEmit(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[key] = now
	return true
}

// clear forgets a key so the next violation alerts immediately. Called when
// a reading returns to range.
func (c *alertCache) clear(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}
