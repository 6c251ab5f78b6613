// Package providers supplies the market-context inputs the decision engine
// consumes: ATR-based volatility, funding, hold-time and trader correlation.
// Providers never surface fetch errors to callers; they degrade to typed
// fallback values carrying a source discriminator.
package providers

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value V
	at    time.Time
}

// ttlCache is the one cache primitive every provider shares:
// key -> (value, updated_ts) checked against a fixed TTL.
type ttlCache[V any] struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheEntry[V]
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, m: make(map[string]cacheEntry[V])}
}

func (c *ttlCache[V]) get(key string, now time.Time) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[key]
	if !ok || now.Sub(e.at) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[V]) put(key string, v V, now time.Time) {
	c.mu.Lock()
	c.m[key] = cacheEntry[V]{value: v, at: now}
	c.mu.Unlock()
}

func (c *ttlCache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
