package eta

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const defaultSpeedKmh = 30.0

// Route is what a routing provider returns for a driver->destination leg.
type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationSec float64 `json:"duration_sec"`
	Polyline    string  `json:"polyline,omitempty"`
}

// Router is the interface used by the position service to enrich broadcasts.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory TTL cache.
type Cache[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{store: make(map[string]cacheEntry[V]), ttl: ttl, now: time.Now}
}

// Get returns cached value and true if present and not expired.
func (c *Cache[V]) Get(k string) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	var zero V
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return zero, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(k string, v V) {
	c.mu.Lock()
	c.store[k] = cacheEntry[V]{v: v, ts: c.now()}
	c.mu.Unlock()
}

func (c *Cache[V]) Delete(k string) {
	c.mu.Lock()
	delete(c.store, k)
	c.mu.Unlock()
}

// EstimateMinutes is the straight-line ETA proxy: distance / average speed.
func EstimateMinutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = defaultSpeedKmh
	}
	return distanceKm / speedKmh * 60
}
