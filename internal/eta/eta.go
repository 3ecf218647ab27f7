package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that can estimate drive time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// gridScale snaps coordinates to roughly 11 m cells so a driver creeping
// toward pickup keeps hitting the same entry.
const gridScale = 1e4

// maxEntries bounds the cache; expired entries are swept when it fills.
const maxEntries = 50_000

type cellKey struct{ fromLat, fromLon, toLat, toLon int64 }

func keyFor(a, b models.Coord) cellKey {
	snap := func(v float64) int64 { return int64(math.Round(v * gridScale)) }
	return cellKey{snap(a.Lat), snap(a.Lon), snap(b.Lat), snap(b.Lon)}
}

// Cache holds routing answers for a short TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[cellKey]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[cellKey]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Coord, seconds float64) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxEntries {
		c.sweepLocked(now)
	}
	if len(c.entries) >= maxEntries {
		return
	}
	c.entries[keyFor(a, b)] = cacheEntry{seconds: seconds, expires: now.Add(c.ttl)}
}

func (c *Cache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EstimateSeconds is the straight-line fallback: distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator prefers the routing client, caches its answers, and falls back
// to the straight-line estimate when the client is absent or failing.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
