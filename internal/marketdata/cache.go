package marketdata

import (
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// cacheEntry is the stored form of one fetched value. Freshness is always
// derived as now-fetchedAt < TTLFor(kind); nothing is ever evicted on expiry,
// expired entries simply stop serving the fresh path.
type cacheEntry struct {
	payload   Payload
	fetchedAt time.Time
}

// TieredCache is the in-memory store behind the fresh and stale read tiers.
// Key cardinality is naturally small (tens to low hundreds of symbols), so
// there is no size bound and no LRU; TTL governs freshness, not residency.
type TieredCache struct {
	mu      sync.RWMutex
	entries map[RequestKey]cacheEntry
	clock   Clock

	hits      int64
	staleHits int64
	misses    int64
}

// NewTieredCache creates an empty cache on the given clock
func NewTieredCache(clock Clock) *TieredCache {
	if clock == nil {
		clock = SystemClock()
	}
	return &TieredCache{
		entries: make(map[RequestKey]cacheEntry),
		clock:   clock,
	}
}

// Get returns the entry for key with its age and freshness verdict. fresh is
// true only while the age is inside the TTL for its kind.
func (c *TieredCache) Get(key RequestKey) (payload Payload, age time.Duration, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		observ.IncCounter("cache_misses_total", map[string]string{"kind": string(key.Kind)})
		return nil, 0, false, false
	}

	age = c.clock.Now().Sub(e.fetchedAt)
	fresh = age < TTLFor(key.Kind)
	if fresh {
		c.hits++
		observ.IncCounter("cache_hits_total", map[string]string{"kind": string(key.Kind), "tier": "fresh"})
	} else {
		c.misses++
		observ.IncCounter("cache_misses_total", map[string]string{"kind": string(key.Kind)})
	}
	return e.payload, age, fresh, true
}

// GetStale returns the entry regardless of age. TTL never gates this path;
// if the key exists at all the caller gets it, along with its age.
func (c *TieredCache) GetStale(key RequestKey) (payload Payload, age time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	c.staleHits++
	observ.IncCounter("cache_hits_total", map[string]string{"kind": string(key.Kind), "tier": "stale"})
	return e.payload, c.clock.Now().Sub(e.fetchedAt), true
}

// Set overwrites the entry for key, stamping the current time. Freshness of
// any previous entry is irrelevant; a successful fetch always wins.
func (c *TieredCache) Set(key RequestKey, payload Payload) {
	now := c.clock.Now()
	c.mu.Lock()
	c.entries[key] = cacheEntry{payload: payload, fetchedAt: now}
	size := len(c.entries)
	c.mu.Unlock()

	observ.SetGauge("cache_entries", float64(size), nil)
}

// Len reports the number of entries currently stored
func (c *TieredCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative hit/miss counters for the readiness endpoint
func (c *TieredCache) Stats() (hits, staleHits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.staleHits, c.misses
}
