// Package cache provides a bounded LRU cache whose entries also expire after a
// fixed time-to-live. It holds hot account data keyed by account id or
// address.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrInvalidCapacity is returned when a cache is created with no room.
	ErrInvalidCapacity = errors.New("cache: capacity must be positive")

	// ErrInvalidTTL is returned for a negative time-to-live.
	ErrInvalidTTL = errors.New("cache: ttl must not be negative")
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_cache_hit_total",
		Help: "The number of lookups served from the cache.",
	}, []string{"cache"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_cache_miss_total",
		Help: "The number of lookups that found no live entry.",
	}, []string{"cache"})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_cache_eviction_total",
		Help: "The number of entries evicted to make room.",
	}, []string{"cache"})
	cacheExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletctl_cache_expiration_total",
		Help: "The number of entries dropped after their ttl.",
	}, []string{"cache"})
)

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	Capacity    int
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

type entry[V any] struct {
	value      V
	lastAccess time.Time
	expiresAt  time.Time
}

// Cache is an LRU cache with per-entry expiry. All methods are safe for
// concurrent use; every operation, including the recency update in Get, runs
// under one mutex so the size never exceeds capacity.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, *entry[V]]
	capacity int
	ttl      time.Duration
	clock    clock.Clock

	stats Metrics

	hits, misses, evictions, expirations prometheus.Counter
}

// New creates a cache named name holding at most capacity entries. A zero
// ttl disables expiry. A nil clk uses the system clock.
func New[K comparable, V any](name string, capacity int, ttl time.Duration, clk clock.Clock) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if ttl < 0 {
		return nil, ErrInvalidTTL
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	l, err := simplelru.NewLRU[K, *entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{
		lru:         l,
		capacity:    capacity,
		ttl:         ttl,
		clock:       clk,
		hits:        cacheHits.WithLabelValues(name),
		misses:      cacheMisses.WithLabelValues(name),
		evictions:   cacheEvictions.WithLabelValues(name),
		expirations: cacheExpirations.WithLabelValues(name),
	}, nil
}

// Get returns the live value for key and marks it most recently used. An
// expired entry counts as a miss and is removed.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.miss()
		return zero, false
	}
	now := c.clock.Now()
	if c.expired(e, now) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.expirations.Inc()
		c.miss()
		return zero, false
	}
	e.lastAccess = now
	c.stats.Hits++
	c.hits.Inc()
	return e.value, true
}

// Peek returns the live value for key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || c.expired(e, c.clock.Now()) {
		return zero, false
	}
	return e.value, true
}

// Put inserts or replaces key. Inserting a new key into a full cache evicts
// the least recently used entry. It reports whether an eviction happened.
func (c *Cache[K, V]) Put(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e := &entry[V]{value: value, lastAccess: now}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
	}
	evicted := c.lru.Add(key, e)
	if evicted {
		c.stats.Evictions++
		c.evictions.Inc()
	}
	return evicted
}

// Invalidate drops key. It reports whether the key was present.
func (c *Cache[K, V]) Invalidate(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// InvalidateFunc drops every entry whose key satisfies match.
func (c *Cache[K, V]) InvalidateFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range c.lru.Keys() {
		if match(k) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Clear empties the cache. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.expired(e, now) {
			c.lru.Remove(k)
			n++
		}
	}
	c.stats.Expirations += uint64(n)
	c.expirations.Add(float64(n))
	return n
}

// Len returns the number of entries, including expired ones not yet removed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.stats
	m.Size = c.lru.Len()
	m.Capacity = c.capacity
	return m
}

func (c *Cache[K, V]) miss() {
	c.stats.Misses++
	c.misses.Inc()
}

// expired reports whether e is past its deadline. An entry is still live at
// exactly expiresAt.
func (c *Cache[K, V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.After(e.expiresAt)
}
