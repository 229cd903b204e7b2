package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a populated entry stays servable.
const DefaultTTL = 2 * time.Hour

var (
	// ErrComputePanicked is returned to every waiter when compute panics.
	ErrComputePanicked = errors.New("cache compute panicked")
)

// Entry is one cached value and its freshness window.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry may still be served at now.
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Before(e.CreatedAt.Add(e.TTL))
}

// Cache is a concurrency-safe in-memory TTL cache. Concurrent misses on the
// same key share a single compute.
type Cache[V any] struct {
	mu sync.RWMutex

	entries map[string]Entry[V]
	flights singleflight.Group

	clock      clockwork.Clock
	ttl        time.Duration
	maxEntries int // 0 = unlimited
}

// New creates a Cache. ttl <= 0 falls back to DefaultTTL; a nil clock uses real time.
func New[V any](ttl time.Duration, maxEntries int, clock clockwork.Clock) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[V]{
		entries:    make(map[string]Entry[V]),
		clock:      clock,
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// TTL returns the default time-to-live.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if present and fresh. Stale entries are
// evicted on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if !e.Fresh(now) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced it.
		if cur, ok := c.entries[key]; ok && !cur.Fresh(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()

		var zero V
		return zero, false
	}
	return e.Value, true
}

// Lookup returns the raw entry regardless of freshness.
func (c *Cache[V]) Lookup(key string) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	return e, ok
}

// Set stores value under key, replacing any previous entry wholesale.
// ttl <= 0 uses the cache default.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry[V]{
		Key:       key,
		Value:     value,
		CreatedAt: c.clock.Now(),
		TTL:       ttl,
	}

	// Enforce retention by count, oldest first.
	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			c.evictOldestLocked()
		}
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts every stale entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !e.Fresh(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

type flightResult[V any] struct {
	value V
	hit   bool
}

// GetOrCompute returns the fresh value for key, or runs compute to produce it.
// At most one compute per key is in flight; later callers attach to it.
// compute runs detached from ctx cancellation so other waiters still get a
// result if this caller goes away; ctx only bounds how long this caller waits.
// Errors are returned to every waiter and never cached.
func (c *Cache[V]) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func(ctx context.Context) (V, error),
) (V, bool, error) {
	var zero V

	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	computeCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (res any, err error) {
		// A flight that finished between our Get and DoChan already populated it.
		if v, ok := c.Get(key); ok {
			return flightResult[V]{value: v, hit: true}, nil
		}

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrComputePanicked, r)
			}
		}()

		v, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return flightResult[V]{value: v}, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, false, r.Err
		}
		fr, ok := r.Val.(flightResult[V])
		if !ok {
			return zero, false, fmt.Errorf("unexpected flight result type %T", r.Val)
		}
		return fr.value, fr.hit, nil
	}
}

func (c *Cache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.CreatedAt.Before(oldestAt) || (e.CreatedAt.Equal(oldestAt) && k < oldestKey) {
			oldestKey, oldestAt, found = k, e.CreatedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
