// Package cache memoizes the most recent successful fetch of slowly changing
// upstream resources for a bounded time.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// Lookup results reported to metrics
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultBypass = "bypass"
	ResultStale  = "stale"
)

// FetchFunc loads the current value from the source of truth
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configures a Cache
type Options struct {
	// TTL is how long a fetched value may be served. Required.
	TTL time.Duration
	// ServeStaleOnError returns the last known value when a fetch fails
	// instead of the fetch error
	ServeStaleOnError bool
	// Now overrides the clock, for tests
	Now func() time.Time
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
	// gen orders fetches by when they started
	gen uint64
}

// Cache is a keyed TTL cache. The zero value is not usable; use New.
type Cache[T any] struct {
	ttl        time.Duration
	serveStale bool
	now        func() time.Time
	logger     *logger.ComponentLogger

	mu      sync.RWMutex
	entries map[string]entry[T]
	gen     uint64

	group singleflight.Group
}

// New creates an empty cache
func New[T any](opts Options) (*Cache[T], error) {
	if opts.TTL <= 0 {
		return nil, errors.New("cache: ttl must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache[T]{
		ttl:        opts.TTL,
		serveStale: opts.ServeStaleOnError,
		now:        opts.Now,
		logger:     logger.Get().WithComponent("cache"),
		entries:    make(map[string]entry[T]),
	}, nil
}

// Get returns the value stored under key when useCache is set and the entry
// is younger than the TTL. Otherwise it calls fetch and stores the result.
//
// Concurrent misses on the same key share one fetch. A bypass
// (useCache=false) always runs its own fetch. A failed fetch never changes
// the stored entry.
func (c *Cache[T]) Get(ctx context.Context, key string, useCache bool, fetch FetchFunc[T]) (T, error) {
	if useCache {
		if v, ok := c.fresh(key); ok {
			metrics.RecordCacheLookup(key, ResultHit)
			return v, nil
		}
		metrics.RecordCacheLookup(key, ResultMiss)
		return c.fetchShared(ctx, key, fetch)
	}

	metrics.RecordCacheLookup(key, ResultBypass)
	v, err := c.fetchAndStore(ctx, key, fetch)
	if err != nil {
		return c.onFetchError(ctx, key, err)
	}
	return v, nil
}

// FetchedAt reports when the entry under key was last refreshed
func (c *Cache[T]) FetchedAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

// TTL returns the configured lifetime of an entry
func (c *Cache[T]) TTL() time.Duration {
	return c.ttl
}

func (c *Cache[T]) fresh(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *Cache[T]) fetchShared(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	// The shared fetch must not die with whichever caller happened to start
	// it; the transport timeout bounds it instead.
	shared := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetchAndStore(shared, key, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.onFetchError(ctx, key, res.Err)
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Cache[T]) fetchAndStore(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	started := c.now()

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}

	// An entry from a fetch that started later is kept even if this one
	// finishes last. The TTL counts from the start of the fetch.
	c.mu.Lock()
	if cur, ok := c.entries[key]; !ok || gen > cur.gen {
		c.entries[key] = entry[T]{value: v, fetchedAt: started, gen: gen}
	}
	c.mu.Unlock()

	return v, nil
}

func (c *Cache[T]) onFetchError(ctx context.Context, key string, err error) (T, error) {
	metrics.RecordCacheFetchError(key)
	log := c.logger.WithContext(ctx)

	if c.serveStale {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()

		if ok {
			metrics.RecordCacheLookup(key, ResultStale)
			log.Warn("fetch failed, serving stale value", logger.Fields{
				"key":        key,
				"fetched_at": e.fetchedAt.UTC().Format(time.RFC3339),
				"error":      err.Error(),
			})
			return e.value, nil
		}
	}

	log.Warn("fetch failed", logger.Fields{
		"key":   key,
		"error": err.Error(),
	})
	var zero T
	return zero, err
}
