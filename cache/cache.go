// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a capacity- and TTL-bounded cache that is filled in
// the background by a fixed pool of refresh workers. Callers never wait for
// an upstream lookup: a miss schedules at most one population per key and
// returns immediately.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FullPolicy selects what Get does when the refresh queue is full.
type FullPolicy string

const (
	// DropOnFull silently drops the refresh request. The caller sees a miss.
	DropOnFull FullPolicy = "drop"
	// BlockOnFull waits for queue space or for the caller's context.
	BlockOnFull FullPolicy = "block"
	// ErrorOnFull returns a RetryableError wrapping ErrRefreshQueueFull.
	ErrorOnFull FullPolicy = "error"
)

// PopulateFunc performs exactly one upstream lookup for key.
type PopulateFunc[K comparable, V any] func(ctx context.Context, key K) Population[V]

// Config holds cache settings.
type Config struct {
	Capacity   int
	TTL        time.Duration
	Workers    int
	QueueDepth int
	FullPolicy FullPolicy

	// Now overrides the clock used for freshness checks.
	Now func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Refreshes int64
	Dropped   int64
	Failures  int64
	Entries   int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a coalescing, TTL-bounded LRU cache. It is safe for concurrent use
// and is meant to be shared by pointer.
type Cache[K comparable, V any] struct {
	cfg      Config
	populate PopulateFunc[K, V]
	entries  *lru.Cache[K, entry[V]]
	queue    chan K
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[K]struct{}
	failures *lru.Cache[K, error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	refreshes atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// New creates a cache and starts its refresh workers.
func New[K comparable, V any](cfg Config, populate PopulateFunc[K, V], logger *slog.Logger) (*Cache[K, V], error) {
	if logger == nil {
		logger = slog.Default()
	}
	if populate == nil {
		return nil, fmt.Errorf("populate function cannot be nil")
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("cache refresh workers must be at least 1")
	}
	if cfg.QueueDepth < 1 {
		return nil, fmt.Errorf("cache refresh queue depth must be at least 1")
	}
	switch cfg.FullPolicy {
	case "":
		cfg.FullPolicy = DropOnFull
	case DropOnFull, BlockOnFull, ErrorOnFull:
	default:
		return nil, fmt.Errorf("unknown refresh full policy %q", cfg.FullPolicy)
	}

	entries, err := lru.New[K, entry[V]](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	// Unclaimed failures share the entry capacity bound.
	failures, err := lru.New[K, error](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure lru: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache[K, V]{
		cfg:      cfg,
		populate: populate,
		entries:  entries,
		queue:    make(chan K, cfg.QueueDepth),
		now:      now,
		logger:   logger,
		pending:  make(map[K]struct{}),
		failures: failures,
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	return c, nil
}

// Get returns the cached value for key.
//
// A fresh entry yields (value, true, nil). A missing or expired entry yields
// (zero, false, nil) and schedules a background population unless one is
// already in flight for key. If the last population for key failed, that
// failure is returned once as a *RetryableError or *FatalError and the next
// Get schedules a new population.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	if c.closed.Load() {
		return zero, false, ErrClosed
	}

	if e, ok := c.entries.Get(key); ok && c.now().Before(e.expiresAt) {
		c.hits.Add(1)
		return e.value, true, nil
	}
	c.misses.Add(1)

	c.mu.Lock()
	if err, ok := c.failures.Peek(key); ok {
		c.failures.Remove(key)
		c.mu.Unlock()
		return zero, false, err
	}
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return zero, false, nil
	}
	c.pending[key] = struct{}{}
	c.mu.Unlock()

	queued, err := c.schedule(ctx, key)
	if !queued {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}
	if err != nil {
		return zero, false, err
	}

	return zero, false, nil
}

// schedule puts key on the refresh queue according to the full-queue policy.
func (c *Cache[K, V]) schedule(ctx context.Context, key K) (bool, error) {
	select {
	case c.queue <- key:
		return true, nil
	default:
	}

	switch c.cfg.FullPolicy {
	case BlockOnFull:
		select {
		case c.queue <- key:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.ctx.Done():
			return false, ErrClosed
		}
	case ErrorOnFull:
		c.dropped.Add(1)
		return false, &RetryableError{Key: fmt.Sprint(key), Err: ErrRefreshQueueFull}
	default:
		c.dropped.Add(1)
		c.logger.Debug("cache refresh queue full, request dropped",
			slog.String("key", fmt.Sprint(key)),
			slog.Int("queue_depth", c.cfg.QueueDepth))
		return false, nil
	}
}

func (c *Cache[K, V]) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case key := <-c.queue:
			c.refresh(key)
		}
	}
}

// refresh runs one population for key and records its result.
func (c *Cache[K, V]) refresh(key K) {
	c.refreshes.Add(1)
	result := c.populate(c.ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)

	switch r := result.(type) {
	case Found[V]:
		c.entries.Add(key, entry[V]{value: r.Value, expiresAt: c.now().Add(c.cfg.TTL)})
	case Empty[V]:
		var zero V
		c.entries.Add(key, entry[V]{value: zero, expiresAt: c.now().Add(c.cfg.TTL)})
	case Retryable[V]:
		c.failed.Add(1)
		c.failures.Add(key, &RetryableError{Key: fmt.Sprint(key), Err: r.Err})
	case Fatal[V]:
		c.failed.Add(1)
		c.failures.Add(key, &FatalError{Key: fmt.Sprint(key), Err: r.Err})
	default:
		c.failed.Add(1)
		c.failures.Add(key, &FatalError{Key: fmt.Sprint(key), Err: fmt.Errorf("unknown population result %T", result)})
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Refreshes: c.refreshes.Load(),
		Dropped:   c.dropped.Load(),
		Failures:  c.failed.Load(),
		Entries:   c.entries.Len(),
	}
}

// Close stops the refresh workers. Pending refresh requests are discarded.
func (c *Cache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}
