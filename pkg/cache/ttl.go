// Package cache provides a generic thread-safe TTL cache.
//
// The sync engine keeps aggregate sample windows here and the notifier uses it to
// suppress duplicate notifications. Entries expire lazily on access and eagerly in a
// background sweep.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/timestamp"
)

// EvictCallback receives expired or deleted entries
type EvictCallback[V any] func(key string, value V)

// Stats counts cache activity
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

type entry[V any] struct {
	value     V
	expiresAt int64
}

// TTL is a string-keyed cache whose entries expire ttl after their last Set/Update
type TTL[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry[V]
	clock timestamp.Clock

	onEvict EvictCallback[V]
	metrics *cacheMetrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	done chan struct{}
	once sync.Once
}

// Option configures a TTL cache
type Option[V any] func(*TTL[V])

// WithClock replaces the wall clock, used for deterministic tests
func WithClock[V any](c timestamp.Clock) Option[V] {
	return func(t *TTL[V]) { t.clock = c }
}

// WithEvictCallback sets a callback fired outside the lock on eviction
func WithEvictCallback[V any](fn func(key string, value V)) Option[V] {
	return func(t *TTL[V]) { t.onEvict = fn }
}

// WithMetrics exports hit/miss counters under prefix
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(t *TTL[V]) {
		if registry != nil && prefix != "" {
			t.metrics = newCacheMetrics(registry, prefix)
		}
	}
}

// NewTTL creates a cache. A positive sweep interval starts a background cleanup that
// stops with ctx or Close.
func NewTTL[V any](ctx context.Context, ttl, sweep time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}

	c := &TTL[V]{
		ttl:   ttl,
		items: make(map[string]entry[V]),
		clock: timestamp.SystemClock{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if sweep > 0 {
		go c.sweepLoop(ctx, sweep)
	}
	return c, nil
}

// Get returns a live value
func (c *TTL[V]) Get(key string) (V, bool) {
	now := c.clock.NowMs()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expiresAt <= now {
		delete(c.items, key)
		c.mu.Unlock()
		c.evicted(key, e.value)
		ok = false
	} else {
		c.mu.Unlock()
	}

	if !ok {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return e.value, true
}

// Set stores value and resets its expiry
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.deadline()}
	c.mu.Unlock()
	return nil
}

// Update atomically replaces the value for key with fn(current, found) and resets expiry
func (c *TTL[V]) Update(key string, fn func(current V, found bool) V) (V, error) {
	if key == "" {
		var zero V
		return zero, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Update", "key cannot be empty")
	}
	now := c.clock.NowMs()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expiresAt <= now {
		ok = false
		var zero V
		e.value = zero
	}
	next := fn(e.value, ok)
	c.items[key] = entry[V]{value: next, expiresAt: c.deadline()}
	c.mu.Unlock()
	return next, nil
}

// SetIfAbsent stores value only when key has no live entry and reports whether it did
func (c *TTL[V]) SetIfAbsent(key string, value V) bool {
	now := c.clock.NowMs()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok && e.expiresAt > now {
		return false
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.deadline()}
	return true
}

// Delete removes key and reports whether it was present
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()
	return ok
}

// Size returns the entry count, including not yet swept expired entries
func (c *TTL[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep removes expired entries and returns how many were removed
func (c *TTL[V]) Sweep() int {
	now := c.clock.NowMs()

	type kv struct {
		key   string
		value V
	}
	var expired []kv

	c.mu.Lock()
	for k, e := range c.items {
		if e.expiresAt <= now {
			expired = append(expired, kv{k, e.value})
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.evicted(e.key, e.value)
	}
	return len(expired)
}

// Stats returns counters
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Size(),
	}
}

// Close stops the background sweep
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *TTL[V]) deadline() int64 {
	return c.clock.NowMs() + c.ttl.Milliseconds()
}

func (c *TTL[V]) evicted(key string, value V) {
	c.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

func (c *TTL[V]) sweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) *cacheMetrics {
	m := &cacheMetrics{
		hits:      prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_hits_total", Help: "Cache hits"}),
		misses:    prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_misses_total", Help: "Cache misses"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_evictions_total", Help: "Expired entries removed"}),
	}
	_ = registry.RegisterCounter("cache", prefix+"_hits_total", m.hits)
	_ = registry.RegisterCounter("cache", prefix+"_misses_total", m.misses)
	_ = registry.RegisterCounter("cache", prefix+"_evictions_total", m.evictions)
	return m
}
