// Package buffer provides a bounded, thread-safe ring buffer with overflow policies.
//
// The event bus keeps one Ring per topic. With DropNewest a full ring rejects the new
// item with ErrQueueFull, so publishers see back-pressure instead of unbounded growth.
// With DropOldest the oldest item is evicted and handed to the drop callback.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
)

// OverflowPolicy selects what happens when a full ring receives an item
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming item with ErrQueueFull
	DropNewest
)

// String returns the policy name
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string onto a policy, defaulting to DropNewest
func ParsePolicy(s string) OverflowPolicy {
	if s == "drop_oldest" {
		return DropOldest
	}
	return DropNewest
}

// Stats counts ring activity
type Stats struct {
	Writes  int64 `json:"writes"`
	Reads   int64 `json:"reads"`
	Dropped int64 `json:"dropped"`
	Size    int   `json:"size"`
}

// Option configures a Ring
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow behavior, DropNewest by default
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback is called outside the lock with every dropped item
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// WithMetrics exports depth and drops labelled by name
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix, name string) Option[T] {
	return func(r *Ring[T]) {
		if registry == nil || prefix == "" {
			return
		}
		r.metrics = sharedMetrics(registry, prefix)
		r.name = name
	}
}

// Ring is a fixed-capacity FIFO
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	closed bool

	policy  OverflowPolicy
	onDrop  func(T)
	ready   chan struct{}
	metrics *ringMetrics
	name    string

	writes  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

// NewRing creates a ring holding at most capacity items (minimum 1)
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		policy: DropNewest,
		ready:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push appends item according to the overflow policy
func (r *Ring[T]) Push(item T) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Push", "push to closed ring")
	}

	var evicted T
	didEvict := false
	if r.size == len(r.items) {
		if r.policy == DropNewest {
			r.mu.Unlock()
			r.recordDrop(item)
			return errors.ErrQueueFull
		}
		evicted = r.items[r.head]
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		didEvict = true
	}

	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	size := r.size
	r.mu.Unlock()

	r.writes.Add(1)
	if r.metrics != nil {
		r.metrics.depth.WithLabelValues(r.name).Set(float64(size))
	}
	if didEvict {
		r.recordDrop(evicted)
	}

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return nil
}

func (r *Ring[T]) recordDrop(item T) {
	r.dropped.Add(1)
	if r.metrics != nil {
		r.metrics.dropped.WithLabelValues(r.name).Inc()
	}
	if r.onDrop != nil {
		r.onDrop(item)
	}
}

// Pop removes the oldest item
func (r *Ring[T]) Pop() (T, bool) {
	batch := r.PopBatch(1)
	if len(batch) == 0 {
		var zero T
		return zero, false
	}
	return batch[0], true
}

// PopBatch removes up to max items in FIFO order
func (r *Ring[T]) PopBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	n := min(max, r.size)
	if n == 0 {
		r.mu.Unlock()
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = r.items[r.head]
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
	}
	r.size -= n
	size := r.size
	r.mu.Unlock()

	r.reads.Add(int64(n))
	if r.metrics != nil {
		r.metrics.depth.WithLabelValues(r.name).Set(float64(size))
	}
	return out
}

// Ready is signalled after a successful Push. It is a hint: consumers must still
// tolerate an empty PopBatch.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of queued items
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity
func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

// Stats returns ring counters
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Writes:  r.writes.Load(),
		Reads:   r.reads.Load(),
		Dropped: r.dropped.Load(),
		Size:    r.Len(),
	}
}

// Close rejects further pushes; queued items stay readable
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type ringMetrics struct {
	depth   *prometheus.GaugeVec
	dropped *prometheus.CounterVec
}

var (
	metricsMu    sync.Mutex
	metricsByReg = map[*metric.MetricsRegistry]map[string]*ringMetrics{}
)

// sharedMetrics returns one collector set per registry and prefix so every ring can
// label into it.
func sharedMetrics(registry *metric.MetricsRegistry, prefix string) *ringMetrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	byPrefix := metricsByReg[registry]
	if byPrefix == nil {
		byPrefix = make(map[string]*ringMetrics)
		metricsByReg[registry] = byPrefix
	}
	if m, ok := byPrefix[prefix]; ok {
		return m
	}

	m := &ringMetrics{
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the buffer",
		}, []string{"queue"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items dropped by the overflow policy",
		}, []string{"queue"}),
	}
	_ = registry.RegisterGaugeVec("buffer", prefix+"_queue_depth", m.depth)
	_ = registry.RegisterCounterVec("buffer", prefix+"_dropped_total", m.dropped)
	byPrefix[prefix] = m
	return m
}
