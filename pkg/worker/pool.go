// Package worker provides a bounded generic worker pool. Rule actions with external side
// effects (notifications, event sink publishes) run here so a slow channel never blocks
// the write path.
//
// Submit never blocks: when the queue is at capacity it returns ErrQueueFull and the
// caller decides whether to drop, count or retry.
//
//	pool := worker.NewPool(4, 256, sendNotification,
//	    worker.WithTaskTimeout[Notification](5*time.Second))
//	_ = pool.Start(ctx)
//	defer pool.Stop(10 * time.Second)
//
//	if err := pool.Submit(n); errors.Is(err, worker.ErrQueueFull) {
//	    // back-pressure
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/metric"
)

// Sentinel errors for pool operations
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Pool processes work items of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers     int
	queueSize   int
	processor   func(context.Context, T) error
	taskTimeout time.Duration
	onError     func(T, error)

	workChan chan T
	wg       sync.WaitGroup
	metrics  *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	prefix   string
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// WithTaskTimeout bounds each processor call with a context deadline
func WithTaskTimeout[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) {
		p.taskTimeout = d
	}
}

// WithErrorHandler is called with every failed work item
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a queue of 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.metrics = newPoolMetrics(p.registry, p.prefix)
	}
	return p
}

func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) *poolMetrics {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Current worker pool queue depth",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Work items accepted by the pool",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Work items rejected because the queue was full",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
	}

	_ = registry.RegisterGauge("worker_pool", prefix+"_queue_depth", m.queueDepth)
	_ = registry.RegisterCounter("worker_pool", prefix+"_submitted_total", m.submitted)
	_ = registry.RegisterCounter("worker_pool", prefix+"_dropped_total", m.dropped)
	_ = registry.RegisterHistogramVec("worker_pool", prefix+"_processing_duration_seconds", m.duration)
	return m
}

// Submit enqueues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers; they exit when ctx ends or Stop drains the queue
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats is a point-in-time view of pool counters
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current counters
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.call(ctx, work)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
		if p.onError != nil {
			p.onError(work, err)
		}
	}
	if p.metrics != nil {
		p.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

func (p *Pool[T]) call(ctx context.Context, work T) (err error) {
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return p.processor(ctx, work)
}
