package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/metric"
)

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, int) error { return nil }

	p := NewPool(0, 0, noop)
	assert.Equal(t, 10, p.workers)
	assert.Equal(t, 1000, p.queueSize)

	assert.Panics(t, func() { NewPool[int](1, 1, nil) })
}

func TestPool_ProcessesAllWork(t *testing.T) {
	var sum atomic.Int64
	p := NewPool(4, 100, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	for i := 1; i <= 50; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(1275), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrPoolAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second))
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Submit(1))
	// wait until the worker holds item 1 so the queue slot is free again
	require.Eventually(t, func() bool { return len(p.workChan) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))

	assert.ErrorIs(t, p.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_TaskTimeoutAndErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var failures []error

	p := NewPool(1, 10, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	},
		WithTaskTimeout[int](10*time.Millisecond),
		WithErrorHandler(func(_ int, err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}),
	)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0], context.DeadlineExceeded))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1, 10, func(_ context.Context, n int) error {
		if n == 1 {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p := NewPool(1, 10, func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "notify_pool"))
	require.NotNil(t, p.metrics)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "notify_pool_submitted_total" {
			found = true
		}
	}
	assert.True(t, found)
}
