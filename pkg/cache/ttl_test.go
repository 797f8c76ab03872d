package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/pkg/timestamp"
)

func newTestCache(t *testing.T, clock *timestamp.FakeClock, opts ...Option[int]) *TTL[int] {
	t.Helper()
	opts = append(opts, WithClock[int](clock))
	c, err := NewTTL[int](context.Background(), 5*time.Second, 0, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestTTL_GetSetExpire(t *testing.T) {
	clock := timestamp.NewFakeClock(1_000)
	c := newTestCache(t, clock)

	require.NoError(t, c.Set("a", 1))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(4999 * time.Millisecond)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestTTL_Update(t *testing.T) {
	clock := timestamp.NewFakeClock(0)
	c := newTestCache(t, clock)

	add := func(cur int, found bool) int {
		if !found {
			return 1
		}
		return cur + 1
	}

	for i := 0; i < 3; i++ {
		_, err := c.Update("k", add)
		require.NoError(t, err)
	}
	v, _ := c.Get("k")
	assert.Equal(t, 3, v)

	clock.Advance(10 * time.Second)
	v, err := c.Update("k", add)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "expired entry restarts from scratch")

	_, err = c.Update("", add)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTL_SetIfAbsent(t *testing.T) {
	clock := timestamp.NewFakeClock(0)
	c := newTestCache(t, clock)

	assert.True(t, c.SetIfAbsent("n", 1))
	assert.False(t, c.SetIfAbsent("n", 2))
	clock.Advance(6 * time.Second)
	assert.True(t, c.SetIfAbsent("n", 3))
}

func TestTTL_SweepCallsEvict(t *testing.T) {
	clock := timestamp.NewFakeClock(0)
	var evicted []string
	c := newTestCache(t, clock, WithEvictCallback(func(k string, _ int) { evicted = append(evicted, k) }))

	require.NoError(t, c.Set("a", 1))
	clock.Advance(time.Second)
	require.NoError(t, c.Set("b", 2))
	clock.Advance(4500 * time.Millisecond)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, 1, c.Size())
	assert.True(t, c.Delete("b"))
	assert.False(t, c.Delete("b"))
}

func TestNewTTL_Invalid(t *testing.T) {
	_, err := NewTTL[int](context.Background(), 0, 0)
	assert.True(t, errors.IsInvalid(err))

	c := newTestCache(t, timestamp.NewFakeClock(0))
	assert.Error(t, c.Set("", 1))
}
