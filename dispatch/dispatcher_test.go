package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/watchindex"
)

type evalFunc func(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error

func (f evalFunc) Evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error {
	return f(ctx, ref, key, value)
}

type calls struct {
	mu  sync.Mutex
	ids []string
}

func (c *calls) add(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func setup(t *testing.T, cfg Config) (*Dispatcher, *watchindex.Index, *pointstore.Store) {
	t.Helper()
	idx := watchindex.New()
	d := New(idx, cfg, metric.NewMetrics())
	store := pointstore.New(pointstore.NewMemoryBackend(), pointstore.WithHook(d))
	return d, idx, store
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	d, idx, store := setup(t, Config{})
	var alarm, syncs calls
	d.Register(watchindex.KindAlarm, evalFunc(func(_ context.Context, ref watchindex.RuleRef, _ point.Key, _ point.Value) error {
		alarm.add(ref.ID)
		return nil
	}))
	d.Register(watchindex.KindSync, evalFunc(func(_ context.Context, ref watchindex.RuleRef, _ point.Key, _ point.Value) error {
		syncs.add(ref.ID)
		return nil
	}))

	require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindAlarm, ID: "r1"}, "comsrv:ch1:measurement", "101"))
	require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindSync, ID: "r1"}, "comsrv:*:measurement", "*"))

	_, err := store.Write(context.Background(), point.MustParseKey("comsrv:ch1:measurement:101"), 90, point.QualityGood)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, alarm.ids)
	assert.Equal(t, []string{"r1"}, syncs.ids)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.Dispatches.WithLabelValues("alarm")))
}

func TestDispatcher_FailuresAndPanicsAreIsolated(t *testing.T) {
	d, idx, store := setup(t, Config{})
	var seen calls
	d.Register(watchindex.KindBusiness, evalFunc(func(_ context.Context, ref watchindex.RuleRef, _ point.Key, _ point.Value) error {
		seen.add(ref.ID)
		switch ref.ID {
		case "a":
			panic("boom")
		case "b":
			return fmt.Errorf("evaluation broke")
		case "c":
			return errors.ErrCooldownActive
		}
		return nil
	}))

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindBusiness, ID: id}, "x:y:measurement", "1"))
	}

	_, err := store.Write(context.Background(), point.MustParseKey("x:y:measurement:1"), 1, point.QualityGood)
	require.NoError(t, err, "rule failures never fail the write")
	assert.Equal(t, []string{"a", "b", "c", "d"}, seen.ids)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.ErrorsTotal.WithLabelValues("dispatcher", "panic")))
}

func TestDispatcher_CycleIsBroken(t *testing.T) {
	d, idx, store := setup(t, Config{})
	a := point.MustParseKey("ns:a:measurement:v")
	b := point.MustParseKey("ns:b:measurement:v")

	var chainErrs []error
	// a -> b and b -> a
	d.Register(watchindex.KindSync, evalFunc(func(ctx context.Context, _ watchindex.RuleRef, key point.Key, value point.Value) error {
		target := b
		if key == b {
			target = a
		}
		_, err := store.Write(ctx, target, value.Value, value.Quality)
		if err != nil {
			chainErrs = append(chainErrs, err)
		}
		return err
	}))
	require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindSync, ID: "ab"}, "ns:a:measurement", "v"))
	require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindSync, ID: "ba"}, "ns:b:measurement", "v"))

	_, err := store.Write(context.Background(), a, 7, point.QualityGood)
	require.NoError(t, err)

	require.Len(t, chainErrs, 1)
	assert.ErrorIs(t, chainErrs[0], errors.ErrDispatchCycle)

	got, err := store.Read(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Value)
}

func TestDispatcher_DepthLimit(t *testing.T) {
	d, idx, store := setup(t, Config{MaxDepth: 3})
	var depths []int
	var refused error

	// every write to ns:eN:measurement:v writes ns:e(N+1):measurement:v
	d.Register(watchindex.KindSync, evalFunc(func(ctx context.Context, _ watchindex.RuleRef, key point.Key, value point.Value) error {
		depths = append(depths, Depth(ctx))
		var n int
		_, _ = fmt.Sscanf(key.Entity, "e%d", &n)
		_, err := store.Write(ctx, point.MustParseKey(fmt.Sprintf("ns:e%d:measurement:v", n+1)), value.Value, value.Quality)
		if err != nil {
			refused = err
		}
		return err
	}))
	require.NoError(t, idx.Register(watchindex.RuleRef{Kind: watchindex.KindSync, ID: "next"}, "ns:*:measurement", "v"))

	_, err := store.Write(context.Background(), point.MustParseKey("ns:e0:measurement:v"), 1, point.QualityGood)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, depths)
	assert.ErrorIs(t, refused, errors.ErrDispatchCycle)

	got, err := store.Read(context.Background(), point.MustParseKey("ns:e3:measurement:v"))
	require.NoError(t, err)
	assert.Nil(t, got, "write beyond max depth is dropped")
}

func TestDepth_OutsideChain(t *testing.T) {
	assert.Equal(t, 0, Depth(context.Background()))
	d := New(watchindex.New(), Config{}, nil)
	assert.Equal(t, DefaultMaxDepth, d.MaxDepth())

	ctx, err := d.Admit(context.Background(), point.MustParseKey("a:b:measurement:c"))
	require.NoError(t, err)
	assert.Equal(t, 1, Depth(ctx))
}
