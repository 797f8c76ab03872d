package pointstore

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
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
)

type recordingHook struct {
	mu     sync.Mutex
	reject map[point.Key]error
	writes []WriteResult
}

func (h *recordingHook) Admit(ctx context.Context, key point.Key) (context.Context, error) {
	if err := h.reject[key]; err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (h *recordingHook) OnWrite(_ context.Context, key point.Key, old *point.Value, v point.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, WriteResult{Key: key, Old: old, New: v})
}

type failingBackend struct {
	*MemoryBackend
	err error
}

func (f failingBackend) Write(context.Context, point.Key, point.Value) (*point.Value, error) {
	return nil, f.err
}

type archiveRecorder struct {
	got []WriteResult
}

func (a *archiveRecorder) Archive(_ context.Context, res WriteResult) {
	a.got = append(a.got, res)
}

var key101 = point.MustParseKey("comsrv:ch1:measurement:101")

func TestStore_WriteHandsOldAndNewToHook(t *testing.T) {
	hook := &recordingHook{}
	clock := timestamp.NewFakeClock(1_000)
	s := New(NewMemoryBackend(), WithHook(hook), WithClock(clock))
	ctx := context.Background()

	res, err := s.Write(ctx, key101, 90, point.QualityGood)
	require.NoError(t, err)
	assert.Nil(t, res.Old)
	assert.Equal(t, int64(1_000), res.New.Timestamp)

	clock.Advance(1)
	res, err = s.Write(ctx, key101, 85, "")
	require.NoError(t, err)
	require.NotNil(t, res.Old)
	assert.Equal(t, 90.0, res.Old.Value)
	assert.Equal(t, point.QualityGood, res.New.Quality)

	require.Len(t, hook.writes, 2)
	assert.Nil(t, hook.writes[0].Old)
	assert.Equal(t, 90.0, hook.writes[1].Old.Value)
	assert.Equal(t, 85.0, hook.writes[1].New.Value)

	got, err := s.Read(ctx, key101)
	require.NoError(t, err)
	assert.Equal(t, 85.0, got.Value)
}

func TestStore_AdmitRejectionSkipsCommit(t *testing.T) {
	hook := &recordingHook{reject: map[point.Key]error{key101: errors.ErrDispatchCycle}}
	s := New(NewMemoryBackend(), WithHook(hook))

	_, err := s.Write(context.Background(), key101, 1, point.QualityGood)
	assert.ErrorIs(t, err, errors.ErrDispatchCycle)

	got, err := s.Read(context.Background(), key101)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, hook.writes)
}

func TestStore_StorageUnavailablePropagates(t *testing.T) {
	hook := &recordingHook{}
	s := New(failingBackend{MemoryBackend: NewMemoryBackend(), err: fmt.Errorf("connection refused")}, WithHook(hook))

	_, err := s.Write(context.Background(), key101, 1, point.QualityGood)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, hook.writes, "nothing is dispatched for a failed commit")
}

func TestStore_WritePointAppliesScaling(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	res, err := s.WritePoint(ctx, "comsrv", "ch1", "measurement", "5", 1000, 0.1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 102.0, res.New.Value, 1e-9)

	res, err = s.WritePoint(ctx, "comsrv", "ch1", "measurement", "6", 7, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, res.New.Value, "zero scale passes raw through")

	_, err = s.WritePoint(ctx, "comsrv", "ch1", "telemetry", "6", 7, 1, 0)
	assert.True(t, errors.IsInvalid(err))

	_, err = s.WritePoint(ctx, "comsrv", "ch:1", "measurement", "6", 7, 1, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_ReadManyAndScan(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	for _, k := range []string{"comsrv:ch1:measurement:1", "comsrv:ch1:measurement:2", "comsrv:ch2:signal:1", "model:ch1:measurement:1"} {
		_, err := s.Write(ctx, point.MustParseKey(k), 1, point.QualityGood)
		require.NoError(t, err)
	}

	vals, err := s.ReadMany(ctx, []point.Key{
		point.MustParseKey("comsrv:ch1:measurement:2"),
		point.MustParseKey("comsrv:ch9:measurement:2"),
	})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.NotNil(t, vals[0])
	assert.Nil(t, vals[1])

	p, err := point.CompilePattern("comsrv:*:*:1")
	require.NoError(t, err)
	entries, err := s.Scan(ctx, p)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "comsrv:ch1:measurement:1", entries[0].Key.String())
	assert.Equal(t, "comsrv:ch2:signal:1", entries[1].Key.String())
}

func TestStore_Links(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()
	target := point.MustParseKey("model:ch1:control:5")

	got, err := s.GetLink(ctx, target)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetLink(ctx, target, key101))
	got, err = s.GetLink(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, key101, *got)
}

func TestStore_ArchiverAndMetrics(t *testing.T) {
	m := metric.NewMetrics()
	arch := &archiveRecorder{}
	s := New(NewMemoryBackend(), WithArchiver(arch), WithMetrics(m))

	_, err := s.Write(context.Background(), key101, 3, point.QualityGood)
	require.NoError(t, err)

	require.Len(t, arch.got, 1)
	assert.Equal(t, key101, arch.got[0].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PointWrites.WithLabelValues("comsrv", "ok")))
}

func TestMemoryBackend_ConcurrentWritersKeepLastValue(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	var wg sync.WaitGroup
	for e := 0; e < 8; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			k := point.MustParseKey(fmt.Sprintf("comsrv:ch%d:measurement:1", e))
			for i := 1; i <= 200; i++ {
				_, err := b.Write(ctx, k, point.Value{Value: float64(i)})
				assert.NoError(t, err)
			}
		}(e)
	}
	wg.Wait()

	for e := 0; e < 8; e++ {
		v, err := b.Read(ctx, point.MustParseKey(fmt.Sprintf("comsrv:ch%d:measurement:1", e)))
		require.NoError(t, err)
		assert.Equal(t, 200.0, v.Value)
	}
}

func TestMemoryBackend_WriteReturnsEveryOldValueOnce(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[float64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				old, err := b.Write(ctx, key101, point.Value{Value: float64(w*1000 + i)})
				assert.NoError(t, err)
				if old != nil {
					mu.Lock()
					seen[old.Value]++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 399, "every value but the last is replaced exactly once")
	for v, n := range seen {
		assert.Equal(t, 1, n, "value %v", v)
	}
}
