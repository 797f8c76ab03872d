package alarm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/dispatch"
	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/watchindex"
)

var key101 = point.MustParseKey("comsrv:ch1:measurement:101")

type fixture struct {
	engine *Engine
	index  *watchindex.Index
	store  *pointstore.Store
	bus    *events.Bus
	sub    *events.Subscription
	clock  *timestamp.FakeClock
	reg    *metric.MetricsRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timestamp.NewFakeClock(1_000)
	reg := metric.NewMetricsRegistry()
	bus := events.NewBus(events.Config{QueueSize: 4096}, nil, clock)
	idx := watchindex.New()
	d := dispatch.New(idx, dispatch.Config{}, nil)
	store := pointstore.New(pointstore.NewMemoryBackend(), pointstore.WithHook(d), pointstore.WithClock(clock))
	engine := New(bus, WithClock(clock), WithMetrics(reg))
	d.Register(watchindex.KindAlarm, engine)

	return &fixture{
		engine: engine,
		index:  idx,
		store:  store,
		bus:    bus,
		sub:    bus.Subscribe("test", events.TopicAlarmCreated, events.TopicAlarmCleared),
		clock:  clock,
		reg:    reg,
	}
}

func (f *fixture) install(t *testing.T, def string, gen uint64) Rule {
	t.Helper()
	r, err := ParseRule([]byte(def))
	require.NoError(t, err)
	f.engine.Put(context.Background(), r, gen)
	f.index.RegisterPattern(watchindex.RuleRef{Kind: watchindex.KindAlarm, ID: r.ID, Generation: gen}, r.Pattern())
	return r
}

func (f *fixture) write(t *testing.T, k point.Key, v float64) {
	t.Helper()
	_, err := f.store.Write(context.Background(), k, v, point.QualityGood)
	require.NoError(t, err)
}

const highTemp = `{"id":"high-temp","source_key":"comsrv:ch1:measurement","field":"101","threshold":85,"operator":">","title":"Temperature high","level":"critical"}`

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(`{"id":"a","source_key":"comsrv:*:measurement","field":"101","threshold":1,"operator":"gte"}`))
	require.NoError(t, err)
	assert.True(t, r.Enabled, "enabled by default")
	assert.Equal(t, LevelWarning, r.Level)
	assert.Equal(t, "comsrv:*:measurement:101", r.Pattern().String())

	tests := []struct {
		name string
		def  string
	}{
		{"missing id", `{"source_key":"a:b:measurement","field":"1","operator":">"}`},
		{"bad operator", `{"id":"x","source_key":"a:b:measurement","field":"1","operator":"~"}`},
		{"bad level", `{"id":"x","source_key":"a:b:measurement","field":"1","operator":">","level":"panic"}`},
		{"short source", `{"id":"x","source_key":"a:b","field":"1","operator":">"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tt.def))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err = ParseRule([]byte(`{"id":"x","source_key":"a:b*:measurement","field":"1","operator":">"}`))
	assert.ErrorIs(t, err, errors.ErrMalformedPattern)
}

func TestEngine_RaiseAndClear(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)

	f.write(t, key101, 90)
	created := f.sub.Pull(events.TopicAlarmCreated, 10)
	require.Len(t, created, 1)
	var ac events.AlarmCreated
	require.NoError(t, created[0].Decode(&ac))
	assert.Equal(t, "high-temp", ac.RuleID)
	assert.Equal(t, 90.0, ac.TriggerValue)
	assert.Equal(t, events.OriginAlarmRule, ac.Origin)
	assert.Equal(t, key101, *ac.SourceKey)

	inst, ok := f.engine.Alarm("high-temp")
	require.True(t, ok)
	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, int64(1_000), inst.TriggeredAt)

	f.clock.Set(2_000)
	f.write(t, key101, 85)
	cleared := f.sub.Pull(events.TopicAlarmCleared, 10)
	require.Len(t, cleared, 1)
	var cl events.AlarmCleared
	require.NoError(t, cleared[0].Decode(&cl))
	assert.Equal(t, string(ClearConditionCleared), cl.ClearReason)
	assert.Equal(t, int64(2_000), cl.ClearedAt)

	inst, ok = f.engine.Alarm("high-temp")
	require.True(t, ok, "cleared instance is retained")
	assert.Equal(t, StatusCleared, inst.Status)
	assert.Equal(t, 85.0, inst.CurrentValue)
	assert.Empty(t, f.engine.ActiveAlarms())
}

func TestEngine_SustainedConditionEmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)

	for _, v := range []float64{90, 95, 100, 99} {
		f.write(t, key101, v)
	}

	assert.Len(t, f.sub.Pull(events.TopicAlarmCreated, 10), 1)
	assert.Empty(t, f.sub.Pull(events.TopicAlarmCleared, 10))

	inst, ok := f.engine.Alarm("high-temp")
	require.True(t, ok)
	assert.Equal(t, 90.0, inst.TriggerValue)
	assert.Equal(t, 99.0, inst.CurrentValue)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.active))
}

func TestEngine_RetriggerCreatesFreshInstance(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)

	f.write(t, key101, 90)
	f.write(t, key101, 10)
	f.clock.Set(5_000)
	f.write(t, key101, 120)

	assert.Len(t, f.sub.Pull(events.TopicAlarmCreated, 10), 2)
	inst, _ := f.engine.Alarm("high-temp")
	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, 120.0, inst.TriggerValue)
	assert.Equal(t, int64(5_000), inst.TriggeredAt)
	assert.Zero(t, inst.ClearedAt)
	assert.Empty(t, inst.ClearReason)
}

func TestEngine_BelowThresholdIsNoop(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)

	f.write(t, key101, 10)
	_, ok := f.engine.Alarm("high-temp")
	assert.False(t, ok)
	assert.Empty(t, f.sub.Pull(events.TopicAlarmCleared, 10))
}

func TestEngine_DisableClearsImmediately(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)
	f.write(t, key101, 90)
	f.sub.Pull(events.TopicAlarmCreated, 10)

	require.NoError(t, f.engine.SetEnabled(context.Background(), "high-temp", false))

	cleared := f.sub.Pull(events.TopicAlarmCleared, 10)
	require.Len(t, cleared, 1)
	var cl events.AlarmCleared
	require.NoError(t, cleared[0].Decode(&cl))
	assert.Equal(t, string(ClearRuleDisabled), cl.ClearReason)
	assert.Equal(t, 90.0, cl.CurrentValue)

	inst, _ := f.engine.Alarm("high-temp")
	assert.Equal(t, ClearRuleDisabled, inst.ClearReason)

	// a disabled rule never raises
	f.write(t, key101, 200)
	assert.Empty(t, f.sub.Pull(events.TopicAlarmCreated, 10))

	require.NoError(t, f.engine.SetEnabled(context.Background(), "high-temp", true))
	f.write(t, key101, 201)
	assert.Len(t, f.sub.Pull(events.TopicAlarmCreated, 10), 1)
}

func TestEngine_RemoveClearsAndDrops(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)
	f.write(t, key101, 90)

	require.NoError(t, f.engine.Remove(context.Background(), "high-temp"))
	cleared := f.sub.Pull(events.TopicAlarmCleared, 10)
	require.Len(t, cleared, 1)
	var cl events.AlarmCleared
	require.NoError(t, cleared[0].Decode(&cl))
	assert.Equal(t, string(ClearRuleDeleted), cl.ClearReason)

	_, ok := f.engine.Alarm("high-temp")
	assert.False(t, ok)

	err := f.engine.Remove(context.Background(), "high-temp")
	assert.ErrorIs(t, err, errors.ErrRuleNotFound)
	assert.ErrorIs(t, f.engine.SetEnabled(context.Background(), "nope", true), errors.ErrRuleNotFound)
}

func TestEngine_IgnoresStaleGeneration(t *testing.T) {
	f := newFixture(t)
	r := f.install(t, highTemp, 1)

	stale := watchindex.RuleRef{Kind: watchindex.KindAlarm, ID: r.ID, Generation: 0}
	require.NoError(t, f.engine.Evaluate(context.Background(), stale, key101, point.Value{Value: 99}))
	_, ok := f.engine.Alarm(r.ID)
	assert.False(t, ok)

	unknown := watchindex.RuleRef{Kind: watchindex.KindAlarm, ID: "gone", Generation: 1}
	assert.NoError(t, f.engine.Evaluate(context.Background(), unknown, key101, point.Value{Value: 99}))
}

func TestEngine_UpdateKeepsInstance(t *testing.T) {
	f := newFixture(t)
	r := f.install(t, highTemp, 1)
	f.write(t, key101, 90)

	r.Threshold = 95
	f.engine.Put(context.Background(), r, 2)
	f.index.RegisterPattern(watchindex.RuleRef{Kind: watchindex.KindAlarm, ID: r.ID, Generation: 2}, r.Pattern())

	got, ok := f.engine.Rule(r.ID)
	require.True(t, ok)
	assert.Equal(t, 95.0, got.Threshold)
	assert.Equal(t, int64(1_000), got.CreatedAt)

	f.write(t, key101, 92)
	inst, _ := f.engine.Alarm(r.ID)
	assert.Equal(t, StatusCleared, inst.Status, "92 is no longer above the new threshold")

	r.Enabled = false
	f.engine.Put(context.Background(), r, 3)
	assert.Len(t, f.engine.Rules(), 1)
}

func TestEngine_WildcardRuleOwnsOneInstance(t *testing.T) {
	f := newFixture(t)
	f.install(t, `{"id":"any-ch","source_key":"comsrv:*:measurement","field":"101","threshold":85,"operator":">"}`, 1)

	f.write(t, key101, 90)
	f.write(t, point.MustParseKey("comsrv:ch2:measurement:101"), 91)

	assert.Len(t, f.sub.Pull(events.TopicAlarmCreated, 10), 1)
	inst, _ := f.engine.Alarm("any-ch")
	assert.Equal(t, key101, inst.SourceKey)
	assert.Equal(t, 90.0, inst.CurrentValue, "other keys do not refresh the instance")
}

func TestEngine_WildcardRuleClearsOnRaisingKeyOnly(t *testing.T) {
	f := newFixture(t)
	f.install(t, `{"id":"any-ch","source_key":"comsrv:*:measurement","field":"101","threshold":85,"operator":">"}`, 1)
	ch2 := point.MustParseKey("comsrv:ch2:measurement:101")

	f.write(t, key101, 90)
	f.write(t, ch2, 50)

	inst, ok := f.engine.Alarm("any-ch")
	require.True(t, ok)
	assert.True(t, inst.IsActive(), "a normal value elsewhere leaves the alarm raised")
	assert.Empty(t, f.sub.Pull(events.TopicAlarmCleared, 10))

	f.write(t, key101, 70)
	inst, _ = f.engine.Alarm("any-ch")
	assert.Equal(t, StatusCleared, inst.Status)
	assert.Equal(t, ClearConditionCleared, inst.ClearReason)
	assert.Equal(t, 70.0, inst.CurrentValue)
	assert.Len(t, f.sub.Pull(events.TopicAlarmCleared, 10), 1)

	// once cleared any matching key may raise it again
	f.write(t, ch2, 95)
	inst, _ = f.engine.Alarm("any-ch")
	assert.True(t, inst.IsActive())
	assert.Equal(t, ch2, inst.SourceKey)
}

func TestEngine_ConcurrentWritersKeepOneActive(t *testing.T) {
	f := newFixture(t)
	f.install(t, highTemp, 1)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				v := 80.0
				if (w+i)%2 == 0 {
					v = 90
				}
				_, err := f.store.Write(context.Background(), key101, v, point.QualityGood)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	created := len(f.sub.Pull(events.TopicAlarmCreated, 4096))
	cleared := len(f.sub.Pull(events.TopicAlarmCleared, 4096))
	inst, ok := f.engine.Alarm("high-temp")
	require.True(t, ok)

	diff := created - cleared
	if inst.IsActive() {
		assert.Equal(t, 1, diff, fmt.Sprintf("created=%d cleared=%d", created, cleared))
		assert.Len(t, f.engine.ActiveAlarms(), 1)
	} else {
		assert.Equal(t, 0, diff, fmt.Sprintf("created=%d cleared=%d", created, cleared))
		assert.Empty(t, f.engine.ActiveAlarms())
	}
}
