package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

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

type fixture struct {
	engine *Engine
	index  *watchindex.Index
	store  *pointstore.Store
	sub    *events.Subscription
	clock  *timestamp.FakeClock
}

func newFixture(t *testing.T, maxDepth int) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := timestamp.NewFakeClock(10_000)
	bus := events.NewBus(events.Config{QueueSize: 256}, nil, clock)
	idx := watchindex.New()
	d := dispatch.New(idx, dispatch.Config{MaxDepth: maxDepth}, nil)
	store := pointstore.New(pointstore.NewMemoryBackend(), pointstore.WithHook(d), pointstore.WithClock(clock))
	engine, err := New(ctx, store, bus, WithClock(clock), WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	d.Register(watchindex.KindSync, engine)

	return &fixture{engine: engine, index: idx, store: store, sub: bus.Subscribe("test"), clock: clock}
}

func (f *fixture) install(t *testing.T, def string) Rule {
	t.Helper()
	r, err := ParseRule([]byte(def))
	require.NoError(t, err)
	f.engine.Put(r, 1)
	f.index.RegisterPattern(watchindex.RuleRef{Kind: watchindex.KindSync, ID: r.ID, Generation: 1}, r.Source())
	return r
}

func (f *fixture) write(t *testing.T, key string, v float64) {
	t.Helper()
	_, err := f.store.Write(context.Background(), point.MustParseKey(key), v, point.QualityGood)
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T, key string) *point.Value {
	t.Helper()
	v, err := f.store.Read(context.Background(), point.MustParseKey(key))
	require.NoError(t, err)
	return v
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(`{"id":"s","source_pattern":"comsrv:*:measurement:*","target_pattern":"model:$1:measurement:$2"}`))
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Equal(t, TransformDirect, r.Transform.Type)

	r, err = ParseRule([]byte(`{"id":"a","source_pattern":"a:*:measurement:p","target_pattern":"b:site:measurement:total","transform":{"type":"aggregate","op":"sum"}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultAggregateWindowMs), r.Transform.WindowMs)

	tests := []struct {
		name    string
		def     string
		pattern bool
	}{
		{"capture out of range", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:$2:measurement:1"}`, true},
		{"unknown variable", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:$device:measurement:1"}`, true},
		{"wildcard target", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:*:measurement:1"}`, true},
		{"short source", `{"id":"x","source_pattern":"a:*:measurement","target_pattern":"b:c:measurement:1"}`, true},
		{"bad mapping", `{"id":"x","source_pattern":"a:*:measurement:*","target_pattern":"b:$1:measurement:$2","field_mapping":{"1":"a:b"}}`, true},
		{"unknown transform", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:$1:measurement:1","transform":{"type":"fft"}}`, false},
		{"unknown op", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:$1:measurement:1","transform":{"type":"aggregate","op":"median"}}`, false},
		{"missing path", `{"id":"x","source_pattern":"a:*:measurement:1","target_pattern":"b:$1:measurement:1","transform":{"type":"json_extract"}}`, false},
		{"missing id", `{"source_pattern":"a:*:measurement:1","target_pattern":"b:$1:measurement:1"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tt.def))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			if tt.pattern {
				assert.ErrorIs(t, err, errors.ErrMalformedPattern)
			}
		})
	}
}

func TestEngine_NumericCapturesAcrossNamespaces(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"acq-to-model","source_pattern":"comsrv:*:measurement:*","target_pattern":"model:$1:measurement:$2",
		"transform":{"type":"numeric","scale":0.1,"offset":0}}`)

	f.write(t, "comsrv:ch1:measurement:5", 1000)

	got := f.read(t, "model:ch1:measurement:5")
	require.NotNil(t, got)
	assert.InDelta(t, 100.0, got.Value, 1e-9)
	assert.Equal(t, int64(10_000), got.Timestamp, "source timestamp is carried")

	applied := f.sub.Pull(events.TopicSyncApplied, 10)
	require.Len(t, applied, 1)
	var sa events.SyncApplied
	require.NoError(t, applied[0].Decode(&sa))
	assert.Equal(t, "model:ch1:measurement:5", sa.TargetKey.String())
	assert.Equal(t, "comsrv:ch1:measurement:5", sa.SourceKey.String())
}

func TestTransform_NumericRoundTrip(t *testing.T) {
	for _, tt := range []Transform{
		{Type: TransformNumeric, Scale: 0.1, Offset: 0},
		{Type: TransformNumeric, Scale: 2.5, Offset: -40},
		{Type: TransformNumeric, Scale: -3, Offset: 1e6},
	} {
		for _, v := range []float64{0, 1, -17.25, 123456.789} {
			back := tt.Inverse().Numeric(tt.Numeric(v))
			assert.InDelta(t, v, back, 1e-6, "scale=%v offset=%v", tt.Scale, tt.Offset)
		}
	}
}

func TestEngine_VariablesAndFieldMapping(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"hist","source_pattern":"model:*:measurement:*","target_pattern":"history:$namespace-$channel:$category:$point_id",
		"field_mapping":{"temp":"temperature"}}`)

	f.write(t, "model:boiler:measurement:temp", 71.5)
	f.write(t, "model:boiler:measurement:pressure", 3)

	assert.Equal(t, 71.5, f.read(t, "history:model-boiler:measurement:temperature").Value)
	assert.Nil(t, f.read(t, "history:model-boiler:measurement:temp"))
	assert.Equal(t, 3.0, f.read(t, "history:model-boiler:measurement:pressure").Value)
}

func TestEngine_ReverseMapping(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"ctl","source_pattern":"comsrv:*:control:*","target_pattern":"model:$1:control:$2","reverse_mapping_enabled":true}`)

	f.write(t, "comsrv:ch7:control:3", 1)

	src, err := f.engine.ReverseLookup(context.Background(), point.MustParseKey("model:ch7:control:3"))
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "comsrv:ch7:control:3", src.String())

	none, err := f.engine.ReverseLookup(context.Background(), point.MustParseKey("model:ch8:control:3"))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEngine_Aggregate(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"site-power","source_pattern":"meter:*:measurement:power","target_pattern":"model:site:measurement:power_$namespace",
		"transform":{"type":"aggregate","op":"sum","window_ms":1000}}`)

	f.write(t, "meter:m1:measurement:power", 10)
	f.write(t, "meter:m2:measurement:power", 5)
	assert.Equal(t, 15.0, f.read(t, "model:site:measurement:power_meter").Value)

	f.write(t, "meter:m1:measurement:power", 12)
	assert.Equal(t, 17.0, f.read(t, "model:site:measurement:power_meter").Value, "latest sample per source")

	f.clock.Advance(1500 * time.Millisecond)
	f.write(t, "meter:m3:measurement:power", 1)
	assert.Equal(t, 1.0, f.read(t, "model:site:measurement:power_meter").Value, "samples outside the window are dropped")
}

func TestAggregateOps(t *testing.T) {
	samples := []sample{{value: 4}, {value: -2}, {value: 10}}
	assert.Equal(t, 12.0, aggregate(AggregateSum, samples))
	assert.Equal(t, 4.0, aggregate(AggregateAvg, samples))
	assert.Equal(t, 10.0, aggregate(AggregateMax, samples))
	assert.Equal(t, -2.0, aggregate(AggregateMin, samples))
}

func TestEngine_JSONExtract(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"phase","source_pattern":"inv:*:measurement:status","target_pattern":"model:$1:measurement:voltage_l2",
		"transform":{"type":"json_extract","path":"$.phases.1.voltage"}}`)

	_, err := f.store.WriteValue(context.Background(), point.MustParseKey("inv:i1:measurement:status"), point.Value{
		Payload: json.RawMessage(`{"phases":[{"voltage":229.1},{"voltage":"231.4"}]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 231.4, f.read(t, "model:i1:measurement:voltage_l2").Value)
}

func TestExtract(t *testing.T) {
	payload := json.RawMessage(`{"a":{"b":[1,true,{"c":"x"}]},"n":null}`)
	tests := []struct {
		path string
		want float64
		ok   bool
	}{
		{"a.b.0", 1, true},
		{"a.b.1", 1, true},
		{"a.b.2.c", 0, false},
		{"a.b.9", 0, false},
		{"a.missing", 0, false},
		{"n", 0, false},
		{"a", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := parsePath(tt.path)
			require.NoError(t, err)
			got, err := extract(payload, p)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := extract(nil, []string{"a"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestEngine_CycleIsBroken(t *testing.T) {
	f := newFixture(t, 0)
	f.install(t, `{"id":"a-to-b","source_pattern":"a:*:measurement:*","target_pattern":"b:$1:measurement:$2"}`)
	f.install(t, `{"id":"b-to-a","source_pattern":"b:*:measurement:*","target_pattern":"a:$1:measurement:$2"}`)

	f.write(t, "a:x:measurement:1", 42)

	assert.Equal(t, 42.0, f.read(t, "b:x:measurement:1").Value)
	assert.Equal(t, 42.0, f.read(t, "a:x:measurement:1").Value)
	assert.Len(t, f.sub.Pull(events.TopicSyncApplied, 10), 1, "the write back to a is refused")
}

func TestEngine_DepthLimit(t *testing.T) {
	f := newFixture(t, 4)
	f.install(t, `{"id":"grow","source_pattern":"n:*:measurement:*","target_pattern":"n:$1:measurement:$2x"}`)

	f.write(t, "n:e:measurement:f", 1)

	entries, err := f.store.Scan(context.Background(), mustPattern(t, "n:*:*:*"))
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Nil(t, f.read(t, "n:e:measurement:fxxxx"))
}

func TestEngine_EvaluatePattern(t *testing.T) {
	f := newFixture(t, 0)
	for _, k := range []string{"comsrv:ch1:measurement:1", "comsrv:ch2:measurement:1", "comsrv:ch2:signal:1"} {
		f.write(t, k, 2)
	}
	r, err := ParseRule([]byte(`{"id":"resync","source_pattern":"comsrv:*:measurement:*","target_pattern":"model:$1:measurement:$2",
		"transform":{"type":"numeric","scale":10}}`))
	require.NoError(t, err)
	f.engine.Put(r, 1)

	n, err := f.engine.EvaluatePattern(context.Background(), "resync")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 20.0, f.read(t, "model:ch2:measurement:1").Value)
	assert.Nil(t, f.read(t, "model:ch2:signal:1"))

	total, err := f.engine.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, f.engine.SetEnabled("resync", false))
	n, err = f.engine.EvaluatePattern(context.Background(), "resync")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.EvaluatePattern(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrRuleNotFound)
}

func TestEngine_StaleAndDisabledIgnored(t *testing.T) {
	f := newFixture(t, 0)
	r := f.install(t, `{"id":"s","source_pattern":"a:*:measurement:*","target_pattern":"b:$1:measurement:$2"}`)
	k := point.MustParseKey("a:x:measurement:1")

	stale := watchindex.RuleRef{Kind: watchindex.KindSync, ID: r.ID, Generation: 9}
	require.NoError(t, f.engine.Evaluate(context.Background(), stale, k, point.Value{Value: 1}))
	assert.Nil(t, f.read(t, "b:x:measurement:1"))

	require.NoError(t, f.engine.SetEnabled(r.ID, false))
	f.write(t, "a:x:measurement:1", 1)
	assert.Nil(t, f.read(t, "b:x:measurement:1"))

	require.NoError(t, f.engine.Remove(r.ID))
	assert.ErrorIs(t, f.engine.Remove(r.ID), errors.ErrRuleNotFound)
}

func mustPattern(t *testing.T, s string) point.Pattern {
	t.Helper()
	p, err := point.CompilePattern(s)
	require.NoError(t, err)
	return p
}
