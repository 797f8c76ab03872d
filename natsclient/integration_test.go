//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan string, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "points.>", func(_ context.Context, subject string, data []byte) {
		got <- subject + "=" + string(data)
	}))
	require.NoError(t, tc.Client.Publish(ctx, "points.comsrv", []byte("1")))

	select {
	case msg := <-got:
		assert.Equal(t, "points.comsrv=1", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_KVStore(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	bucket, err := tc.Client.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "TEST_RULES"})
	require.NoError(t, err)
	again, err := tc.Client.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "TEST_RULES"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := NewKVStore(bucket, 2*time.Second)
	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Create(ctx, "alarm.a1", []byte(`{}`))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "alarm.a1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "alarm.a1", []byte(`{"v":1}`), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)
	_, err = kv.Update(ctx, "alarm.a1", []byte(`{"v":1}`), rev)
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "alarm.a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(entry.Value))

	require.NoError(t, kv.Delete(ctx, "alarm.a1"))
	_, err = kv.Get(ctx, "alarm.a1")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegration_StreamPublish(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	stream, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{Name: "TEST_EVENTS", Subjects: []string{"events.>"}})
	require.NoError(t, err)
	require.NoError(t, tc.Client.PublishToStream(ctx, "events.alarm.created", []byte(`{}`)))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}
