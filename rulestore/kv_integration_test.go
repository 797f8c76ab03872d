//go:build integration

package rulestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/natsclient"
	"github.com/c360/pointflow/watchindex"
)

func TestIntegration_KVStore(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	s, err := OpenKV(ctx, tc.Client, "", 5*time.Second)
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	def := json.RawMessage(`{"id":"hi_temp","source_key":"comsrv:ch1:measurement:101","threshold":80,"operator":">"}`)
	rec := Record{Kind: watchindex.KindAlarm, ID: "hi_temp", Definition: def, Enabled: true, Generation: 1}
	rev, err := s.Create(ctx, rec)
	require.NoError(t, err)
	_, err = s.Create(ctx, rec)
	assert.True(t, errors.Is(err, errors.ErrRuleExists))

	got, err := s.Get(ctx, watchindex.KindAlarm, "hi_temp")
	require.NoError(t, err)
	assert.JSONEq(t, string(def), string(got.Definition))
	assert.Equal(t, uint64(1), got.Generation)
	assert.Equal(t, rev, got.Revision)

	rec.Enabled = false
	next, err := s.Update(ctx, rec, rev)
	require.NoError(t, err)
	assert.Greater(t, next, rev)
	_, err = s.Update(ctx, rec, rev)
	assert.True(t, errors.Is(err, errors.ErrRuleConflict))

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, watchindex.KindAlarm, "hi_temp"))
	_, err = s.Get(ctx, watchindex.KindAlarm, "hi_temp")
	assert.True(t, errors.Is(err, errors.ErrRuleNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, watchindex.KindAlarm, "hi_temp"), errors.ErrRuleNotFound))
}

func TestIntegration_KVWatch(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := OpenKV(ctx, tc.Client, "RULES_WATCH", 5*time.Second)
	require.NoError(t, err)

	changes := make(chan Change, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(_ context.Context, c Change) { changes <- c })
	}()
	time.Sleep(200 * time.Millisecond)

	rev, err := s.Create(ctx, Record{Kind: watchindex.KindSync, ID: "mirror", Definition: json.RawMessage(`{}`), Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, watchindex.KindSync, "mirror"))

	var got []Change
	for len(got) < 2 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("saw %d changes", len(got))
		}
	}
	assert.Equal(t, OpPut, got[0].Op)
	assert.Equal(t, "mirror", got[0].Record.ID)
	assert.Equal(t, rev, got[0].Revision)
	assert.Greater(t, got[1].Revision, rev)
	assert.Equal(t, OpDelete, got[1].Op)
	assert.Equal(t, watchindex.KindSync, got[1].Record.Kind)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
