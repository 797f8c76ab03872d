package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

var batch = []events.Event{
	{ID: "1", Topic: events.TopicSyncApplied, Timestamp: 10, Data: json.RawMessage(`{"rule_id":"s1"}`)},
	{ID: "2", Topic: events.TopicRuleFired, Timestamp: 11, Data: json.RawMessage(`{"rule_id":"b1"}`)},
}

func TestConfig_Validate(t *testing.T) {
	assert.True(t, errors.IsInvalid((&Config{Format: "jsonl"}).Validate()))
	assert.True(t, errors.IsInvalid((&Config{Directory: "/tmp", Format: "csv"}).Validate()))
	assert.NoError(t, (&Config{Directory: "/tmp", Format: "raw"}).Validate())
}

func TestDeliver_JSONL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	out, err := New(Config{Directory: dir, Append: true})
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, "file", out.Name())
	assert.Equal(t, filepath.Join(dir, "events.jsonl"), out.Path())

	require.NoError(t, out.Deliver(context.Background(), batch))
	require.NoError(t, out.Deliver(context.Background(), batch[:1]))
	assert.Equal(t, int64(3), out.Written())

	lines := readLines(t, out.Path())
	require.Len(t, lines, 3)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, "2", ev.ID)
	assert.Equal(t, events.TopicRuleFired, ev.Topic)
}

func TestDeliver_RawTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payloads.raw")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))

	out, err := New(Config{Directory: dir, FilePrefix: "payloads", Format: "raw"})
	require.NoError(t, err)
	require.NoError(t, out.Deliver(context.Background(), batch))
	require.NoError(t, out.Close())

	assert.Equal(t, []string{`{"rule_id":"s1"}`, `{"rule_id":"b1"}`}, readLines(t, path))

	err = out.Deliver(context.Background(), batch)
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, out.Close(), "second close is a no-op")
}
