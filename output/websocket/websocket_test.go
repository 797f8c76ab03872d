package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestOutput_DeliverBroadcasts(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	out := New(Config{}, reg)
	srv := httptest.NewServer(out.Handler())
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return out.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	ev := events.Event{ID: "e1", Topic: events.TopicAlarmCreated, Timestamp: 42, Data: json.RawMessage(`{"rule_id":"hi_temp"}`)}
	require.NoError(t, out.Deliver(context.Background(), []events.Event{ev}))

	for _, c := range []*websocket.Conn{a, b} {
		env := read(t, c)
		assert.Equal(t, "event", env.Type)
		assert.Equal(t, "e1", env.ID)
		assert.Equal(t, events.TopicAlarmCreated, env.Topic)
		assert.JSONEq(t, `{"rule_id":"hi_temp"}`, string(env.Payload))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.messagesSent.WithLabelValues(string(events.TopicAlarmCreated))))
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.clientsConnected))
}

func TestOutput_SubscribeFiltersTopics(t *testing.T) {
	out := New(Config{}, nil)
	srv := httptest.NewServer(out.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(MessageEnvelope{Type: "subscribe", Topics: []events.Topic{events.TopicSyncApplied}}))
	ack := read(t, conn)
	assert.Equal(t, "subscribed", ack.Type)

	require.NoError(t, out.Deliver(context.Background(), []events.Event{
		{ID: "skip", Topic: events.TopicRuleFired, Data: json.RawMessage(`{}`)},
		{ID: "keep", Topic: events.TopicSyncApplied, Data: json.RawMessage(`{}`)},
	}))
	assert.Equal(t, "keep", read(t, conn).ID)
}

func TestOutput_DeliverWithoutClients(t *testing.T) {
	out := New(Config{}, nil)
	assert.NoError(t, out.Deliver(context.Background(), []events.Event{{ID: "x", Topic: events.TopicRuleFired}}))
}

func TestOutput_ClientDisconnectIsRemoved(t *testing.T) {
	out := New(Config{}, nil)
	srv := httptest.NewServer(out.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return out.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return out.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOutput_StartStop(t *testing.T) {
	out := New(Config{Port: 0}, nil)
	require.NoError(t, out.Start(context.Background()))
	addr := out.Addr()
	require.NotEmpty(t, addr)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return out.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, out.Stop(2*time.Second))
	assert.Equal(t, 0, out.Clients())
	require.NoError(t, out.Stop(time.Second), "second stop is a no-op")
}
