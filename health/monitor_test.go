package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/metric"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected State
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate("pointflow", tt.subs)
			assert.Equal(t, tt.expected, s.State)
			assert.Equal(t, tt.expected == StateHealthy, s.Healthy)
			assert.Len(t, s.SubStatuses, len(tt.subs))
		})
	}
}

func TestSanitize(t *testing.T) {
	msg := Sanitize("dial redis://user:pw@10.0.0.5:6379 failed password=hunter2")
	assert.NotContains(t, msg, "10.0.0.5")
	assert.NotContains(t, msg, "hunter2")
	assert.Contains(t, msg, "[URL]")

	assert.Equal(t, "connect to [IP] refused", Sanitize("connect to 192.168.1.10:4222 refused"))
}

func TestMonitor_UpdateAndMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := NewMonitor(registry.CoreMetrics())

	m.UpdateHealthy("store", "ok")
	m.UpdateFromError("nats", fmt.Errorf("nats: no servers available"))

	s, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, StateUnhealthy, s.State)
	assert.Equal(t, "nats", s.Component)

	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().HealthCheckStatus.WithLabelValues("store")))
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().HealthCheckStatus.WithLabelValues("nats")))

	assert.Equal(t, StateUnhealthy, m.AggregateHealth("pointflow").State)
	m.Remove("nats")
	assert.Equal(t, StateHealthy, m.AggregateHealth("pointflow").State)
	assert.Len(t, m.GetAll(), 1)
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.UpdateHealthy(fmt.Sprintf("c%d", i%5), "ok")
			_ = m.AggregateHealth("sys")
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.GetAll(), 5)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor(nil)
	m.UpdateHealthy("store", "ok")

	rec := httptest.NewRecorder()
	m.Handler("pointflow").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var s Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, StateHealthy, s.State)

	m.UpdateUnhealthy("store", "down")
	rec = httptest.NewRecorder()
	m.Handler("pointflow").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
