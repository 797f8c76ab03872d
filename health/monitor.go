package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/c360/pointflow/metric"
)

// Monitor tracks component health in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	metrics  *metric.Metrics
}

// NewMonitor creates a monitor; a nil metrics set disables the health gauge
func NewMonitor(metrics *metric.Metrics) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		metrics:  metrics,
	}
}

// Update records status for name
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.Healthy)
	}
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateFromError marks name healthy or unhealthy depending on err
func (m *Monitor) UpdateFromError(name string, err error) {
	m.Update(name, FromError(name, err))
}

// Get returns the status for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// GetAll returns a copy of all statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Remove stops tracking name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// AggregateHealth folds every tracked status into one
func (m *Monitor) AggregateHealth(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	return Aggregate(system, subs)
}

// Handler serves the aggregate status as JSON, 503 when unhealthy
func (m *Monitor) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(system)
		w.Header().Set("Content-Type", "application/json")
		if status.State == StateUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
