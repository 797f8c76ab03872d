package alarm

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/metric"
)

// engineMetrics holds the alarm engine's Prometheus metrics
type engineMetrics struct {
	core        *metric.Metrics
	evaluations *prometheus.CounterVec
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
}

// newEngineMetrics returns nil when registry is nil
func newEngineMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		core: registry.CoreMetrics(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "alarm",
			Name:      "evaluations_total",
			Help:      "Alarm rule evaluations by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "alarm",
			Name:      "transitions_total",
			Help:      "Alarm instance state transitions",
		}, []string{"to", "reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointflow",
			Subsystem: "alarm",
			Name:      "active",
			Help:      "Number of active alarm instances",
		}),
	}

	if err := registry.RegisterCounterVec("alarm", "evaluations", m.evaluations); err != nil {
		logger.Warn("Alarm metric not registered", "metric", "evaluations", "error", err)
	}
	if err := registry.RegisterCounterVec("alarm", "transitions", m.transitions); err != nil {
		logger.Warn("Alarm metric not registered", "metric", "transitions", "error", err)
	}
	if err := registry.RegisterGauge("alarm", "active", m.active); err != nil {
		logger.Warn("Alarm metric not registered", "metric", "active", "error", err)
	}
	return m
}

func (m *engineMetrics) evaluated(outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.core.RecordRuleResult("alarm", outcome)
}

func (m *engineMetrics) raised() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(StatusActive), "condition_met").Inc()
	m.active.Inc()
}

func (m *engineMetrics) cleared(reason ClearReason) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(StatusCleared), string(reason)).Inc()
	m.active.Dec()
}
