package businessrule

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/metric"
)

type engineMetrics struct {
	core        *metric.Metrics
	evaluations *prometheus.CounterVec
	actions     *prometheus.CounterVec
	cooldown    prometheus.Counter
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
			Subsystem: "business",
			Name:      "evaluations_total",
			Help:      "Business rule evaluations by outcome",
		}, []string{"outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "business",
			Name:      "actions_total",
			Help:      "Business rule actions by type and result",
		}, []string{"type", "result"}),
		cooldown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "business",
			Name:      "cooldown_skips_total",
			Help:      "Evaluations skipped inside the cooldown window",
		}),
	}

	for name, vec := range map[string]*prometheus.CounterVec{
		"evaluations": m.evaluations,
		"actions":     m.actions,
	} {
		if err := registry.RegisterCounterVec("business", name, vec); err != nil {
			logger.Warn("Business metric not registered", "metric", name, "error", err)
		}
	}
	if err := registry.RegisterCounter("business", "cooldown_skips", m.cooldown); err != nil {
		logger.Warn("Business metric not registered", "metric", "cooldown_skips", "error", err)
	}
	return m
}

func (m *engineMetrics) evaluated(outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.core.RecordRuleResult("business", outcome)
	if outcome == "cooldown" {
		m.cooldown.Inc()
	}
}

func (m *engineMetrics) action(t ActionType, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.actions.WithLabelValues(string(t), result).Inc()
}
