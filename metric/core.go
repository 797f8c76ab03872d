package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pointflow"

// Metrics contains the process-wide metrics of the dispatch core
type Metrics struct {
	ServiceStatus     *prometheus.GaugeVec
	PointWrites       *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	RuleEvaluations   *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics builds the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		PointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "writes_total",
			Help:      "Point writes by namespace and result",
		}, []string{"namespace", "result"}),

		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "evaluations_total",
			Help:      "Rule evaluations scheduled by the dispatcher, by rule kind",
		}, []string{"kind"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent dispatching one committed write",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"depth"}),

		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "results_total",
			Help:      "Rule evaluation outcomes by kind and result",
		}, []string{"kind", "result"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the internal bus by topic",
		}, []string{"topic"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health check status (0=unhealthy, 1=healthy)",
		}, []string{"component"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.PointWrites,
		m.Dispatches,
		m.DispatchDuration,
		m.RuleEvaluations,
		m.EventsPublished,
		m.ErrorsTotal,
		m.HealthCheckStatus,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordServiceStatus updates the service status gauge
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordPointWrite counts a point write
func (m *Metrics) RecordPointWrite(ns, result string) {
	m.PointWrites.WithLabelValues(ns, result).Inc()
}

// RecordDispatch counts rule evaluations scheduled for one kind
func (m *Metrics) RecordDispatch(kind string, n int) {
	m.Dispatches.WithLabelValues(kind).Add(float64(n))
}

// RecordDispatchDuration observes the time taken to fan out one write
func (m *Metrics) RecordDispatchDuration(depth string, d time.Duration) {
	m.DispatchDuration.WithLabelValues(depth).Observe(d.Seconds())
}

// RecordRuleResult counts a rule evaluation outcome
func (m *Metrics) RecordRuleResult(kind, result string) {
	m.RuleEvaluations.WithLabelValues(kind, result).Inc()
}

// RecordEventPublished counts a bus event
func (m *Metrics) RecordEventPublished(topic string) {
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates the health gauge for a component
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(v)
}

// RecordNATSStatus updates the NATS connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.NATSConnected.Set(v)
}

// RecordNATSReconnect increments the reconnect counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
