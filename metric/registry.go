package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/pointflow/errors"
)

// MetricsRegistrar is the registration surface handed to components
type MetricsRegistrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterHistogram(component, name string, histogram prometheus.Histogram) error
	RegisterCounterVec(component, name string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, name string, histogramVec *prometheus.HistogramVec) error
	Unregister(component, name string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry with core metrics and Go runtime collectors
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core metric set
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

func (r *MetricsRegistry) register(component, name, op string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"MetricsRegistry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", op,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", op, "register collector")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter for a component
func (r *MetricsRegistry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge for a component
func (r *MetricsRegistry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram for a component
func (r *MetricsRegistry) RegisterHistogram(component, name string, histogram prometheus.Histogram) error {
	return r.register(component, name, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector for a component
func (r *MetricsRegistry) RegisterCounterVec(component, name string, counterVec *prometheus.CounterVec) error {
	return r.register(component, name, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector for a component
func (r *MetricsRegistry) RegisterGaugeVec(component, name string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(component, name, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector for a component
func (r *MetricsRegistry) RegisterHistogramVec(component, name string, histogramVec *prometheus.HistogramVec) error {
	return r.register(component, name, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a component metric
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}
