// Package metric provides the Prometheus registry and HTTP exposition endpoint for pointflow.
//
// MetricsRegistry owns a private prometheus.Registry with two kinds of content:
//
//   - Core metrics (Metrics type): point writes, dispatch fan-out, rule evaluations,
//     errors and connection health, registered at construction.
//   - Component metrics: each engine builds its own collectors and registers them through
//     the MetricsRegistrar interface under a component name.
//
// Components treat a nil registry as "metrics disabled" and skip all instrumentation:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Start() }()
//
//	registry.CoreMetrics().RecordPointWrite("plant1", "ok")
package metric
