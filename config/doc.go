// Package config loads the pointflow configuration.
//
// # Layers
//
// Loader starts from Defaults, deep-merges each file layer on top as a map (so a layer
// only overrides the keys it names), applies POINTFLOW_* environment overrides and
// optionally validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Files ending in .json are decoded as JSON; .yaml and .yml as YAML. Duration values may
// be written as strings ("250ms", "5s", "14d") under "timeout" and any key ending in
// _timeout, _interval, _wait, _window, _retention or _backoff.
//
// # Event sinks
//
// events.sinks names the sinks the bus pumps into: nats, kafka, websocket, http and file.
// Each needs its own section to be usable, which Validate checks.
//
// # Environment
//
//	POINTFLOW_STORE_BACKEND      memory | redis
//	POINTFLOW_REDIS_ADDR         host:port
//	POINTFLOW_REDIS_PASSWORD
//	POINTFLOW_NATS_URLS          comma separated
//	POINTFLOW_NATS_USERNAME / POINTFLOW_NATS_PASSWORD / POINTFLOW_NATS_TOKEN
//	POINTFLOW_KAFKA_BROKERS      comma separated
//	POINTFLOW_MQTT_BROKER        tcp://host:1883
//	POINTFLOW_METRICS_PORT
//	POINTFLOW_WEBSOCKET_PORT
//
// SafeConfig wraps a Config for concurrent readers; Get returns a deep copy.
package config
