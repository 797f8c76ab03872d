package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: "POINTFLOW"}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw decodes one layer into a map, by file extension
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges a raw layer onto base, only overriding keys present in the layer
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

var durationSuffixes = []string{"_timeout", "_interval", "_wait", "_window", "_retention", "_backoff"}

func isDurationKey(key string) bool {
	if key == "timeout" {
		return true
	}
	for _, s := range durationSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, val != "", nil
	}
	list := func(s string) []string {
		parts := strings.Split(s, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"STORE_BACKEND", &cfg.Store.Backend},
		{"REDIS_ADDR", &cfg.Store.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Store.Redis.Password},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"MQTT_BROKER", &cfg.MQTT.Broker},
		{"MQTT_USERNAME", &cfg.MQTT.Username},
		{"MQTT_PASSWORD", &cfg.MQTT.Password},
	}
	for _, s := range strs {
		val, ok, err := get(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	lists := []struct {
		name string
		dst  *[]string
	}{
		{"NATS_URLS", &cfg.NATS.URLs},
		{"KAFKA_BROKERS", &cfg.Kafka.Brokers},
	}
	for _, s := range lists {
		val, ok, err := get(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = list(val)
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"METRICS_PORT", &cfg.Metrics.Port},
		{"WEBSOCKET_PORT", &cfg.WebSocket.Port},
	}
	for _, s := range ints {
		val, ok, err := get(s.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, s.name, err)
		}
		*s.dst = n
	}
	return nil
}
