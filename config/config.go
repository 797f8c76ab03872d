package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/pointflow/notify"
	"github.com/c360/pointflow/output/file"
	"github.com/c360/pointflow/output/httppost"
	"github.com/c360/pointflow/output/websocket"
	"github.com/c360/pointflow/pointstore"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Event sinks
const (
	SinkNATS      = "nats"
	SinkKafka     = "kafka"
	SinkWebSocket = "websocket"
	SinkHTTP      = "http"
	SinkFile      = "file"
)

// Config represents the complete application configuration
type Config struct {
	Version   string           `json:"version,omitempty"`
	Store     StoreConfig      `json:"store"`
	NATS      NATSConfig       `json:"nats"`
	Kafka     KafkaConfig      `json:"kafka"`
	MQTT      MQTTConfig       `json:"mqtt"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Events    EventsConfig     `json:"events"`
	Business  BusinessConfig   `json:"business"`
	Sync      SyncConfig       `json:"sync"`
	Notify    NotifyConfig     `json:"notify"`
	Metrics   MetricsConfig    `json:"metrics"`
	WebSocket websocket.Config `json:"websocket"`
}

// StoreConfig selects the point store backend
type StoreConfig struct {
	Backend string                 `json:"backend"`
	Redis   pointstore.RedisConfig `json:"redis"`
}

// NATSConfig defines the NATS connection and the subjects pointflow uses.
// An empty URL list runs without NATS: rules live in memory and NATS ingress, sinks
// and channels are unavailable.
type NATSConfig struct {
	URLs             []string      `json:"urls,omitempty"`
	MaxReconnects    int           `json:"max_reconnects,omitempty"`
	ReconnectWait    time.Duration `json:"reconnect_wait,omitempty"`
	PingInterval     time.Duration `json:"ping_interval,omitempty"`
	DrainTimeout     time.Duration `json:"drain_timeout,omitempty"`
	CircuitThreshold int32         `json:"circuit_threshold,omitempty"`
	MaxBackoff       time.Duration `json:"max_backoff,omitempty"`
	Username         string        `json:"username,omitempty"`
	Password         string        `json:"password,omitempty"`
	Token            string        `json:"token,omitempty"`
	RulesBucket      string        `json:"rules_bucket,omitempty"`
	EventsStream     string        `json:"events_stream,omitempty"`
	EventsPrefix     string        `json:"events_prefix,omitempty"`
	IngressSubject   string        `json:"ingress_subject,omitempty"`
}

// Enabled reports whether a NATS server is configured
func (n NATSConfig) Enabled() bool { return len(n.URLs) > 0 }

// KafkaConfig configures history archival and the Kafka event sink
type KafkaConfig struct {
	Brokers          []string      `json:"brokers,omitempty"`
	HistoryTopic     string        `json:"history_topic,omitempty"`
	EventsTopic      string        `json:"events_topic,omitempty"`
	WriteTimeout     time.Duration `json:"write_timeout,omitempty"`
	ArchiveWorkers   int           `json:"archive_workers,omitempty"`
	ArchiveQueueSize int           `json:"archive_queue_size,omitempty"`
}

// Enabled reports whether brokers are configured
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// MQTTConfig configures the MQTT client used by ingress and notify channels
type MQTTConfig struct {
	Broker       string        `json:"broker,omitempty"`
	ClientID     string        `json:"client_id,omitempty"`
	Username     string        `json:"username,omitempty"`
	Password     string        `json:"password,omitempty"`
	IngressTopic string        `json:"ingress_topic,omitempty"`
	QoS          byte          `json:"qos"`
	Timeout      time.Duration `json:"connect_timeout,omitempty"`
}

// Enabled reports whether a broker is configured
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// DispatchConfig bounds rule chains and action execution
type DispatchConfig struct {
	MaxDepth      int           `json:"max_depth"`
	ActionTimeout time.Duration `json:"action_timeout"`
}

// EventsConfig sizes the event bus and names the sinks it pumps into
type EventsConfig struct {
	QueueSize int      `json:"queue_size"`
	BatchSize int      `json:"batch_size"`
	Sinks     []string `json:"sinks,omitempty"`

	HTTP httppost.Config `json:"http"`
	File file.Config     `json:"file"`
}

// BusinessConfig configures the business rule batch timer
type BusinessConfig struct {
	BatchInterval time.Duration `json:"batch_interval"`
}

// SyncConfig configures the sync engine timers
type SyncConfig struct {
	ResyncInterval  time.Duration `json:"resync_interval"`
	WindowRetention time.Duration `json:"window_retention"`
}

// NotifyConfig configures notification delivery and channels
type NotifyConfig struct {
	notify.Config
	Channels []notify.ChannelConfig `json:"channels,omitempty"`
}

// MetricsConfig configures the metrics and health server. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// Defaults returns the configuration every layer is merged onto
func Defaults() *Config {
	ws := websocket.DefaultConfig()
	ws.Port = 0
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis:   pointstore.RedisConfig{Addr: "localhost:6379", Prefix: "pointflow"},
		},
		NATS: NATSConfig{
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			PingInterval:     30 * time.Second,
			DrainTimeout:     30 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
			RulesBucket:      "POINTFLOW_RULES",
			EventsStream:     "POINTFLOW_EVENTS",
			EventsPrefix:     "pointflow.events",
			IngressSubject:   "points.>",
		},
		Kafka: KafkaConfig{
			HistoryTopic:     "pointflow.history",
			EventsTopic:      "pointflow.events",
			WriteTimeout:     10 * time.Second,
			ArchiveWorkers:   2,
			ArchiveQueueSize: 1024,
		},
		MQTT: MQTTConfig{
			ClientID:     "pointflow",
			IngressTopic: "points/#",
			QoS:          1,
			Timeout:      10 * time.Second,
		},
		Dispatch: DispatchConfig{MaxDepth: 8, ActionTimeout: 5 * time.Second},
		Events: EventsConfig{
			QueueSize: 1024,
			BatchSize: 64,
			HTTP:      httppost.DefaultConfig(),
			File:      file.DefaultConfig(),
		},
		Business:  BusinessConfig{BatchInterval: time.Second},
		Sync:      SyncConfig{ResyncInterval: 30 * time.Second, WindowRetention: 5 * time.Second},
		Notify:    NotifyConfig{Config: notify.DefaultConfig()},
		Metrics:   MetricsConfig{Port: 9090, Path: "/metrics"},
		WebSocket: ws,
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not memory or redis", c.Store.Backend)
	}

	if c.NATS.Enabled() {
		for _, name := range []struct{ field, value string }{
			{"nats.rules_bucket", c.NATS.RulesBucket},
			{"nats.events_stream", c.NATS.EventsStream},
		} {
			if !isValidNATSName(name.value) {
				return fmt.Errorf("%s %q is not a valid NATS name", name.field, name.value)
			}
		}
		if c.NATS.CircuitThreshold < 1 {
			return fmt.Errorf("nats.circuit_threshold must be at least 1, got %d", c.NATS.CircuitThreshold)
		}
		if c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 || c.NATS.MaxBackoff < 0 {
			return errors.New("nats.ping_interval, nats.drain_timeout and nats.max_backoff must not be negative")
		}
	}

	if c.Dispatch.MaxDepth < 1 {
		return fmt.Errorf("dispatch.max_depth must be at least 1, got %d", c.Dispatch.MaxDepth)
	}
	if c.Dispatch.ActionTimeout <= 0 {
		return errors.New("dispatch.action_timeout must be positive")
	}
	if c.Events.QueueSize < 1 || c.Events.BatchSize < 1 {
		return errors.New("events.queue_size and events.batch_size must be positive")
	}
	if err := c.validateSinks(); err != nil {
		return err
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if err := c.validateChannels(); err != nil {
		return err
	}

	for _, p := range []struct {
		field string
		port  int
	}{{"metrics.port", c.Metrics.Port}, {"websocket.port", c.WebSocket.Port}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("invalid %s: %d", p.field, p.port)
		}
	}
	if c.Metrics.Port != 0 && c.Metrics.Port == c.WebSocket.Port {
		return fmt.Errorf("metrics.port and websocket.port are both %d", c.Metrics.Port)
	}
	return nil
}

func (c *Config) validateSinks() error {
	seen := make(map[string]bool, len(c.Events.Sinks))
	for _, s := range c.Events.Sinks {
		if seen[s] {
			return fmt.Errorf("events.sinks lists %q twice", s)
		}
		seen[s] = true
		switch s {
		case SinkNATS:
			if !c.NATS.Enabled() {
				return errors.New("events sink nats requires nats.urls")
			}
		case SinkKafka:
			if !c.Kafka.Enabled() || c.Kafka.EventsTopic == "" {
				return errors.New("events sink kafka requires kafka.brokers and kafka.events_topic")
			}
		case SinkWebSocket:
			if c.WebSocket.Port == 0 {
				return errors.New("events sink websocket requires websocket.port")
			}
		case SinkHTTP:
			if err := c.Events.HTTP.Validate(); err != nil {
				return fmt.Errorf("events sink http: %w", err)
			}
		case SinkFile:
			if err := c.Events.File.Validate(); err != nil {
				return fmt.Errorf("events sink file: %w", err)
			}
		default:
			return fmt.Errorf("unknown events sink %q", s)
		}
	}
	return nil
}

func (c *Config) validateChannels() error {
	names := make(map[string]bool, len(c.Notify.Channels))
	for i, ch := range c.Notify.Channels {
		if ch.Name == "" {
			return fmt.Errorf("notify.channels[%d]: name is required", i)
		}
		if names[ch.Name] {
			return fmt.Errorf("notify channel %q defined twice", ch.Name)
		}
		names[ch.Name] = true

		switch ch.Type {
		case "log":
		case "nats":
			if !c.NATS.Enabled() || ch.Subject == "" {
				return fmt.Errorf("notify channel %q needs nats.urls and a subject", ch.Name)
			}
		case "mqtt":
			if !c.MQTT.Enabled() || ch.Topic == "" {
				return fmt.Errorf("notify channel %q needs mqtt.broker and a topic", ch.Name)
			}
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("notify channel %q needs a url", ch.Name)
			}
		default:
			return fmt.Errorf("notify channel %q has unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// HasSink reports whether the named events sink is enabled
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Events.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// isValidNATSName checks stream and bucket names: letters, digits, dash and underscore
func isValidNATSName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token, &masked.Store.Redis.Password, &masked.MQTT.Password} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
