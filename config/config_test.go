package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointflow/notify"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Dispatch.MaxDepth)
	assert.False(t, cfg.NATS.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, 0, cfg.WebSocket.Port)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "base.json", `{
		"store": {"backend": "redis", "redis": {"addr": "redis:6379"}},
		"nats": {"urls": ["nats://nats:4222"], "reconnect_wait": "500ms"},
		"dispatch": {"max_depth": 4, "action_timeout": "2s"},
		"sync": {"resync_interval": "1d"}
	}`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "pointflow", cfg.Store.Redis.Prefix, "unset keys keep their defaults")
	assert.Equal(t, []string{"nats://nats:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, "POINTFLOW_RULES", cfg.NATS.RulesBucket)
	assert.Equal(t, 4, cfg.Dispatch.MaxDepth)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.ActionTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Sync.ResyncInterval)
	assert.Equal(t, 5*time.Second, cfg.Sync.WindowRetention)
}

func TestLoader_YAMLOverridesJSON(t *testing.T) {
	base := writeFile(t, "base.json", `{"events": {"queue_size": 10, "batch_size": 5}, "metrics": {"port": 9100}}`)
	site := writeFile(t, "site.yaml", `
events:
  queue_size: 20
kafka:
  brokers: [kafka:9092]
  write_timeout: 3s
websocket:
  port: 8081
  ping_interval: 10s
notify:
  workers: 2
  channels:
    - name: ops
      type: webhook
      url: http://hooks.local/ops
    - name: log
      type: log
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Events.QueueSize)
	assert.Equal(t, 5, cfg.Events.BatchSize)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Kafka.WriteTimeout)
	assert.Equal(t, 8081, cfg.WebSocket.Port)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, 2, cfg.Notify.Workers)
	assert.Equal(t, notify.DefaultConfig().QueueSize, cfg.Notify.QueueSize)
	require.Len(t, cfg.Notify.Channels, 2)
	assert.Equal(t, "webhook", cfg.Notify.Channels[0].Type)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("POINTFLOW_NATS_URLS", "nats://a:4222, nats://b:4222")
	t.Setenv("POINTFLOW_STORE_BACKEND", "redis")
	t.Setenv("POINTFLOW_REDIS_ADDR", "cache:6379")
	t.Setenv("POINTFLOW_METRICS_PORT", "9200")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 9200, cfg.Metrics.Port)

	t.Setenv("POINTFLOW_WEBSOCKET_PORT", "not-a-port")
	_, err = NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad json", "bad.json", `{"store": `},
		{"bad yaml", "bad.yaml", "store: [unclosed"},
		{"bad duration", "d.json", `{"business": {"batch_interval": "soon"}}`},
		{"wrong extension", "cfg.toml", `store = 1`},
		{"invalid config", "v.json", `{"store": {"backend": "etcd"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader()
			loader.EnableValidation(true)
			_, err := loader.LoadFile(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "bolt" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis"; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"zero depth", func(c *Config) { c.Dispatch.MaxDepth = 0 }, "max_depth"},
		{"no action timeout", func(c *Config) { c.Dispatch.ActionTimeout = 0 }, "action_timeout"},
		{"empty queue", func(c *Config) { c.Events.QueueSize = 0 }, "queue_size"},
		{"nats sink without nats", func(c *Config) { c.Events.Sinks = []string{SinkNATS} }, "nats.urls"},
		{"kafka sink without brokers", func(c *Config) { c.Events.Sinks = []string{SinkKafka} }, "kafka.brokers"},
		{"websocket sink without port", func(c *Config) { c.Events.Sinks = []string{SinkWebSocket} }, "websocket.port"},
		{"http sink without url", func(c *Config) { c.Events.Sinks = []string{SinkHTTP} }, "events sink http"},
		{"file sink with bad format", func(c *Config) {
			c.Events.Sinks = []string{SinkFile}
			c.Events.File.Format = "csv"
		}, "events sink file"},
		{"duplicate sink", func(c *Config) {
			c.Events.File.Directory = "/tmp"
			c.Events.Sinks = []string{SinkFile, SinkFile}
		}, "twice"},
		{"unknown sink", func(c *Config) { c.Events.Sinks = []string{"s3"} }, "unknown events sink"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad bucket", func(c *Config) { c.NATS.URLs = []string{"nats://x"}; c.NATS.RulesBucket = "a.b" }, "rules_bucket"},
		{"zero circuit threshold", func(c *Config) { c.NATS.URLs = []string{"nats://x"}; c.NATS.CircuitThreshold = 0 }, "circuit_threshold"},
		{"negative backoff", func(c *Config) { c.NATS.URLs = []string{"nats://x"}; c.NATS.MaxBackoff = -time.Second }, "max_backoff"},
		{"port clash", func(c *Config) { c.WebSocket.Port = c.Metrics.Port }, "both"},
		{"channel without name", func(c *Config) {
			c.Notify.Channels = []notify.ChannelConfig{{Type: "log"}}
		}, "name is required"},
		{"duplicate channel", func(c *Config) {
			c.Notify.Channels = []notify.ChannelConfig{{Name: "a", Type: "log"}, {Name: "a", Type: "log"}}
		}, "defined twice"},
		{"mqtt channel without broker", func(c *Config) {
			c.Notify.Channels = []notify.ChannelConfig{{Name: "m", Type: "mqtt", Topic: "alerts"}}
		}, "mqtt.broker"},
		{"unknown channel", func(c *Config) {
			c.Notify.Channels = []notify.ChannelConfig{{Name: "sms", Type: "sms"}}
		}, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)

	got := sc.Get()
	got.Dispatch.MaxDepth = 99
	assert.Equal(t, 8, sc.Get().Dispatch.MaxDepth, "Get returns a copy")

	bad := Defaults()
	bad.Dispatch.MaxDepth = 0
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	good := Defaults()
	good.Dispatch.MaxDepth = 3
	require.NoError(t, sc.Update(good))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 3, sc.Get().Dispatch.MaxDepth)
		}()
	}
	wg.Wait()
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Password = "hunter2"
	cfg.Store.Redis.Password = "s3cret"
	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "s3cret")
	assert.Equal(t, "hunter2", cfg.NATS.Password, "original untouched")
}

func TestCheckJSONDepth(t *testing.T) {
	assert.NoError(t, checkJSONDepth([]byte(`{"a":[{"b":"]}"}]}`)))
	assert.Error(t, checkJSONDepth([]byte(`{"a":[}`)))
	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, checkJSONDepth(deep))
}

func TestLoader_OutputSinks(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, "sinks.yaml", `
events:
  sinks: [http, file]
  http:
    url: https://historian.local/events
    timeout: 4s
    headers:
      X-Site: plant1
  file:
    directory: `+dir+`
    format: raw
`)
	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.HasSink(SinkHTTP))
	assert.True(t, cfg.HasSink(SinkFile))
	assert.Equal(t, "https://historian.local/events", cfg.Events.HTTP.URL)
	assert.Equal(t, 4*time.Second, cfg.Events.HTTP.Timeout)
	assert.Equal(t, "plant1", cfg.Events.HTTP.Headers["X-Site"])
	assert.Equal(t, dir, cfg.Events.File.Directory)
	assert.Equal(t, "raw", cfg.Events.File.Format)
	assert.Equal(t, "events", cfg.Events.File.FilePrefix, "unset keys keep their defaults")
}

func TestCheckConfigPath(t *testing.T) {
	assert.NoError(t, checkConfigPath("configs/site.yml"))
	assert.NoError(t, checkConfigPath("/etc/pointflow/site.json"))
	assert.Error(t, checkConfigPath(""))
	assert.Error(t, checkConfigPath("../outside.yaml"))
	assert.Error(t, checkConfigPath("site.toml"))
	assert.Error(t, checkEnvValue("POINTFLOW_X", "a\x00b"))
}

func TestLoader_NATSConnectionTuning(t *testing.T) {
	path := writeFile(t, "nats.yaml", `
nats:
  urls: [nats://nats:4222]
  ping_interval: 10s
  drain_timeout: 3s
  max_backoff: 20s
  circuit_threshold: 3
`)
	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.NATS.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.NATS.DrainTimeout)
	assert.Equal(t, 20*time.Second, cfg.NATS.MaxBackoff)
	assert.Equal(t, int32(3), cfg.NATS.CircuitThreshold)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait, "unset keys keep their defaults")
}
