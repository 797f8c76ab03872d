package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/natsclient"
)

// ChannelConfig describes one configured channel
type ChannelConfig struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Topic   string `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS     byte   `json:"qos,omitempty" yaml:"qos,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
}

// LogChannel writes notifications to the structured log
type LogChannel struct {
	name   string
	logger *slog.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(name string) *LogChannel {
	if name == "" {
		name = "log"
	}
	return &LogChannel{name: name, logger: slog.Default().With("component", "notify", "channel", name)}
}

// Name implements Channel
func (c *LogChannel) Name() string { return c.name }

// Send implements Channel
func (c *LogChannel) Send(_ context.Context, n Notification) error {
	c.logger.Info("Notification",
		"rule", n.RuleID,
		"notification_id", n.ID,
		"value", n.Value,
		"payload", string(n.Payload))
	return nil
}

// SubjectPublisher is the part of natsclient.Client the NATS channel uses
type SubjectPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

var _ SubjectPublisher = (*natsclient.Client)(nil)

// NATSChannel publishes notifications as JSON on a core NATS subject
type NATSChannel struct {
	name    string
	subject string
	nc      SubjectPublisher
}

// NewNATSChannel creates a NATS channel
func NewNATSChannel(name, subject string, nc SubjectPublisher) *NATSChannel {
	if subject == "" {
		subject = "pointflow.notify." + name
	}
	return &NATSChannel{name: name, subject: subject, nc: nc}
}

// Name implements Channel
func (c *NATSChannel) Name() string { return c.name }

// Send implements Channel
func (c *NATSChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "NATSChannel", "Send", "encode notification")
	}
	if err := c.nc.Publish(ctx, c.subject, data); err != nil {
		return errors.WrapTransient(err, "NATSChannel", "Send", "publish to "+c.subject)
	}
	return nil
}

// MQTTPublisher is the part of mqtt.Client the MQTT channel uses
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTChannel publishes notifications to an MQTT topic
type MQTTChannel struct {
	name   string
	topic  string
	qos    byte
	client MQTTPublisher
}

// NewMQTTChannel creates an MQTT channel
func NewMQTTChannel(name, topic string, qos byte, client MQTTPublisher) *MQTTChannel {
	if topic == "" {
		topic = "pointflow/notify/" + name
	}
	return &MQTTChannel{name: name, topic: topic, qos: qos, client: client}
}

// Name implements Channel
func (c *MQTTChannel) Name() string { return c.name }

// Send implements Channel. It waits for the publish token until ctx ends.
func (c *MQTTChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "MQTTChannel", "Send", "encode notification")
	}

	token := c.client.Publish(c.topic, c.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "MQTTChannel", "Send", "wait for publish to "+c.topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTTChannel", "Send", "publish to "+c.topic)
	}
	return nil
}

// WebhookChannel POSTs notifications as JSON
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. Only http and https URLs are accepted.
func NewWebhookChannel(name, rawURL string) (*WebhookChannel, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: webhook url %q", errors.ErrInvalidConfig, rawURL),
			"notify", "NewWebhookChannel", "validate url")
	}
	return &WebhookChannel{
		name:   name,
		url:    rawURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name implements Channel
func (c *WebhookChannel) Name() string { return c.name }

// Send implements Channel. Any non-2xx status is a failure; 5xx and 429 are transient.
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "WebhookChannel", "Send", "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "WebhookChannel", "Send", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pointflow-Notification", n.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "WebhookChannel", "Send", "post notification")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("webhook %s returned %d", c.name, resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.WrapTransient(statusErr, "WebhookChannel", "Send", "post notification")
	}
	return errors.WrapInvalid(statusErr, "WebhookChannel", "Send", "post notification")
}

// BuildChannels creates channels from configuration. nc and mqttClient may be nil when
// no channel of that type is configured.
func BuildChannels(cfgs []ChannelConfig, nc SubjectPublisher, mqttClient MQTTPublisher) ([]Channel, error) {
	out := make([]Channel, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "log":
			out = append(out, NewLogChannel(cfg.Name))
		case "nats":
			if nc == nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: channel %s needs a NATS connection", errors.ErrMissingConfig, cfg.Name),
					"notify", "BuildChannels", "build nats channel")
			}
			out = append(out, NewNATSChannel(cfg.Name, cfg.Subject, nc))
		case "mqtt":
			if mqttClient == nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: channel %s needs an MQTT client", errors.ErrMissingConfig, cfg.Name),
					"notify", "BuildChannels", "build mqtt channel")
			}
			out = append(out, NewMQTTChannel(cfg.Name, cfg.Topic, cfg.QoS, mqttClient))
		case "webhook":
			ch, err := NewWebhookChannel(cfg.Name, cfg.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		default:
			return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown channel type %q", errors.ErrInvalidConfig, cfg.Type),
				"notify", "BuildChannels", "build channel "+cfg.Name)
		}
	}
	return out, nil
}
