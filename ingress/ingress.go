// Package ingress decodes gateway samples from NATS and MQTT and writes them to the
// point store.
//
// A message carries one RawPoint object or an array of them. Fields missing from the
// body are taken from the subject or topic tokens after the prefix, in the order
// namespace, entity, category, field; "points.comsrv.ch1.measurement.101" and
// "points/comsrv/ch1/measurement/101" name the same point.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pointstore"
)

// Default subscriptions
const (
	DefaultNATSSubject = "points.>"
	DefaultMQTTTopic   = "points/#"
)

// Writer commits decoded samples
type Writer interface {
	WriteRaw(ctx context.Context, r pointstore.RawPoint) (pointstore.WriteResult, error)
}

// NATSSubscriber is the part of natsclient.Client ingress uses
type NATSSubscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, subject string, data []byte)) error
}

// MQTTSubscriber is the part of mqtt.Client ingress uses
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Ingress writes decoded samples through a Writer
type Ingress struct {
	writer   Writer
	received *prometheus.CounterVec
	logger   *slog.Logger
}

// New creates an ingress. registry may be nil.
func New(writer Writer, registry *metric.MetricsRegistry) *Ingress {
	in := &Ingress{
		writer: writer,
		logger: slog.Default().With("component", "ingress"),
	}
	if registry != nil {
		in.received = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "ingress",
			Name:      "points_total",
			Help:      "Ingress points by transport and result",
		}, []string{"transport", "result"})
		if err := registry.RegisterCounterVec("ingress", "points", in.received); err != nil {
			in.logger.Warn("Ingress metric not registered", "error", err)
			in.received = nil
		}
	}
	return in
}

func (in *Ingress) count(transport, result string, n int) {
	if in.received != nil && n > 0 {
		in.received.WithLabelValues(transport, result).Add(float64(n))
	}
}

// Decode parses a message body. tokens fill the fields the body leaves empty.
func Decode(data []byte, tokens []string) ([]pointstore.RawPoint, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty message", errors.ErrInvalidData), "ingress", "Decode", "read body")
	}

	var points []pointstore.RawPoint
	if data[0] == '[' {
		if err := json.Unmarshal(data, &points); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "ingress", "Decode", "decode batch")
		}
	} else {
		var p pointstore.RawPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "ingress", "Decode", "decode point")
		}
		points = []pointstore.RawPoint{p}
	}

	for i := range points {
		fill(&points[i], tokens)
	}
	return points, nil
}

func fill(p *pointstore.RawPoint, tokens []string) {
	slots := []*string{&p.Namespace, &p.Entity, &p.Category, &p.Field}
	for i, s := range slots {
		if *s == "" && i < len(tokens) {
			*s = tokens[i]
		}
	}
}

// Handle decodes one message and writes every point in it. Each point is written
// even when an earlier one fails; the failures are joined.
func (in *Ingress) Handle(ctx context.Context, transport string, tokens []string, data []byte) error {
	points, err := Decode(data, tokens)
	if err != nil {
		in.count(transport, "invalid", 1)
		return err
	}

	var errs []error
	for _, p := range points {
		if _, err := in.writer.WriteRaw(ctx, p); err != nil {
			in.count(transport, resultOf(err), 1)
			errs = append(errs, fmt.Errorf("%s:%s:%s:%s: %w", p.Namespace, p.Entity, p.Category, p.Field, err))
			continue
		}
		in.count(transport, "ok", 1)
	}
	return stderrors.Join(errs...)
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, errors.ErrDispatchCycle):
		return "refused"
	case errors.IsInvalid(err):
		return "invalid"
	}
	return "error"
}

// SubscribeNATS consumes subject until the client closes. The tokens after the first
// subject token fill missing point fields.
func (in *Ingress) SubscribeNATS(ctx context.Context, client NATSSubscriber, subject string) error {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	err := client.Subscribe(ctx, subject, func(ctx context.Context, subj string, data []byte) {
		if err := in.Handle(ctx, "nats", tail(strings.Split(subj, ".")), data); err != nil {
			in.logger.Warn("Ingress message rejected", "transport", "nats", "subject", subj, "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Ingress", "SubscribeNATS", "subscribe "+subject)
	}
	in.logger.Info("Ingress subscribed", "transport", "nats", "subject", subject)
	return nil
}

// SubscribeMQTT consumes topic until ctx ends, then unsubscribes. It blocks.
func (in *Ingress) SubscribeMQTT(ctx context.Context, client MQTTSubscriber, topic string, qos byte, timeout time.Duration) error {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := in.Handle(ctx, "mqtt", tail(strings.Split(msg.Topic(), "/")), msg.Payload()); err != nil {
			in.logger.Warn("Ingress message rejected", "transport", "mqtt", "topic", msg.Topic(), "error", err)
		}
	})
	if err := wait(ctx, token, timeout); err != nil {
		return errors.WrapTransient(err, "Ingress", "SubscribeMQTT", "subscribe "+topic)
	}
	in.logger.Info("Ingress subscribed", "transport", "mqtt", "topic", topic)

	<-ctx.Done()
	if err := wait(context.Background(), client.Unsubscribe(topic), timeout); err != nil {
		in.logger.Debug("MQTT unsubscribe failed", "topic", topic, "error", err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tail(parts []string) []string {
	if len(parts) <= 1 {
		return nil
	}
	return parts[1:]
}
