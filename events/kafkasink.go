package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/c360/pointflow/errors"
)

// MessageWriter is the part of kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka event sink
type KafkaConfig struct {
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// KafkaSink writes events to one Kafka topic, keyed by event topic so each stream keeps
// its order within a partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds a synchronous writer that waits for the leader ack
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "kafka", "NewKafkaWriter", "check brokers")
	}
	if topic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "kafka", "NewKafkaWriter", "check topic")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           timeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaSink creates a sink over writer
func NewKafkaSink(writer MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic}
}

// Name implements Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink. The batch is written in one call.
func (s *KafkaSink) Deliver(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return errors.WrapInvalid(err, "KafkaSink", "Deliver", "encode event")
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Topic),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(ev.ID)},
				{Key: "topic", Value: []byte(ev.Topic)},
			},
			Time: time.UnixMilli(ev.Timestamp),
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.WrapTransient(fmt.Errorf("write %d events to %s: %w", len(msgs), s.topic, err),
			"KafkaSink", "Deliver", "write messages")
	}
	return nil
}

// Close closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
