package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/natsclient"
)

// StreamPublisher is the part of natsclient.Client the NATS sink uses
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error
}

var _ StreamPublisher = (*natsclient.Client)(nil)

// NATSSink publishes events to a JetStream stream on "<prefix>.<topic>". The event id is
// used as the message id so redelivered batches are deduplicated by the server.
type NATSSink struct {
	js     StreamPublisher
	prefix string
}

// NewNATSSink creates a sink. The prefix defaults to "events".
func NewNATSSink(js StreamPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "events"
	}
	return &NATSSink{js: js, prefix: prefix}
}

// EnsureStream creates the stream that captures every sink subject
func EnsureStream(ctx context.Context, client *natsclient.Client, name, prefix string) error {
	if prefix == "" {
		prefix = "events"
	}
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{prefix + ".>"},
	})
	return err
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject for topic
func (s *NATSSink) Subject(topic Topic) string {
	return s.prefix + "." + string(topic)
}

// Deliver implements Sink
func (s *NATSSink) Deliver(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return errors.WrapInvalid(err, "NATSSink", "Deliver", "encode event")
		}
		if err := s.js.PublishToStream(ctx, s.Subject(ev.Topic), data, jetstream.WithMsgID(ev.ID)); err != nil {
			return errors.WrapTransient(err, "NATSSink", "Deliver", "publish event "+ev.ID)
		}
	}
	return nil
}
