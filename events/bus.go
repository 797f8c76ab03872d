package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/buffer"
	"github.com/c360/pointflow/pkg/retry"
	"github.com/c360/pointflow/pkg/timestamp"
)

// Publisher emits events. Engines depend on this rather than on the Bus.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload any) (Event, error)
}

// Sink receives pumped events
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch []Event) error
}

// Config sizes the per-topic queues
type Config struct {
	QueueSize int          `json:"queue_size" yaml:"queue_size"`
	BatchSize int          `json:"batch_size" yaml:"batch_size"`
	Retry     retry.Config `json:"-" yaml:"-"`
}

// DefaultConfig returns queue defaults
func DefaultConfig() Config {
	return Config{QueueSize: 1024, BatchSize: 64, Retry: retry.DefaultConfig()}
}

// Subscription owns one bounded queue per subscribed topic
type Subscription struct {
	name   string
	queues map[Topic]*buffer.Ring[Event]
}

// Name returns the subscription name
func (s *Subscription) Name() string { return s.name }

// Topics returns the subscribed topics, sorted
func (s *Subscription) Topics() []Topic {
	out := make([]Topic, 0, len(s.queues))
	for t := range s.queues {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pull removes up to max queued events of topic, oldest first
func (s *Subscription) Pull(topic Topic, max int) []Event {
	q, ok := s.queues[topic]
	if !ok {
		return nil
	}
	return q.PopBatch(max)
}

// Ready is signalled when topic receives an event
func (s *Subscription) Ready(topic Topic) <-chan struct{} {
	if q, ok := s.queues[topic]; ok {
		return q.Ready()
	}
	return nil
}

// Stats returns per-topic queue statistics
func (s *Subscription) Stats() map[Topic]buffer.Stats {
	out := make(map[Topic]buffer.Stats, len(s.queues))
	for t, q := range s.queues {
		out[t] = q.Stats()
	}
	return out
}

func (s *Subscription) close() {
	for _, q := range s.queues {
		q.Close()
	}
}

// Bus fans published events out to subscriptions
type Bus struct {
	cfg      Config
	clock    timestamp.Clock
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBus creates a bus. registry and metrics may be nil.
func NewBus(cfg Config, registry *metric.MetricsRegistry, clock timestamp.Clock) *Bus {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = def.Retry
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}

	b := &Bus{
		cfg:      cfg,
		clock:    clock,
		registry: registry,
		logger:   slog.Default().With("component", "events"),
		subs:     make(map[string]*Subscription),
	}
	if registry != nil {
		b.metrics = registry.CoreMetrics()
	}
	return b
}

// Subscribe registers a named subscription for topics, all topics when none are given.
// Subscribing twice with the same name returns the existing subscription.
func (b *Bus) Subscribe(name string, topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[name]; ok {
		return s
	}
	if len(topics) == 0 {
		topics = AllTopics
	}

	s := &Subscription{name: name, queues: make(map[Topic]*buffer.Ring[Event], len(topics))}
	for _, t := range topics {
		queueName := name + "/" + string(t)
		s.queues[t] = buffer.NewRing[Event](b.cfg.QueueSize,
			buffer.WithOverflowPolicy[Event](buffer.DropNewest),
			buffer.WithDropCallback[Event](func(ev Event) {
				b.logger.Warn("Event queue full, event rejected",
					"queue", queueName, "event_id", ev.ID)
			}),
			buffer.WithMetrics[Event](b.registry, "pointflow_events", queueName),
		)
	}
	b.subs[name] = s
	return s
}

// Unsubscribe removes and closes a subscription
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Publish wraps payload in an event and appends it to every subscribed queue.
// It never blocks. Queued events are never evicted: when a subscription's queue is full
// the new event is left out of that queue and Publish returns the event together with
// a transient ErrQueueFull naming the subscriptions that missed it.
func (b *Bus) Publish(_ context.Context, topic Topic, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.WrapInvalid(err, "Bus", "Publish", "encode payload")
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: b.clock.NowMs(),
		Data:      data,
	}

	var full []string
	b.mu.RLock()
	for _, s := range b.subs {
		q, ok := s.queues[topic]
		if !ok {
			continue
		}
		if err := q.Push(ev); err != nil {
			if stderrors.Is(err, errors.ErrQueueFull) {
				full = append(full, s.name)
				continue
			}
			b.logger.Warn("Event not queued", "subscription", s.name, "topic", topic, "error", err)
		}
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordEventPublished(string(topic))
	}
	if len(full) > 0 {
		sort.Strings(full)
		return ev, errors.WrapTransient(fmt.Errorf("%w: %s event not queued for %s", errors.ErrQueueFull, topic, strings.Join(full, ", ")),
			"Bus", "Publish", "queue event")
	}
	return ev, nil
}

// Pump drains every topic of sub into sink until ctx ends. A batch that still fails after
// the configured retries is logged and dropped.
func (b *Bus) Pump(ctx context.Context, sub *Subscription, sink Sink) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range sub.Topics() {
		topic := topic
		g.Go(func() error {
			b.pumpTopic(ctx, sub, topic, sink)
			return nil
		})
	}
	return g.Wait()
}

func (b *Bus) pumpTopic(ctx context.Context, sub *Subscription, topic Topic, sink Sink) {
	logger := b.logger.With("sink", sink.Name(), "topic", topic)
	for {
		batch := sub.Pull(topic, b.cfg.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-sub.Ready(topic):
				continue
			}
		}

		err := retry.Do(ctx, b.cfg.Retry, func() error {
			return sink.Deliver(ctx, batch)
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		logger.Error("Event delivery failed, batch dropped", "events", len(batch), "error", err)
		if b.metrics != nil {
			b.metrics.RecordError("events", errors.Classify(err).String())
		}
	}
}
