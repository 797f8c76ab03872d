// Package notify delivers business-rule notifications off the write path.
//
// Submit queues a notification on a bounded worker pool and returns at once. Each
// delivery runs under the configured timeout and waits for its channel's rate limiter.
// A full queue is reported to the caller as back-pressure; a failed delivery is logged,
// counted and handed to the OnFailure callback but never retried here.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/cache"
	"github.com/c360/pointflow/pkg/worker"
	"github.com/c360/pointflow/point"
)

// Notification is one message handed to a channel
type Notification struct {
	ID         string          `json:"id"`
	RuleID     string          `json:"rule_id"`
	Channel    string          `json:"channel"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TriggerKey *point.Key      `json:"trigger_key,omitempty"`
	Value      float64         `json:"value"`
	Timestamp  int64           `json:"timestamp"`
}

// Channel delivers notifications to one destination
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Config sizes the delivery pool
type Config struct {
	Workers       int           `json:"workers" yaml:"workers"`
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RatePerSecond float64       `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `json:"burst" yaml:"burst"`
	DedupWindow   time.Duration `json:"dedup_window" yaml:"dedup_window"`
}

// DefaultConfig returns delivery defaults. Deduplication is off.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		Timeout:       5 * time.Second,
		RatePerSecond: 10,
		Burst:         20,
	}
}

// FailureFunc receives a notification whose delivery failed after Submit accepted it
type FailureFunc func(note Notification, err error)

type route struct {
	channel Channel
	limiter *rate.Limiter
}

// Notifier routes notifications to channels by name
type Notifier struct {
	cfg     Config
	routes  map[string]route
	pool    *worker.Pool[Notification]
	dedup   *cache.TTL[int64]
	sent    *prometheus.CounterVec
	metrics *metric.Metrics
	failure atomic.Pointer[FailureFunc]
	logger  *slog.Logger
}

// New creates a notifier over channels. registry may be nil.
func New(ctx context.Context, cfg Config, registry *metric.MetricsRegistry, channels ...Channel) (*Notifier, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	n := &Notifier{
		cfg:    cfg,
		routes: make(map[string]route, len(channels)),
		logger: slog.Default().With("component", "notify"),
	}
	for _, ch := range channels {
		if _, dup := n.routes[ch.Name()]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate channel %q", errors.ErrInvalidConfig, ch.Name()),
				"Notifier", "New", "register channel")
		}
		n.routes[ch.Name()] = route{
			channel: ch,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		}
	}

	if cfg.DedupWindow > 0 {
		dedup, err := cache.NewTTL[int64](ctx, cfg.DedupWindow, cfg.DedupWindow,
			cache.WithMetrics[int64](registry, "pointflow_notify_dedup"))
		if err != nil {
			return nil, errors.Wrap(err, "Notifier", "New", "create dedup cache")
		}
		n.dedup = dedup
	}

	if registry != nil {
		n.metrics = registry.CoreMetrics()
		n.sent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notification deliveries by channel and result",
		}, []string{"channel", "result"})
		if err := registry.RegisterCounterVec("notify", "sent", n.sent); err != nil {
			n.logger.Warn("Notify metric not registered", "error", err)
			n.sent = nil
		}
	}

	n.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, n.deliver,
		worker.WithTaskTimeout[Notification](cfg.Timeout),
		worker.WithMetricsRegistry[Notification](registry, "pointflow_notify_pool"),
		worker.WithErrorHandler[Notification](func(note Notification, err error) {
			n.logger.Error("Notification delivery failed",
				"channel", note.Channel,
				"rule", note.RuleID,
				"notification_id", note.ID,
				"error", err)
			if n.metrics != nil {
				n.metrics.RecordError("notify", errors.Classify(err).String())
			}
			if fn := n.failure.Load(); fn != nil {
				(*fn)(note, err)
			}
		}),
	)
	return n, nil
}

// OnFailure sets the callback for failed deliveries. It may be called after Start.
func (n *Notifier) OnFailure(fn FailureFunc) {
	if fn == nil {
		n.failure.Store(nil)
		return
	}
	n.failure.Store(&fn)
}

// Channels returns the configured channel names, sorted
func (n *Notifier) Channels() []string {
	out := make([]string, 0, len(n.routes))
	for name := range n.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start launches the delivery workers
func (n *Notifier) Start(ctx context.Context) error {
	return n.pool.Start(ctx)
}

// Stop waits up to timeout for queued deliveries
func (n *Notifier) Stop(timeout time.Duration) error {
	err := n.pool.Stop(timeout)
	if n.dedup != nil {
		n.dedup.Close()
	}
	return err
}

// Stats returns pool counters
func (n *Notifier) Stats() worker.Stats {
	return n.pool.Stats()
}

// Submit queues note. It fails with ErrInvalidData for an unknown channel and with
// ErrQueueFull when the pool is saturated. A duplicate inside the dedup window is
// accepted and dropped.
func (n *Notifier) Submit(note Notification) error {
	if _, ok := n.routes[note.Channel]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown notify channel %q", errors.ErrInvalidData, note.Channel),
			"Notifier", "Submit", "route notification")
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	}

	if n.dedup != nil {
		key := note.RuleID + "|" + note.Channel + "|" + string(note.Payload)
		if !n.dedup.SetIfAbsent(key, note.Timestamp) {
			n.logger.Debug("Duplicate notification suppressed", "channel", note.Channel, "rule", note.RuleID)
			n.count(note.Channel, "deduplicated")
			return nil
		}
	}

	if err := n.pool.Submit(note); err != nil {
		n.count(note.Channel, "dropped")
		if errors.Is(err, worker.ErrQueueFull) {
			return errors.WrapTransient(fmt.Errorf("%w: notify queue", errors.ErrQueueFull), "Notifier", "Submit", "queue notification")
		}
		return errors.WrapTransient(err, "Notifier", "Submit", "queue notification")
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, note Notification) error {
	r := n.routes[note.Channel]
	if err := r.limiter.Wait(ctx); err != nil {
		n.count(note.Channel, "rate_limited")
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRateLimited, err), "Notifier", "deliver", "wait for rate limit")
	}
	if err := r.channel.Send(ctx, note); err != nil {
		n.count(note.Channel, "error")
		return err
	}
	n.count(note.Channel, "ok")
	return nil
}

func (n *Notifier) count(channel, result string) {
	if n.sent != nil {
		n.sent.WithLabelValues(channel, result).Inc()
	}
}
