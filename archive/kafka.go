// Package archive forwards committed point writes to a Kafka history topic.
//
// The archiver is installed on the point store. Archive never blocks the write path: the
// write is queued on a bounded pool and dropped, with a counter and a log line, when
// the queue is full. The topic is a write-only sink; nothing in the core reads it back.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/worker"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
)

// Config configures the archiver
type Config struct {
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	Workers      int           `json:"workers" yaml:"workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Record is the message written for each committed point
type Record struct {
	Key       point.Key    `json:"key"`
	Namespace string       `json:"namespace"`
	Value     float64      `json:"value"`
	Quality   string       `json:"quality"`
	Timestamp int64        `json:"timestamp"`
	Previous  *point.Value `json:"previous,omitempty"`
}

// NewRecord builds the history record of a write
func NewRecord(res pointstore.WriteResult) Record {
	return Record{
		Key:       res.Key,
		Namespace: res.Key.Namespace,
		Value:     res.New.Value,
		Quality:   string(res.New.Quality),
		Timestamp: res.New.Timestamp,
		Previous:  res.Old,
	}
}

// Archiver implements pointstore.Archiver
type Archiver struct {
	writer  events.MessageWriter
	topic   string
	pool    *worker.Pool[pointstore.WriteResult]
	dropped prometheus.Counter
	logger  *slog.Logger
}

var _ pointstore.Archiver = (*Archiver)(nil)

// NewKafkaWriter builds the history writer. Batches are flushed after 10ms so a single
// queued record is not held for the writer's default one second.
func NewKafkaWriter(cfg Config) (*kafka.Writer, error) {
	w, err := events.NewKafkaWriter(cfg.Brokers, cfg.Topic, cfg.WriteTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "archive", "NewKafkaWriter", "build history writer")
	}
	w.BatchTimeout = 10 * time.Millisecond
	return w, nil
}

// New creates an archiver over writer. registry may be nil.
func New(writer events.MessageWriter, cfg Config, registry *metric.MetricsRegistry) *Archiver {
	a := &Archiver{
		writer: writer,
		topic:  cfg.Topic,
		logger: slog.Default().With("component", "archive"),
	}

	if registry != nil {
		a.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "archive",
			Name:      "dropped_total",
			Help:      "Point writes not archived because the queue was full",
		})
		if err := registry.RegisterCounter("archive", "dropped", a.dropped); err != nil {
			a.logger.Warn("Archive metric not registered", "error", err)
			a.dropped = nil
		}
	}

	a.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, a.write,
		worker.WithTaskTimeout[pointstore.WriteResult](timeoutOr(cfg.WriteTimeout)),
		worker.WithMetricsRegistry[pointstore.WriteResult](registry, "pointflow_archive_pool"),
		worker.WithErrorHandler[pointstore.WriteResult](func(res pointstore.WriteResult, err error) {
			a.logger.Error("History write failed", "key", res.Key.String(), "error", err)
		}),
	)
	return a
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Start launches the pool
func (a *Archiver) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Stop drains the queue for up to timeout and closes the writer
func (a *Archiver) Stop(timeout time.Duration) error {
	perr := a.pool.Stop(timeout)
	if err := a.writer.Close(); err != nil {
		return errors.Wrap(err, "Archiver", "Stop", "close writer")
	}
	return perr
}

// Stats returns pool counters
func (a *Archiver) Stats() worker.Stats {
	return a.pool.Stats()
}

// Archive implements pointstore.Archiver
func (a *Archiver) Archive(_ context.Context, res pointstore.WriteResult) {
	if err := a.pool.Submit(res); err != nil {
		if a.dropped != nil {
			a.dropped.Inc()
		}
		a.logger.Warn("History record dropped", "key", res.Key.String(), "error", err)
	}
}

func (a *Archiver) write(ctx context.Context, res pointstore.WriteResult) error {
	data, err := json.Marshal(NewRecord(res))
	if err != nil {
		return errors.WrapInvalid(err, "Archiver", "write", "encode record")
	}
	msg := kafka.Message{
		Key:   []byte(res.Key.String()),
		Value: data,
		Time:  time.UnixMilli(res.New.Timestamp),
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return errors.WrapTransient(err, "Archiver", "write", "write to "+a.topic)
	}
	return nil
}
