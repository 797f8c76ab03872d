package pointstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
)

// WriteResult describes a committed write
type WriteResult struct {
	Key point.Key    `json:"key"`
	Old *point.Value `json:"old,omitempty"`
	New point.Value  `json:"new"`
}

// Hook observes writes. Admit runs before the commit and may refuse it; the returned
// context is the one handed to OnWrite. OnWrite runs after the commit, inline, before
// Write returns.
type Hook interface {
	Admit(ctx context.Context, key point.Key) (context.Context, error)
	OnWrite(ctx context.Context, key point.Key, old *point.Value, new point.Value)
}

// Archiver receives every committed write. Implementations must not block.
type Archiver interface {
	Archive(ctx context.Context, res WriteResult)
}

// RawPoint is a gateway sample before scaling
type RawPoint struct {
	Namespace string          `json:"namespace"`
	Entity    string          `json:"entity_id"`
	Category  string          `json:"category"`
	Field     string          `json:"field"`
	RawValue  float64         `json:"raw_value"`
	Scale     float64         `json:"scale"`
	Offset    float64         `json:"offset"`
	Quality   string          `json:"quality,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EngineeringValue returns raw*scale+offset. A zero scale is treated as 1 so that gateways
// omitting scaling send values through unchanged.
func (r RawPoint) EngineeringValue() float64 {
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	return r.RawValue*scale + r.Offset
}

// Option configures a Store
type Option func(*Store)

// WithHook sets the write hook, normally the dispatcher
func WithHook(h Hook) Option {
	return func(s *Store) { s.hook = h }
}

// WithArchiver sets the history sink
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithMetrics records writes on the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the clock used to stamp values
func WithClock(c timestamp.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store is the single source of truth for point values
type Store struct {
	backend  Backend
	hook     Hook
	archiver Archiver
	metrics  *metric.Metrics
	clock    timestamp.Clock
	logger   *slog.Logger
}

// New creates a Store over backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   timestamp.SystemClock{},
		logger:  slog.Default().With("component", "pointstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHook installs the write hook after construction. The dispatcher needs the store
// and the store needs the dispatcher, so one side is wired late.
func (s *Store) SetHook(h Hook) {
	s.hook = h
}

// Backend returns the underlying backend
func (s *Store) Backend() Backend {
	return s.backend
}

// Write stores value at key with the current time, then dispatches
func (s *Store) Write(ctx context.Context, key point.Key, value float64, quality point.Quality) (WriteResult, error) {
	return s.WriteValue(ctx, key, point.Value{Value: value, Quality: quality})
}

// WritePoint is the gateway ingress: the stored value is raw*scale+offset
func (s *Store) WritePoint(ctx context.Context, namespace, entity, category, field string, raw, scale, offset float64) (WriteResult, error) {
	return s.WriteRaw(ctx, RawPoint{
		Namespace: namespace,
		Entity:    entity,
		Category:  category,
		Field:     field,
		RawValue:  raw,
		Scale:     scale,
		Offset:    offset,
	})
}

// WriteRaw applies scaling to a gateway sample and writes it
func (s *Store) WriteRaw(ctx context.Context, r RawPoint) (WriteResult, error) {
	key, err := point.NewKey(r.Namespace, r.Entity, r.Category, r.Field)
	if err != nil {
		return WriteResult{}, err
	}
	if !point.Category(r.Category).IsValid() {
		return WriteResult{}, errors.WrapInvalid(errors.ErrInvalidData, "Store", "WriteRaw", "validate category "+r.Category)
	}
	quality, err := point.ParseQuality(r.Quality)
	if err != nil {
		return WriteResult{}, err
	}
	return s.WriteValue(ctx, key, point.Value{
		Value:     r.EngineeringValue(),
		Timestamp: r.Timestamp,
		Quality:   quality,
		Payload:   r.Payload,
	})
}

// WriteValue commits v unconditionally (last write by arrival wins) and runs the hook.
// A zero timestamp is stamped with the store clock; an empty quality means good.
func (s *Store) WriteValue(ctx context.Context, key point.Key, v point.Value) (WriteResult, error) {
	if err := key.Validate(); err != nil {
		return WriteResult{}, err
	}
	if v.Timestamp == 0 {
		v.Timestamp = s.clock.NowMs()
	}
	if v.Quality == "" {
		v.Quality = point.QualityGood
	}

	dctx := ctx
	if s.hook != nil {
		var err error
		if dctx, err = s.hook.Admit(ctx, key); err != nil {
			s.record(key.Namespace, "rejected")
			return WriteResult{}, err
		}
	}

	old, err := s.backend.Write(ctx, key, v)
	if err != nil {
		s.record(key.Namespace, "error")
		s.logger.Error("Point write failed", "key", key.String(), "error", err)
		if !errors.Is(err, errors.ErrStorageUnavailable) && !errors.IsInvalid(err) {
			err = errors.WrapTransient(errors.ErrStorageUnavailable, "Store", "Write", "commit "+key.String())
		}
		return WriteResult{}, err
	}
	s.record(key.Namespace, "ok")

	res := WriteResult{Key: key, Old: old, New: v}
	if s.archiver != nil {
		s.archiver.Archive(ctx, res)
	}
	if s.hook != nil {
		s.hook.OnWrite(dctx, key, old, v)
	}
	return res, nil
}

func (s *Store) record(ns, result string) {
	if s.metrics != nil {
		s.metrics.RecordPointWrite(ns, result)
	}
}

// Read returns the value at key, nil when absent
func (s *Store) Read(ctx context.Context, key point.Key) (*point.Value, error) {
	v, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Read", "read "+key.String())
	}
	return v, nil
}

// ReadMany returns one entry per key, nil where absent
func (s *Store) ReadMany(ctx context.Context, keys []point.Key) ([]*point.Value, error) {
	vs, err := s.backend.ReadMany(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "ReadMany", "read keys")
	}
	return vs, nil
}

// Scan returns every stored entry matching p
func (s *Store) Scan(ctx context.Context, p point.Pattern) ([]Entry, error) {
	es, err := s.backend.Scan(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Scan", "scan "+p.String())
	}
	return es, nil
}

// SetLink records that target was derived from source
func (s *Store) SetLink(ctx context.Context, target, source point.Key) error {
	return errors.Wrap(s.backend.SetLink(ctx, target, source), "Store", "SetLink", "store reverse mapping")
}

// GetLink returns the source target was derived from, nil when unknown
func (s *Store) GetLink(ctx context.Context, target point.Key) (*point.Key, error) {
	src, err := s.backend.GetLink(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "GetLink", "read reverse mapping")
	}
	return src, nil
}

// Ping checks the backend
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
