package syncengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/cache"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/watchindex"
)

// PointStore is the part of pointstore.Store the engine uses
type PointStore interface {
	WriteValue(ctx context.Context, key point.Key, v point.Value) (pointstore.WriteResult, error)
	Scan(ctx context.Context, p point.Pattern) ([]pointstore.Entry, error)
	SetLink(ctx context.Context, target, source point.Key) error
	GetLink(ctx context.Context, target point.Key) (*point.Key, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock for aggregate windows
func WithClock(c timestamp.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics registers engine metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithWindowRetention sets how long an idle aggregate window is kept
func WithWindowRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

type installed struct {
	rule       Rule
	generation uint64
}

// Engine applies sync rules. It implements dispatch.Evaluator.
type Engine struct {
	store     PointStore
	publisher events.Publisher
	clock     timestamp.Clock
	retention time.Duration
	windows   *cache.TTL[[]sample]
	registry  *metric.MetricsRegistry
	applied   *prometheus.CounterVec
	core      *metric.Metrics
	logger    *slog.Logger

	mu    sync.RWMutex
	rules map[string]installed
}

// New creates an engine. Aggregate windows are swept until ctx ends.
func New(ctx context.Context, store PointStore, publisher events.Publisher, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     store,
		publisher: publisher,
		clock:     timestamp.NewMonotonicClock(),
		retention: 5 * time.Minute,
		logger:    slog.Default().With("component", "sync"),
		rules:     make(map[string]installed),
	}
	for _, opt := range opts {
		opt(e)
	}

	windows, err := cache.NewTTL[[]sample](ctx, e.retention, e.retention,
		cache.WithClock[[]sample](e.clock),
		cache.WithMetrics[[]sample](e.registry, "pointflow_sync_windows"))
	if err != nil {
		return nil, errors.Wrap(err, "SyncEngine", "New", "create aggregate windows")
	}
	e.windows = windows

	if e.registry != nil {
		e.core = e.registry.CoreMetrics()
		e.applied = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointflow",
			Subsystem: "sync",
			Name:      "applied_total",
			Help:      "Sync rule applications by result",
		}, []string{"result"})
		if err := e.registry.RegisterCounterVec("sync", "applied", e.applied); err != nil {
			e.logger.Warn("Sync metric not registered", "error", err)
			e.applied = nil
		}
	}
	return e, nil
}

// Close stops the window sweeper
func (e *Engine) Close() {
	e.windows.Close()
}

func notFound(method, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: sync rule %s", errors.ErrRuleNotFound, id), "SyncEngine", method, "find rule")
}

// Put installs or replaces a compiled rule
func (e *Engine) Put(r Rule, gen uint64) {
	e.mu.Lock()
	e.rules[r.ID] = installed{rule: r, generation: gen}
	e.mu.Unlock()
}

// SetEnabled enables or disables a rule
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.rules[id]
	if !ok {
		return notFound("SetEnabled", id)
	}
	in.rule.Enabled = enabled
	e.rules[id] = in
	return nil
}

// Remove deletes a rule
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return notFound("Remove", id)
	}
	delete(e.rules, id)
	return nil
}

// Rule returns a rule definition
func (e *Engine) Rule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.rules[id]
	return in.rule, ok
}

// Rules returns every rule, sorted by id
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, in := range e.rules {
		out = append(out, in.rule)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate implements dispatch.Evaluator. Stale references are ignored.
func (e *Engine) Evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error {
	e.mu.RLock()
	in, ok := e.rules[ref.ID]
	e.mu.RUnlock()
	if !ok || in.generation != ref.Generation || !in.rule.Enabled {
		return nil
	}
	_, err := e.apply(ctx, in.rule, key, value)
	return err
}

// EvaluateKey applies one rule to one key and value outside of dispatch
func (e *Engine) EvaluateKey(ctx context.Context, id string, key point.Key, value point.Value) (bool, error) {
	r, ok := e.Rule(id)
	if !ok {
		return false, notFound("EvaluateKey", id)
	}
	return e.apply(ctx, r, key, value)
}

// EvaluatePattern scans every stored key matching the rule's source pattern and applies
// the rule to each. It returns how many targets were written.
func (e *Engine) EvaluatePattern(ctx context.Context, id string) (int, error) {
	r, ok := e.Rule(id)
	if !ok {
		return 0, notFound("EvaluatePattern", id)
	}
	if !r.Enabled {
		return 0, nil
	}

	entries, err := e.store.Scan(ctx, r.source)
	if err != nil {
		return 0, errors.Wrap(err, "SyncEngine", "EvaluatePattern", "scan "+r.SourcePattern)
	}

	var (
		written int
		errs    []error
	)
	for _, en := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := e.apply(ctx, r, en.Key, en.Value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			written++
		}
	}
	return written, stderrors.Join(errs...)
}

// Resync runs EvaluatePattern for every enabled rule
func (e *Engine) Resync(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, r := range e.Rules() {
		if !r.Enabled {
			continue
		}
		n, err := e.EvaluatePattern(ctx, r.ID)
		total += n
		if err != nil && !errors.Is(err, errors.ErrRuleNotFound) {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}
	return total, stderrors.Join(errs...)
}

// Run calls Resync every interval until ctx ends
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SyncEngine", "Run", "resync interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Sync resync started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.Resync(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Warn("Resync finished with errors", "written", n, "error", err)
			}
		}
	}
}

// ReverseLookup returns the source key recorded for target, nil when none
func (e *Engine) ReverseLookup(ctx context.Context, target point.Key) (*point.Key, error) {
	src, err := e.store.GetLink(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "SyncEngine", "ReverseLookup", "read link")
	}
	return src, nil
}

// apply runs the match, resolve, transform and write pipeline for one key
func (e *Engine) apply(ctx context.Context, r Rule, key point.Key, value point.Value) (bool, error) {
	target, ok, err := r.Resolve(key, value.Timestamp)
	if err != nil {
		e.count("error")
		return false, errors.Wrap(err, "SyncEngine", "apply", "resolve target of "+r.ID)
	}
	if !ok {
		return false, nil
	}

	v, err := e.transform(r, target, key, value)
	if err != nil {
		e.count("error")
		return false, errors.Wrap(err, "SyncEngine", "apply", "transform for "+r.ID)
	}

	out := point.Value{Value: v, Timestamp: value.Timestamp, Quality: value.Quality}
	if _, err := e.store.WriteValue(ctx, target, out); err != nil {
		e.count("refused")
		return false, errors.Wrap(err, "SyncEngine", "apply", fmt.Sprintf("write %s for %s", target, r.ID))
	}

	if r.ReverseMapping {
		if err := e.store.SetLink(ctx, target, key); err != nil {
			e.count("error")
			return true, errors.Wrap(err, "SyncEngine", "apply", "record reverse mapping for "+r.ID)
		}
	}

	if _, err := e.publisher.Publish(ctx, events.TopicSyncApplied, events.SyncApplied{
		RuleID:    r.ID,
		SourceKey: key,
		TargetKey: target,
		Value:     v,
	}); err != nil {
		e.logger.Error("Failed to publish sync applied", "rule", r.ID, "error", err)
	}
	e.count("ok")
	return true, nil
}

func (e *Engine) transform(r Rule, target, key point.Key, value point.Value) (float64, error) {
	t := r.Transform
	switch t.Type {
	case TransformNumeric:
		return t.Numeric(value.Value), nil
	case TransformJSONExtract:
		return extract(value.Payload, t.path)
	case TransformAggregate:
		now := e.clock.NowMs()
		since := now - t.WindowMs
		samples, err := e.windows.Update(r.ID+"|"+target.String(), func(cur []sample, _ bool) []sample {
			return window(cur, key, value.Value, now, since)
		})
		if err != nil {
			return 0, err
		}
		return aggregate(t.Op, samples), nil
	}
	return value.Value, nil
}

func (e *Engine) count(result string) {
	if e.applied != nil {
		e.applied.WithLabelValues(result).Inc()
	}
	if e.core != nil {
		e.core.RecordRuleResult("sync", result)
	}
}
