package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/watchindex"
)

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock used for triggered_at and cleared_at
func WithClock(c timestamp.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics registers engine metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// slot serializes everything that touches one rule and its instance
type slot struct {
	mu         sync.Mutex
	rule       Rule
	generation uint64
	instance   *Instance
	removed    bool
}

// Engine evaluates alarm rules. It implements dispatch.Evaluator.
type Engine struct {
	publisher events.Publisher
	clock     timestamp.Clock
	registry  *metric.MetricsRegistry
	metrics   *engineMetrics
	logger    *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates an engine that emits alarm events through publisher
func New(publisher events.Publisher, opts ...Option) *Engine {
	e := &Engine{
		publisher: publisher,
		clock:     timestamp.SystemClock{},
		logger:    slog.Default().With("component", "alarm"),
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newEngineMetrics(e.registry, e.logger)
	return e
}

func (e *Engine) slot(id string) (*slot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.slots[id]
	return s, ok
}

func notFound(method, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: alarm %s", errors.ErrRuleNotFound, id), "AlarmEngine", method, "find rule")
}

// Put installs or replaces a compiled rule at generation gen. A replaced rule keeps its
// instance; replacing it with a disabled rule clears an active instance.
func (e *Engine) Put(ctx context.Context, r Rule, gen uint64) {
	e.mu.Lock()
	s, ok := e.slots[r.ID]
	if !ok {
		if r.CreatedAt == 0 {
			r.CreatedAt = e.clock.NowMs()
		}
		e.slots[r.ID] = &slot{rule: r, generation: gen}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt == 0 {
		r.CreatedAt = s.rule.CreatedAt
	}
	s.rule = r
	s.generation = gen
	if !r.Enabled {
		e.clear(ctx, s, s.currentValue(), ClearRuleDisabled)
	}
}

// SetEnabled enables or disables a rule. Disabling clears an active instance at once,
// without waiting for a new value.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s, ok := e.slot(id)
	if !ok {
		return notFound("SetEnabled", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rule.Enabled = enabled
	if !enabled {
		e.clear(ctx, s, s.currentValue(), ClearRuleDisabled)
	}
	return nil
}

// Remove deletes a rule. An active instance is cleared with rule_deleted and the
// instance is dropped with the rule.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	s, ok := e.slots[id]
	delete(e.slots, id)
	e.mu.Unlock()
	if !ok {
		return notFound("Remove", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	e.clear(ctx, s, s.currentValue(), ClearRuleDeleted)
	s.instance = nil
	return nil
}

// Rule returns a rule definition
func (e *Engine) Rule(id string) (Rule, bool) {
	s, ok := e.slot(id)
	if !ok {
		return Rule{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rule, true
}

// Rules returns every rule, sorted by id
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.RUnlock()

	out := make([]Rule, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.rule)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Alarm returns the current instance of a rule, active or cleared
func (e *Engine) Alarm(ruleID string) (*Instance, bool) {
	s, ok := e.slot(ruleID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance == nil {
		return nil, false
	}
	inst := *s.instance
	return &inst, true
}

// ActiveAlarms returns every active instance, sorted by rule id
func (e *Engine) ActiveAlarms() []Instance {
	e.mu.RLock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.RUnlock()

	var out []Instance
	for _, s := range slots {
		s.mu.Lock()
		if s.instance != nil && s.instance.IsActive() {
			out = append(out, *s.instance)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Evaluate implements dispatch.Evaluator. References to a deleted rule or to an older
// generation of it are ignored.
func (e *Engine) Evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error {
	s, ok := e.slot(ref.ID)
	if !ok {
		e.logger.Debug("Ignoring dispatch for unknown alarm rule", "rule", ref.ID, "key", key.String())
		e.metrics.evaluated("stale")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || s.generation != ref.Generation {
		e.metrics.evaluated("stale")
		return nil
	}

	if !s.rule.Enabled {
		e.clear(ctx, s, value.Value, ClearRuleDisabled)
		e.metrics.evaluated("disabled")
		return nil
	}

	met := s.rule.ConditionMet(value.Value)
	active := s.instance != nil && s.instance.IsActive()

	// An active instance belongs to the key that raised it
	if active && key != s.instance.SourceKey {
		e.metrics.evaluated("other_source")
		return nil
	}

	switch {
	case met && !active:
		return e.raise(ctx, s, key, value.Value)
	case met && active:
		s.instance.CurrentValue = value.Value
		e.metrics.evaluated("sustained")
	case !met && active:
		e.clear(ctx, s, value.Value, ClearConditionCleared)
		e.metrics.evaluated("cleared")
	default:
		e.metrics.evaluated("normal")
	}
	return nil
}

// raise creates a fresh active instance. The caller holds s.mu.
func (e *Engine) raise(ctx context.Context, s *slot, key point.Key, value float64) error {
	now := e.clock.NowMs()
	s.instance = &Instance{
		RuleID:       s.rule.ID,
		Status:       StatusActive,
		Level:        s.rule.Level,
		Title:        s.rule.Title,
		SourceKey:    key,
		TriggerValue: value,
		CurrentValue: value,
		Threshold:    s.rule.Threshold,
		Operator:     s.rule.Operator,
		TriggeredAt:  now,
	}
	e.metrics.raised()
	e.metrics.evaluated("raised")
	e.logger.Info("Alarm raised",
		"rule", s.rule.ID,
		"key", key.String(),
		"value", value,
		"operator", s.rule.Operator,
		"threshold", s.rule.Threshold)

	src := key
	_, err := e.publisher.Publish(ctx, events.TopicAlarmCreated, events.AlarmCreated{
		RuleID:       s.rule.ID,
		Origin:       events.OriginAlarmRule,
		Level:        string(s.rule.Level),
		Title:        s.rule.Title,
		SourceKey:    &src,
		TriggerValue: value,
		Threshold:    s.rule.Threshold,
		Operator:     string(s.rule.Operator),
		TriggeredAt:  now,
	})
	if err != nil {
		return errors.Wrap(err, "AlarmEngine", "raise", "publish alarm created")
	}
	return nil
}

// clear moves an active instance to Cleared. It is a no-op otherwise. The caller
// holds s.mu.
func (e *Engine) clear(ctx context.Context, s *slot, value float64, reason ClearReason) {
	inst := s.instance
	if inst == nil || !inst.IsActive() {
		return
	}

	now := e.clock.NowMs()
	inst.Status = StatusCleared
	inst.CurrentValue = value
	inst.ClearedAt = now
	inst.ClearReason = reason
	e.metrics.cleared(reason)
	e.logger.Info("Alarm cleared", "rule", inst.RuleID, "reason", reason, "value", value)

	src := inst.SourceKey
	if _, err := e.publisher.Publish(ctx, events.TopicAlarmCleared, events.AlarmCleared{
		RuleID:       inst.RuleID,
		SourceKey:    &src,
		CurrentValue: value,
		ClearReason:  string(reason),
		TriggeredAt:  inst.TriggeredAt,
		ClearedAt:    now,
	}); err != nil {
		e.logger.Error("Failed to publish alarm cleared", "rule", inst.RuleID, "error", err)
	}
}

func (s *slot) currentValue() float64 {
	if s.instance == nil {
		return 0
	}
	return s.instance.CurrentValue
}
