package businessrule

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/expression"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/notify"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/watchindex"
)

// DefaultActionTimeout bounds a set_value write when none is configured
const DefaultActionTimeout = 5 * time.Second

// PointStore is the part of pointstore.Store the engine uses
type PointStore interface {
	Write(ctx context.Context, key point.Key, value float64, quality point.Quality) (pointstore.WriteResult, error)
	ReadMany(ctx context.Context, keys []point.Key) ([]*point.Value, error)
}

// Notifier queues notify actions
type Notifier interface {
	Submit(n notify.Notification) error
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock used for cooldowns. It should be monotonic in production.
func WithClock(c timestamp.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics registers engine metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithNotifier sets the target of notify actions
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithActionTimeout bounds each set_value write
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

type slot struct {
	mu         sync.Mutex
	rule       Rule
	generation uint64
	state      ExecutionState
	removed    bool
}

// Engine evaluates business rules. It implements dispatch.Evaluator.
type Engine struct {
	store         PointStore
	publisher     events.Publisher
	notifier      Notifier
	clock         timestamp.Clock
	actionTimeout time.Duration
	registry      *metric.MetricsRegistry
	metrics       *engineMetrics
	logger        *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates an engine reading conditions from store
func New(store PointStore, publisher events.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		publisher:     publisher,
		clock:         timestamp.NewMonotonicClock(),
		actionTimeout: DefaultActionTimeout,
		logger:        slog.Default().With("component", "business"),
		slots:         make(map[string]*slot),
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
	return errors.WrapInvalid(fmt.Errorf("%w: business rule %s", errors.ErrRuleNotFound, id), "BusinessEngine", method, "find rule")
}

// Put installs or replaces a compiled rule. A replaced rule keeps its execution state,
// so an update does not reset a running cooldown.
func (e *Engine) Put(r Rule, gen uint64) {
	e.mu.Lock()
	s, ok := e.slots[r.ID]
	if !ok {
		e.slots[r.ID] = &slot{rule: r, generation: gen, state: ExecutionState{RuleID: r.ID}}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	s.mu.Lock()
	s.rule = r
	s.generation = gen
	s.mu.Unlock()
}

// SetEnabled enables or disables a rule
func (e *Engine) SetEnabled(id string, enabled bool) error {
	s, ok := e.slot(id)
	if !ok {
		return notFound("SetEnabled", id)
	}
	s.mu.Lock()
	s.rule.Enabled = enabled
	s.mu.Unlock()
	return nil
}

// Remove deletes a rule together with its execution state
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	s, ok := e.slots[id]
	delete(e.slots, id)
	e.mu.Unlock()
	if !ok {
		return notFound("Remove", id)
	}
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
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

// Rules returns every rule ordered by descending priority, then id
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
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns the execution state of a rule
func (e *Engine) Stats(id string) (ExecutionState, error) {
	s, ok := e.slot(id)
	if !ok {
		return ExecutionState{}, notFound("Stats", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// RecordActionFailure counts an action that failed after the rule fired, such as a
// notification the delivery pool could not send.
func (e *Engine) RecordActionFailure(id string, cause error) error {
	s, ok := e.slot(id)
	if !ok {
		return notFound("RecordActionFailure", id)
	}
	s.mu.Lock()
	s.state.FailedActions++
	if cause != nil {
		s.state.LastError = cause.Error()
	}
	s.mu.Unlock()
	return nil
}

// Evaluate implements dispatch.Evaluator. Stale references are ignored.
func (e *Engine) Evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error {
	s, ok := e.slot(ref.ID)
	if !ok {
		e.metrics.evaluated("stale")
		return nil
	}
	_, err := e.evaluate(ctx, s, &Trigger{Key: key, Value: value}, &ref.Generation)
	return err
}

// EvaluateRule evaluates one rule. trigger may be nil, in which case every condition
// reads the store. It returns ErrCooldownActive when the rule is cooling down.
func (e *Engine) EvaluateRule(ctx context.Context, id string, trigger *Trigger) (Outcome, error) {
	s, ok := e.slot(id)
	if !ok {
		return Outcome{}, notFound("EvaluateRule", id)
	}
	return e.evaluate(ctx, s, trigger, nil)
}

// EvaluateBatch evaluates every enabled rule without a trigger, highest priority first.
// It returns how many rules fired. Cooldown skips are not errors.
func (e *Engine) EvaluateBatch(ctx context.Context) (int, error) {
	var (
		fired int
		errs  []error
	)
	for _, r := range e.Rules() {
		if !r.Enabled {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := e.EvaluateRule(ctx, r.ID, nil)
		switch {
		case errors.Is(err, errors.ErrCooldownActive), errors.Is(err, errors.ErrRuleNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		case out.Fired:
			fired++
		}
	}
	return fired, stderrors.Join(errs...)
}

// Run calls EvaluateBatch every interval until ctx ends
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "BusinessEngine", "Run", "batch interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Business rule batch evaluation started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fired, err := e.EvaluateBatch(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("Batch evaluation failed", "fired", fired, "error", err)
			} else if fired > 0 {
				e.logger.Debug("Batch evaluation fired rules", "fired", fired)
			}
		}
	}
}

// evaluate runs the cooldown gate, the conditions and, when they hold, the actions.
// The slot lock covers the gate, the condition reads and the claim of the firing; the
// actions run after it is released because a set_value write can dispatch back into
// this rule.
func (e *Engine) evaluate(ctx context.Context, s *slot, trigger *Trigger, gen *uint64) (Outcome, error) {
	s.mu.Lock()
	if s.removed || (gen != nil && s.generation != *gen) {
		s.mu.Unlock()
		e.metrics.evaluated("stale")
		return Outcome{}, nil
	}
	if !s.rule.Enabled {
		s.mu.Unlock()
		e.metrics.evaluated("disabled")
		return Outcome{}, nil
	}

	now := e.clock.NowMs()
	if s.state.FireCount > 0 && now-s.state.LastFiredAt < s.rule.CooldownSeconds*1000 {
		s.mu.Unlock()
		e.metrics.evaluated("cooldown")
		return Outcome{}, errors.ErrCooldownActive
	}

	rule := s.rule
	met, err := e.conditionsMet(ctx, rule, trigger)
	if err != nil {
		s.mu.Unlock()
		e.metrics.evaluated("error")
		return Outcome{}, err
	}
	if !met {
		s.mu.Unlock()
		e.metrics.evaluated("not_met")
		return Outcome{}, nil
	}

	s.state.LastFiredAt = now
	s.state.FireCount++
	fireCount := s.state.FireCount
	s.mu.Unlock()

	e.metrics.evaluated("fired")
	out := e.execute(ctx, rule, trigger, now)

	if failed := out.Failed(); failed > 0 {
		var last error
		for _, a := range out.Actions {
			if a.Err != nil {
				last = a.Err
			}
		}
		s.mu.Lock()
		s.state.FailedActions += uint64(failed)
		s.state.LastError = last.Error()
		s.mu.Unlock()
	}

	e.publishFired(ctx, rule, trigger, fireCount, out, now)
	return out, nil
}

func (e *Engine) conditionsMet(ctx context.Context, r Rule, trigger *Trigger) (bool, error) {
	keys := r.Keys()
	values := make(expression.Values, len(keys))

	reads := make([]point.Key, 0, len(keys))
	for _, k := range keys {
		if trigger != nil && k == trigger.Key {
			values[k] = trigger.Value
			continue
		}
		reads = append(reads, k)
	}

	if len(reads) > 0 {
		got, err := e.store.ReadMany(ctx, reads)
		if err != nil {
			return false, errors.Wrap(err, "BusinessEngine", "conditionsMet", "read condition values of "+r.ID)
		}
		for i, v := range got {
			if v != nil {
				values[reads[i]] = *v
			}
		}
	}

	ok, err := expression.Evaluate(r.Expression, values)
	if err != nil {
		return false, errors.WrapInvalid(err, "BusinessEngine", "conditionsMet", "evaluate "+r.ID)
	}
	return ok, nil
}

// execute runs every action in order. A failure is recorded and the next action runs.
func (e *Engine) execute(ctx context.Context, r Rule, trigger *Trigger, now int64) Outcome {
	out := Outcome{Fired: true, Actions: make([]ActionResult, 0, len(r.Actions))}
	for _, a := range r.Actions {
		err := e.runAction(ctx, r, a, trigger, now)
		if err != nil {
			err = errors.Wrap(fmt.Errorf("%w: %s: %w", errors.ErrActionFailed, a.Type, err),
				"BusinessEngine", "execute", "run action of "+r.ID)
			e.logger.Error("Business rule action failed", "rule", r.ID, "action", a.Type, "error", err)
		}
		e.metrics.action(a.Type, err == nil)
		out.Actions = append(out.Actions, ActionResult{Type: a.Type, Err: err})
	}
	return out
}

func (e *Engine) runAction(ctx context.Context, r Rule, a Action, trigger *Trigger, now int64) error {
	var triggerKey *point.Key
	var triggerValue float64
	if trigger != nil {
		k := trigger.Key
		triggerKey = &k
		triggerValue = trigger.Value.Value
	}

	switch a.Type {
	case ActionSetValue:
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
		_, err := e.store.Write(actx, a.Target(), a.Value, point.QualityGood)
		return err

	case ActionCreateAlarm:
		_, err := e.publisher.Publish(ctx, events.TopicAlarmCreated, events.AlarmCreated{
			RuleID:       r.ID,
			Origin:       events.OriginBusinessRule,
			Level:        a.Level,
			Title:        a.Message,
			SourceKey:    triggerKey,
			TriggerValue: triggerValue,
			TriggeredAt:  now,
		})
		return err

	case ActionNotify:
		if e.notifier == nil {
			return fmt.Errorf("no notifier configured for channel %s", a.Channel)
		}
		return e.notifier.Submit(notify.Notification{
			ID:         uuid.NewString(),
			RuleID:     r.ID,
			Channel:    a.Channel,
			Payload:    a.Payload,
			TriggerKey: triggerKey,
			Value:      triggerValue,
			Timestamp:  now,
		})
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

func (e *Engine) publishFired(ctx context.Context, r Rule, trigger *Trigger, fireCount uint64, out Outcome, now int64) {
	ev := events.RuleFired{
		RuleID:    r.ID,
		FireCount: fireCount,
		Actions:   make([]events.ActionOutcome, 0, len(out.Actions)),
		FiredAt:   now,
	}
	if trigger != nil {
		k := trigger.Key
		ev.TriggerKey = &k
	}
	for _, a := range out.Actions {
		ao := events.ActionOutcome{Type: string(a.Type), OK: a.Err == nil}
		if a.Err != nil {
			ao.Error = a.Err.Error()
		}
		ev.Actions = append(ev.Actions, ao)
	}
	if _, err := e.publisher.Publish(ctx, events.TopicRuleFired, ev); err != nil {
		e.logger.Error("Failed to publish rule fired", "rule", r.ID, "error", err)
	}
}
