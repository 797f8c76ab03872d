// Package core assembles the dispatch core.
//
// A Core owns the point store, the watch index, the dispatcher and the alarm, business
// and sync engines, and keeps the rule table consistent with them. It is the surface
// used by the ingress adapters, by configuration management for rule CRUD and by the
// query side.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointflow/alarm"
	"github.com/c360/pointflow/businessrule"
	"github.com/c360/pointflow/dispatch"
	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/notify"
	"github.com/c360/pointflow/pkg/timestamp"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/pointstore"
	"github.com/c360/pointflow/rulestore"
	"github.com/c360/pointflow/syncengine"
	"github.com/c360/pointflow/watchindex"
)

// Config tunes the engines
type Config struct {
	Dispatch        dispatch.Config `json:"dispatch" yaml:"dispatch"`
	ActionTimeout   time.Duration   `json:"action_timeout" yaml:"action_timeout"`
	WindowRetention time.Duration   `json:"window_retention" yaml:"window_retention"`
}

type options struct {
	backend  pointstore.Backend
	rules    rulestore.Store
	notifier businessrule.Notifier
	archiver pointstore.Archiver
	registry *metric.MetricsRegistry
	clock    timestamp.Clock
}

// Option configures a Core
type Option func(*options)

// WithBackend sets the point store backend. The default is in memory.
func WithBackend(b pointstore.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithRuleStore sets the rule table. The default is in memory.
func WithRuleStore(s rulestore.Store) Option {
	return func(o *options) { o.rules = s }
}

// WithNotifier routes notify actions
func WithNotifier(n businessrule.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithArchiver forwards committed writes to a history sink
func WithArchiver(a pointstore.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithMetrics registers store, dispatch and engine metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithClock replaces every clock in the core. Tests use it with a FakeClock.
func WithClock(c timestamp.Clock) Option {
	return func(o *options) { o.clock = c }
}

// RuleSummary is one row of ListRules
type RuleSummary struct {
	Kind       watchindex.Kind `json:"kind"`
	ID         string          `json:"id"`
	Enabled    bool            `json:"enabled"`
	Generation uint64          `json:"generation"`
	UpdatedAt  int64           `json:"updated_at"`
	Watches    []string        `json:"watches,omitempty"`
}

type ruleKey struct {
	kind watchindex.Kind
	id   string
}

type entry struct {
	record   rulestore.Record
	compiled compiled
}

// Core is the assembled dispatch core
type Core struct {
	store      *pointstore.Store
	index      *watchindex.Index
	dispatcher *dispatch.Dispatcher
	alarms     *alarm.Engine
	business   *businessrule.Engine
	sync       *syncengine.Engine
	rules      rulestore.Store
	schemas    schemas
	wall       timestamp.Clock
	ruleGauge  *prometheus.GaugeVec
	logger     *slog.Logger

	// mu is the registry lock: every rule mutation updates the table, the engine and
	// the index while holding it.
	mu         sync.Mutex
	entries    map[ruleKey]*entry
	generation uint64
	// applied holds the newest table revision seen per rule, deleted rules included,
	// so late echoes of older writes are dropped.
	applied map[ruleKey]uint64
}

// New assembles a core. Aggregate windows are swept until ctx ends.
func New(ctx context.Context, publisher events.Publisher, cfg Config, opts ...Option) (*Core, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.backend == nil {
		o.backend = pointstore.NewMemoryBackend()
	}
	if o.rules == nil {
		o.rules = rulestore.NewMemoryStore()
	}

	sch, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	var core *metric.Metrics
	if o.registry != nil {
		core = o.registry.CoreMetrics()
	}

	c := &Core{
		index:   watchindex.New(),
		rules:   o.rules,
		schemas: sch,
		wall:    timestamp.SystemClock{},
		logger:  slog.Default().With("component", "core"),
		entries: make(map[ruleKey]*entry),
		applied: make(map[ruleKey]uint64),
	}
	c.dispatcher = dispatch.New(c.index, cfg.Dispatch, core)

	storeOpts := []pointstore.Option{pointstore.WithHook(c.dispatcher), pointstore.WithMetrics(core)}
	alarmOpts := []alarm.Option{alarm.WithMetrics(o.registry)}
	businessOpts := []businessrule.Option{
		businessrule.WithMetrics(o.registry),
		businessrule.WithActionTimeout(cfg.ActionTimeout),
	}
	syncOpts := []syncengine.Option{
		syncengine.WithMetrics(o.registry),
		syncengine.WithWindowRetention(cfg.WindowRetention),
	}
	if o.archiver != nil {
		storeOpts = append(storeOpts, pointstore.WithArchiver(o.archiver))
	}
	if o.notifier != nil {
		businessOpts = append(businessOpts, businessrule.WithNotifier(o.notifier))
	}
	if o.clock != nil {
		c.wall = o.clock
		storeOpts = append(storeOpts, pointstore.WithClock(o.clock))
		alarmOpts = append(alarmOpts, alarm.WithClock(o.clock))
		businessOpts = append(businessOpts, businessrule.WithClock(o.clock))
		syncOpts = append(syncOpts, syncengine.WithClock(o.clock))
	}

	c.store = pointstore.New(o.backend, storeOpts...)
	c.alarms = alarm.New(publisher, alarmOpts...)
	c.business = businessrule.New(c.store, publisher, businessOpts...)
	c.sync, err = syncengine.New(ctx, c.store, publisher, syncOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Core", "New", "create sync engine")
	}

	if fr, ok := o.notifier.(failureReporter); ok {
		fr.OnFailure(c.notifyFailed)
	}

	c.dispatcher.Register(watchindex.KindAlarm, c.alarms)
	c.dispatcher.Register(watchindex.KindBusiness, c.business)
	c.dispatcher.Register(watchindex.KindSync, c.sync)

	if o.registry != nil {
		c.ruleGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pointflow",
			Subsystem: "core",
			Name:      "rules",
			Help:      "Installed rules by kind",
		}, []string{"kind"})
		if err := o.registry.RegisterGaugeVec("core", "rules", c.ruleGauge); err != nil {
			c.logger.Warn("Core metric not registered", "error", err)
			c.ruleGauge = nil
		}
	}
	return c, nil
}

// failureReporter is implemented by notifiers that report failed deliveries
type failureReporter interface {
	OnFailure(fn notify.FailureFunc)
}

func (c *Core) notifyFailed(note notify.Notification, err error) {
	if rerr := c.business.RecordActionFailure(note.RuleID, err); rerr != nil {
		c.logger.Debug("Notification failure for unknown rule", "rule", note.RuleID, "error", err)
	}
}

// Close stops background sweeping and closes the store backend
func (c *Core) Close() error {
	c.sync.Close()
	if err := c.store.Close(); err != nil {
		return errors.Wrap(err, "Core", "Close", "close point store")
	}
	return nil
}

// Store returns the point store
func (c *Core) Store() *pointstore.Store { return c.store }

// Index returns the watch index
func (c *Core) Index() *watchindex.Index { return c.index }

// Alarms returns the alarm engine
func (c *Core) Alarms() *alarm.Engine { return c.alarms }

// Business returns the business rule engine
func (c *Core) Business() *businessrule.Engine { return c.business }

// Sync returns the sync engine
func (c *Core) Sync() *syncengine.Engine { return c.sync }

// WritePoint ingests one raw gateway sample; the store applies raw*scale+offset
func (c *Core) WritePoint(ctx context.Context, namespace, entity, category, field string, raw, scale, offset float64) (pointstore.WriteResult, error) {
	return c.store.WritePoint(ctx, namespace, entity, category, field, raw, scale, offset)
}

// WriteRaw ingests one decoded ingress message
func (c *Core) WriteRaw(ctx context.Context, r pointstore.RawPoint) (pointstore.WriteResult, error) {
	return c.store.WriteRaw(ctx, r)
}

// GetPoint returns the stored value of key, nil when none
func (c *Core) GetPoint(ctx context.Context, key point.Key) (*point.Value, error) {
	return c.store.Read(ctx, key)
}

// GetActiveAlarms returns every active alarm instance
func (c *Core) GetActiveAlarms() []alarm.Instance {
	return c.alarms.ActiveAlarms()
}

// GetAlarm returns the instance owned by an alarm rule. The instance is nil when the
// rule exists but has never triggered.
func (c *Core) GetAlarm(ruleID string) (*alarm.Instance, error) {
	if _, ok := c.alarms.Rule(ruleID); !ok {
		return nil, notFound("GetAlarm", watchindex.KindAlarm, ruleID)
	}
	inst, ok := c.alarms.Alarm(ruleID)
	if !ok {
		return nil, nil
	}
	return inst, nil
}

// GetRuleStats returns the execution state of a business rule
func (c *Core) GetRuleStats(ruleID string) (businessrule.ExecutionState, error) {
	return c.business.Stats(ruleID)
}

// ReverseLookup returns the source key a sync target was last written from
func (c *Core) ReverseLookup(ctx context.Context, target point.Key) (*point.Key, error) {
	return c.sync.ReverseLookup(ctx, target)
}
