// Package dispatch fans a committed point write out to the engines whose rules watch it.
//
// The Dispatcher is installed as the point store's write hook. Admit runs before the
// commit and enforces the chain guard: every write made while handling another write
// inherits the dispatch chain through its context, and a write that would exceed the
// maximum depth or revisit a key already written in the same chain is refused. OnWrite
// runs after the commit, looks the key up in the watch index and calls each rule's
// engine in turn. A failing or panicking rule is logged and counted; it never stops its
// siblings or fails the write.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/metric"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/watchindex"
)

// DefaultMaxDepth bounds write chains when no limit is configured
const DefaultMaxDepth = 8

// Evaluator is implemented by each rule engine
type Evaluator interface {
	Evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) error
}

// Config configures the dispatcher
type Config struct {
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// Dispatcher routes writes to engines
type Dispatcher struct {
	index    *watchindex.Index
	engines  map[watchindex.Kind]Evaluator
	maxDepth int
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// New creates a dispatcher over index. metrics may be nil.
func New(index *watchindex.Index, cfg Config, metrics *metric.Metrics) *Dispatcher {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Dispatcher{
		index:    index,
		engines:  make(map[watchindex.Kind]Evaluator),
		maxDepth: depth,
		metrics:  metrics,
		logger:   slog.Default().With("component", "dispatcher"),
	}
}

// Register routes rules of kind to e. It must be called before writes start.
func (d *Dispatcher) Register(kind watchindex.Kind, e Evaluator) {
	d.engines[kind] = e
}

// MaxDepth returns the configured chain limit
func (d *Dispatcher) MaxDepth() int {
	return d.maxDepth
}

// Admit implements pointstore.Hook. It extends the dispatch chain carried by ctx with key.
func (d *Dispatcher) Admit(ctx context.Context, key point.Key) (context.Context, error) {
	parent := chainFrom(ctx)

	if parent != nil {
		if parent.depth >= d.maxDepth {
			return ctx, d.refuse(key, parent, fmt.Sprintf("depth %d exceeds max_depth %d", parent.depth+1, d.maxDepth))
		}
		if parent.visited(key) {
			return ctx, d.refuse(key, parent, "key already written in this chain")
		}
	}
	return withChain(ctx, parent.extend(key)), nil
}

func (d *Dispatcher) refuse(key point.Key, c *chain, reason string) error {
	err := errors.WrapInvalid(
		fmt.Errorf("%w: %s: %s", errors.ErrDispatchCycle, key.String(), reason),
		"Dispatcher", "Admit", "admit chained write")
	d.logger.Error("Dispatch chain refused write",
		"key", key.String(),
		"depth", c.depth,
		"chain", c.path(),
		"reason", reason)
	if d.metrics != nil {
		d.metrics.RecordError("dispatcher", errors.ErrorInvalid.String())
	}
	return err
}

// OnWrite implements pointstore.Hook
func (d *Dispatcher) OnWrite(ctx context.Context, key point.Key, _ *point.Value, value point.Value) {
	refs := d.index.Lookup(key)
	if len(refs) == 0 {
		return
	}

	start := time.Now()
	counts := make(map[watchindex.Kind]int, len(watchindex.Kinds))
	for _, ref := range refs {
		counts[ref.Kind]++
		d.evaluate(ctx, ref, key, value)
	}

	if d.metrics != nil {
		for kind, n := range counts {
			d.metrics.RecordDispatch(kind.String(), n)
		}
		d.metrics.RecordDispatchDuration(strconv.Itoa(Depth(ctx)), time.Since(start))
	}
}

func (d *Dispatcher) evaluate(ctx context.Context, ref watchindex.RuleRef, key point.Key, value point.Value) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Rule evaluation panicked",
				"rule", ref.String(),
				"key", key.String(),
				"panic", r)
			if d.metrics != nil {
				d.metrics.RecordError("dispatcher", "panic")
			}
		}
	}()

	engine, ok := d.engines[ref.Kind]
	if !ok {
		d.logger.Warn("No engine for rule kind", "rule", ref.String())
		return
	}

	err := engine.Evaluate(ctx, ref, key, value)
	if err == nil || errors.Is(err, errors.ErrCooldownActive) {
		return
	}

	d.logger.Error("Rule evaluation failed",
		"rule", ref.String(),
		"key", key.String(),
		"error", err)
	if d.metrics != nil {
		d.metrics.RecordError("dispatcher", errors.Classify(err).String())
	}
}
