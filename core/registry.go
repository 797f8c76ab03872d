package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/c360/pointflow/alarm"
	"github.com/c360/pointflow/businessrule"
	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
	"github.com/c360/pointflow/rulestore"
	"github.com/c360/pointflow/syncengine"
	"github.com/c360/pointflow/watchindex"
)

// compiled is a validated rule ready to install, with the patterns it watches
type compiled struct {
	kind     watchindex.Kind
	id       string
	enabled  bool
	alarm    alarm.Rule
	business businessrule.Rule
	sync     syncengine.Rule
	patterns []point.Pattern
}

func (cr *compiled) setEnabled(enabled bool) {
	cr.enabled = enabled
	cr.alarm.Enabled = enabled
	cr.business.Enabled = enabled
	cr.sync.Enabled = enabled
}

func notFound(method string, kind watchindex.Kind, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s rule %s", errors.ErrRuleNotFound, kind, id), "Core", method, "find rule")
}

// normalize fixes the id inside a definition. An empty want accepts the definition's
// id or generates one; otherwise the definition must carry want or no id at all.
// hasEnabled reports whether the definition sets enabled explicitly.
func normalize(def []byte, want string) (out []byte, id string, hasEnabled bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(def, &fields); err != nil || fields == nil {
		if err == nil {
			err = fmt.Errorf("definition must be an object")
		}
		return nil, "", false, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Core", "normalize", "decode definition")
	}

	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, "", false, errors.WrapInvalid(fmt.Errorf("%w: id must be a string", errors.ErrInvalidData), "Core", "normalize", "read id")
		}
	}
	switch {
	case want != "" && id != "" && id != want:
		return nil, "", false, errors.WrapInvalid(fmt.Errorf("%w: definition id %q does not match %q", errors.ErrInvalidData, id, want),
			"Core", "normalize", "check id")
	case want != "":
		id = want
	case id == "":
		id = uuid.NewString()
	}
	if !rulestore.ValidID(id) {
		return nil, "", false, errors.WrapInvalid(fmt.Errorf("%w: rule id %q", errors.ErrInvalidData, id), "Core", "normalize", "check id")
	}

	fields["id"], _ = json.Marshal(id)
	_, hasEnabled = fields["enabled"]
	out, err = json.Marshal(fields)
	if err != nil {
		return nil, "", false, errors.WrapInvalid(err, "Core", "normalize", "encode definition")
	}
	return out, id, hasEnabled, nil
}

// compile validates def against the kind's schema and compiles it
func (c *Core) compile(kind watchindex.Kind, def []byte) (compiled, error) {
	if err := c.schemas.validate(kind, def); err != nil {
		return compiled{}, err
	}
	cr := compiled{kind: kind}
	switch kind {
	case watchindex.KindAlarm:
		r, err := alarm.ParseRule(def)
		if err != nil {
			return compiled{}, err
		}
		cr.id, cr.enabled, cr.alarm = r.ID, r.Enabled, r
		cr.patterns = []point.Pattern{r.Pattern()}
	case watchindex.KindBusiness:
		r, err := businessrule.ParseRule(def)
		if err != nil {
			return compiled{}, err
		}
		cr.id, cr.enabled, cr.business = r.ID, r.Enabled, r
		for _, k := range r.Keys() {
			p, err := point.CompileSourcePattern(k.Source(), k.Field)
			if err != nil {
				return compiled{}, err
			}
			cr.patterns = append(cr.patterns, p)
		}
	case watchindex.KindSync:
		r, err := syncengine.ParseRule(def)
		if err != nil {
			return compiled{}, err
		}
		cr.id, cr.enabled, cr.sync = r.ID, r.Enabled, r
		cr.patterns = []point.Pattern{r.Source()}
	default:
		return compiled{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownRuleKind, kind), "Core", "compile", "select engine")
	}
	return cr, nil
}

func (c *Core) nextGeneration() uint64 {
	c.generation++
	return c.generation
}

// install puts the rule into its engine under gen and swaps its index registrations.
// The engine sees the new generation first, so references still in flight for the old
// registrations are ignored. Caller holds mu.
func (c *Core) install(ctx context.Context, cr compiled, gen uint64) {
	switch cr.kind {
	case watchindex.KindAlarm:
		c.alarms.Put(ctx, cr.alarm, gen)
	case watchindex.KindBusiness:
		c.business.Put(cr.business, gen)
	case watchindex.KindSync:
		c.sync.Put(cr.sync, gen)
	}
	c.index.Unregister(cr.kind, cr.id)
	if cr.enabled {
		c.register(cr, gen)
	}
}

func (c *Core) register(cr compiled, gen uint64) {
	ref := watchindex.RuleRef{Kind: cr.kind, ID: cr.id, Generation: gen}
	for _, p := range cr.patterns {
		c.index.RegisterPattern(ref, p)
	}
}

// uninstall removes the rule from its engine and the index. Caller holds mu.
func (c *Core) uninstall(ctx context.Context, kind watchindex.Kind, id string) {
	c.index.Unregister(kind, id)
	var err error
	switch kind {
	case watchindex.KindAlarm:
		err = c.alarms.Remove(ctx, id)
	case watchindex.KindBusiness:
		err = c.business.Remove(id)
	case watchindex.KindSync:
		err = c.sync.Remove(id)
	}
	if err != nil {
		c.logger.Debug("Rule already absent from engine", "kind", kind, "rule", id)
	}
}

// seen records that the table is at revision for rk. Caller holds mu.
func (c *Core) seen(rk ruleKey, revision uint64) {
	if revision > c.applied[rk] {
		c.applied[rk] = revision
	}
}

func (c *Core) countRules() {
	if c.ruleGauge == nil {
		return
	}
	counts := map[watchindex.Kind]int{}
	for k := range c.entries {
		counts[k.kind]++
	}
	for _, kind := range watchindex.Kinds {
		c.ruleGauge.WithLabelValues(kind.String()).Set(float64(counts[kind]))
	}
}

// CreateRule validates, stores and installs a new rule and returns its id. A
// definition without an id gets a generated one.
func (c *Core) CreateRule(ctx context.Context, kind watchindex.Kind, def []byte) (string, error) {
	def, id, _, err := normalize(def, "")
	if err != nil {
		return "", err
	}
	cr, err := c.compile(kind, def)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rk := ruleKey{kind: kind, id: id}
	if _, ok := c.entries[rk]; ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %s rule %s", errors.ErrRuleExists, kind, id), "Core", "CreateRule", "check id")
	}

	gen := c.nextGeneration()
	rec := rulestore.Record{Kind: kind, ID: id, Definition: def, Enabled: cr.enabled, Generation: gen, UpdatedAt: c.wall.NowMs()}
	rev, err := c.rules.Create(ctx, rec)
	if err != nil {
		return "", errors.Wrap(err, "Core", "CreateRule", "store "+kind.String()+" rule "+id)
	}
	rec.Revision = rev
	c.seen(rk, rev)
	c.entries[rk] = &entry{record: rec, compiled: cr}
	c.install(ctx, cr, gen)
	c.countRules()

	c.logger.Info("Rule created", "kind", kind, "rule", id, "enabled", cr.enabled, "generation", gen)
	return id, nil
}

// UpdateRule replaces the definition of an existing rule. When the new definition does
// not say whether the rule is enabled, the current state is kept.
func (c *Core) UpdateRule(ctx context.Context, kind watchindex.Kind, id string, def []byte) error {
	def, _, hasEnabled, err := normalize(def, id)
	if err != nil {
		return err
	}
	cr, err := c.compile(kind, def)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rk := ruleKey{kind: kind, id: id}
	cur, ok := c.entries[rk]
	if !ok {
		return notFound("UpdateRule", kind, id)
	}
	if !hasEnabled {
		cr.setEnabled(cur.record.Enabled)
	}

	gen := c.nextGeneration()
	rec := rulestore.Record{Kind: kind, ID: id, Definition: def, Enabled: cr.enabled, Generation: gen, UpdatedAt: c.wall.NowMs()}
	rev, err := c.rules.Update(ctx, rec, cur.record.Revision)
	if err != nil {
		return errors.Wrap(err, "Core", "UpdateRule", "store "+kind.String()+" rule "+id)
	}
	rec.Revision = rev
	c.seen(rk, rev)
	c.entries[rk] = &entry{record: rec, compiled: cr}
	c.install(ctx, cr, gen)

	c.logger.Info("Rule updated", "kind", kind, "rule", id, "enabled", cr.enabled, "generation", gen)
	return nil
}

// DeleteRule removes a rule from the table, its engine and the index
func (c *Core) DeleteRule(ctx context.Context, kind watchindex.Kind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := ruleKey{kind: kind, id: id}
	en, ok := c.entries[rk]
	if !ok {
		return notFound("DeleteRule", kind, id)
	}
	if err := c.rules.Delete(ctx, kind, id); err != nil && !errors.Is(err, errors.ErrRuleNotFound) {
		return errors.Wrap(err, "Core", "DeleteRule", "delete "+kind.String()+" rule "+id)
	}
	// Every put of this rule so far is at or below its last revision
	c.seen(rk, en.record.Revision)
	delete(c.entries, rk)
	c.uninstall(ctx, kind, id)
	c.countRules()

	c.logger.Info("Rule deleted", "kind", kind, "rule", id)
	return nil
}

// EnableRule enables a rule and registers its watches
func (c *Core) EnableRule(ctx context.Context, kind watchindex.Kind, id string) error {
	return c.setEnabled(ctx, kind, id, true)
}

// DisableRule disables a rule and drops its watches. A disabled alarm rule clears its
// active instance.
func (c *Core) DisableRule(ctx context.Context, kind watchindex.Kind, id string) error {
	return c.setEnabled(ctx, kind, id, false)
}

func (c *Core) setEnabled(ctx context.Context, kind watchindex.Kind, id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := ruleKey{kind: kind, id: id}
	en, ok := c.entries[rk]
	if !ok {
		return notFound("SetEnabled", kind, id)
	}
	if en.record.Enabled == enabled {
		return nil
	}

	rec := en.record
	rec.Enabled = enabled
	rec.UpdatedAt = c.wall.NowMs()
	rev, err := c.rules.Update(ctx, rec, en.record.Revision)
	if err != nil {
		return errors.Wrap(err, "Core", "SetEnabled", "store "+kind.String()+" rule "+id)
	}
	rec.Revision = rev
	c.seen(rk, rev)

	switch kind {
	case watchindex.KindAlarm:
		err = c.alarms.SetEnabled(ctx, id, enabled)
	case watchindex.KindBusiness:
		err = c.business.SetEnabled(id, enabled)
	case watchindex.KindSync:
		err = c.sync.SetEnabled(id, enabled)
	}
	if err != nil {
		return errors.Wrap(err, "Core", "SetEnabled", "update engine")
	}

	en.record = rec
	en.compiled.setEnabled(enabled)
	c.index.Unregister(kind, id)
	if enabled {
		c.register(en.compiled, rec.Generation)
	}

	c.logger.Info("Rule enabled state changed", "kind", kind, "rule", id, "enabled", enabled)
	return nil
}

// GetRule returns the stored record of a rule
func (c *Core) GetRule(kind watchindex.Kind, id string) (rulestore.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	en, ok := c.entries[ruleKey{kind: kind, id: id}]
	if !ok {
		return rulestore.Record{}, notFound("GetRule", kind, id)
	}
	return en.record, nil
}

// ListRules summarizes the rules of kind, or of every kind when kind is zero, ordered
// by kind then id
func (c *Core) ListRules(kind watchindex.Kind) []RuleSummary {
	c.mu.Lock()
	out := make([]RuleSummary, 0, len(c.entries))
	for rk, en := range c.entries {
		if kind != 0 && rk.kind != kind {
			continue
		}
		out = append(out, RuleSummary{
			Kind:       rk.kind,
			ID:         rk.id,
			Enabled:    en.record.Enabled,
			Generation: en.record.Generation,
			UpdatedAt:  en.record.UpdatedAt,
			Watches:    c.index.Memberships(rk.kind, rk.id),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Load replaces the installed rules with the contents of the rule table and rebuilds
// the watch index in one step. Records that no longer compile are logged and skipped.
// It returns how many rules were installed.
func (c *Core) Load(ctx context.Context) (int, error) {
	recs, err := c.rules.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "Core", "Load", "list rule table")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[ruleKey]*entry, len(recs))
	var regs []watchindex.Registration
	for _, rec := range recs {
		def, _, _, err := normalize(rec.Definition, rec.ID)
		if err != nil {
			c.logger.Warn("Skipping stored rule", "kind", rec.Kind, "rule", rec.ID, "error", err)
			continue
		}
		cr, err := c.compile(rec.Kind, def)
		if err != nil {
			c.logger.Warn("Skipping stored rule", "kind", rec.Kind, "rule", rec.ID, "error", err)
			continue
		}
		cr.setEnabled(rec.Enabled)

		gen := c.nextGeneration()
		rec.Generation = gen
		rk := ruleKey{kind: rec.Kind, id: rec.ID}
		c.seen(rk, rec.Revision)
		next[rk] = &entry{record: rec, compiled: cr}

		switch cr.kind {
		case watchindex.KindAlarm:
			c.alarms.Put(ctx, cr.alarm, gen)
		case watchindex.KindBusiness:
			c.business.Put(cr.business, gen)
		case watchindex.KindSync:
			c.sync.Put(cr.sync, gen)
		}
		if cr.enabled {
			ref := watchindex.RuleRef{Kind: cr.kind, ID: cr.id, Generation: gen}
			for _, p := range cr.patterns {
				regs = append(regs, watchindex.Registration{Ref: ref, Pattern: p})
			}
		}
	}

	for rk := range c.entries {
		if _, ok := next[rk]; !ok {
			c.uninstall(ctx, rk.kind, rk.id)
		}
	}
	c.index.Rebuild(regs)
	c.entries = next
	c.countRules()

	c.logger.Info("Rule table loaded", "rules", len(next), "skipped", len(recs)-len(next), "watches", c.index.Len())
	return len(next), nil
}

// ApplyChange installs a change made to the rule table by another writer. A change at
// or below the newest revision already applied to the rule, such as the echo of this
// core's own write, is ignored, as is one that matches what is installed.
func (c *Core) ApplyChange(ctx context.Context, ch rulestore.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := ruleKey{kind: ch.Record.Kind, id: ch.Record.ID}
	if ch.Revision != 0 {
		if ch.Revision <= c.applied[rk] {
			c.logger.Debug("Ignoring stale rule table change", "kind", rk.kind, "rule", rk.id,
				"op", ch.Op, "revision", ch.Revision, "applied", c.applied[rk])
			return
		}
		c.applied[rk] = ch.Revision
	}
	cur, exists := c.entries[rk]

	if ch.Op == rulestore.OpDelete {
		if !exists {
			return
		}
		delete(c.entries, rk)
		c.uninstall(ctx, rk.kind, rk.id)
		c.countRules()
		c.logger.Info("Rule removed by table change", "kind", rk.kind, "rule", rk.id, "revision", ch.Revision)
		return
	}

	def, _, _, err := normalize(ch.Record.Definition, ch.Record.ID)
	if err != nil {
		c.logger.Warn("Rejected rule table change", "kind", rk.kind, "rule", rk.id, "error", err)
		return
	}
	if exists && cur.record.Enabled == ch.Record.Enabled && bytes.Equal(cur.record.Definition, def) {
		if ch.Revision != 0 {
			cur.record.Revision = ch.Revision
		}
		return
	}
	cr, err := c.compile(rk.kind, def)
	if err != nil {
		c.logger.Warn("Rejected rule table change", "kind", rk.kind, "rule", rk.id, "error", err)
		return
	}
	cr.setEnabled(ch.Record.Enabled)

	gen := c.nextGeneration()
	rec := ch.Record
	rec.Definition = def
	rec.Generation = gen
	switch {
	case ch.Revision != 0:
		rec.Revision = ch.Revision
	case exists:
		rec.Revision = cur.record.Revision
	}
	c.entries[rk] = &entry{record: rec, compiled: cr}
	c.install(ctx, cr, gen)
	c.countRules()
	c.logger.Info("Rule installed from table change", "kind", rk.kind, "rule", rk.id, "revision", ch.Revision, "generation", gen)
}

// Watcher is a rule table that streams changes from other writers
type Watcher interface {
	Watch(ctx context.Context, handler func(context.Context, rulestore.Change)) error
}

// WatchRules applies rule table changes until ctx ends. It returns at once when the
// table cannot be watched.
func (c *Core) WatchRules(ctx context.Context) error {
	w, ok := c.rules.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, c.ApplyChange)
}
