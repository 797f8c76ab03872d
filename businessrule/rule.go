// Package businessrule evaluates condition/action rules.
//
// A rule fires when its condition groups hold: conditions combine with their group's
// logic and groups combine with the rule's group_logic. Firing runs the actions in
// order. A failed action is recorded on the rule's execution state and does not stop
// the actions after it. Cooldown is checked before anything else, so a rule inside its
// cooldown window neither reads the store nor runs actions.
package businessrule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/expression"
	"github.com/c360/pointflow/point"
)

// ActionType tags an action variant
type ActionType string

// Action variants
const (
	ActionSetValue    ActionType = "set_value"
	ActionCreateAlarm ActionType = "create_alarm"
	ActionNotify      ActionType = "notify"
)

// Action is one step run when a rule fires. Which fields apply depends on Type:
// set_value uses TargetKey and Value, create_alarm uses Level and Message, notify uses
// Channel and Payload.
type Action struct {
	Type      ActionType      `json:"type"`
	TargetKey string          `json:"target_key,omitempty"`
	Value     float64         `json:"value,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	target point.Key
}

// Target returns the parsed target key of a set_value action
func (a Action) Target() point.Key { return a.target }

func (a *Action) compile(ruleID string, i int) error {
	fail := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: rule %s action %d: %s", errors.ErrInvalidData, ruleID, i, fmt.Sprintf(format, args...)),
			"businessrule", "Compile", "validate action")
	}

	switch a.Type {
	case ActionSetValue:
		k, err := point.ParseKey(a.TargetKey)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: target_key %q: %v", errors.ErrMalformedPattern, a.TargetKey, err),
				"businessrule", "Compile", "validate action")
		}
		a.target = k
	case ActionCreateAlarm:
		if a.Level == "" {
			a.Level = "warning"
		}
		if a.Message == "" {
			return fail("create_alarm needs a message")
		}
	case ActionNotify:
		if a.Channel == "" {
			return fail("notify needs a channel")
		}
	default:
		return fail("unknown action type %q", a.Type)
	}
	return nil
}

// Rule is a business rule definition
type Rule struct {
	ID              string `json:"id"`
	Enabled         bool   `json:"enabled"`
	Priority        int    `json:"priority"`
	CooldownSeconds int64  `json:"cooldown_seconds"`
	expression.Expression
	Actions []Action `json:"actions"`

	keys []point.Key
}

// ParseRule decodes and compiles a rule definition. Enabled defaults to true.
func ParseRule(data []byte) (Rule, error) {
	r := Rule{Enabled: true}
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, errors.WrapInvalid(err, "businessrule", "ParseRule", "decode rule")
	}
	if err := r.Compile(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Compile validates the rule and resolves its condition keys. Condition keys must be
// exact.
func (r *Rule) Compile() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: business rule id is required", errors.ErrInvalidData),
			"businessrule", "Compile", "validate rule")
	}
	if r.CooldownSeconds < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: cooldown_seconds must not be negative", errors.ErrInvalidData),
			"businessrule", "Compile", "validate rule "+r.ID)
	}
	if len(r.Actions) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: rule %s has no actions", errors.ErrInvalidData, r.ID),
			"businessrule", "Compile", "validate rule")
	}
	if r.GroupLogic == "" {
		r.GroupLogic = expression.LogicAnd
	}

	for gi := range r.Groups {
		if r.Groups[gi].Logic == "" {
			r.Groups[gi].Logic = expression.LogicAnd
		}
		for _, c := range r.Groups[gi].Conditions {
			if _, err := expression.ParseOperator(string(c.Operator)); err != nil {
				return errors.WrapInvalid(err, "businessrule", "Compile", "validate condition of "+r.ID)
			}
		}
	}

	keys, err := r.Expression.Keys()
	if err != nil {
		return err
	}
	r.keys = keys

	for i := range r.Actions {
		if err := r.Actions[i].compile(r.ID, i); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the distinct condition keys, the keys the rule is registered under
func (r Rule) Keys() []point.Key { return r.keys }

// ExecutionState tracks firing for cooldown and reports failed actions
type ExecutionState struct {
	RuleID        string `json:"rule_id"`
	LastFiredAt   int64  `json:"last_fired_at"`
	FireCount     uint64 `json:"fire_count"`
	FailedActions uint64 `json:"failed_actions"`
	LastError     string `json:"last_error,omitempty"`
}

// Trigger is the write that caused an evaluation
type Trigger struct {
	Key   point.Key
	Value point.Value
}

// Outcome reports one evaluation
type Outcome struct {
	Fired   bool
	Actions []ActionResult
}

// ActionResult reports one executed action
type ActionResult struct {
	Type ActionType
	Err  error
}

// Failed counts failed actions
func (o Outcome) Failed() int {
	n := 0
	for _, a := range o.Actions {
		if a.Err != nil {
			n++
		}
	}
	return n
}
