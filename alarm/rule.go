// Package alarm implements threshold alarms.
//
// Each alarm rule owns at most one instance. The instance becomes Active the first time
// the rule's condition is met, is refreshed in place while the condition holds, and is
// Cleared when it stops holding or when the rule is disabled or deleted. A later
// condition-met value creates a fresh Active instance in place of the cleared one.
// Trigger and clear use the same threshold.
package alarm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/expression"
	"github.com/c360/pointflow/point"
)

// Level is the severity reported with an alarm
type Level string

// Alarm levels
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelMajor    Level = "major"
	LevelCritical Level = "critical"
)

// IsValid reports whether l is a known level
func (l Level) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelMajor, LevelCritical:
		return true
	}
	return false
}

// Rule is an alarm rule definition. SourceKey is "ns:entity:category" and together with
// Field may use "*" segments; the rule still owns a single instance.
type Rule struct {
	ID        string              `json:"id"`
	SourceKey string              `json:"source_key"`
	Field     string              `json:"field"`
	Threshold float64             `json:"threshold"`
	Operator  expression.Operator `json:"operator"`
	Enabled   bool                `json:"enabled"`
	Level     Level               `json:"level"`
	Title     string              `json:"title"`
	CreatedAt int64               `json:"created_at"`

	pattern point.Pattern
}

// ParseRule decodes and compiles a rule definition. Enabled defaults to true and
// Level to warning when omitted.
func ParseRule(data []byte) (Rule, error) {
	r := Rule{Enabled: true}
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, errors.WrapInvalid(err, "alarm", "ParseRule", "decode rule")
	}
	if err := r.Compile(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Compile validates the rule and compiles its source pattern
func (r *Rule) Compile() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: alarm rule id is required", errors.ErrInvalidData),
			"alarm", "Compile", "validate rule")
	}
	if _, err := expression.ParseOperator(string(r.Operator)); err != nil {
		return errors.WrapInvalid(err, "alarm", "Compile", "validate operator of "+r.ID)
	}
	if r.Level == "" {
		r.Level = LevelWarning
	}
	if !r.Level.IsValid() {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown level %q", errors.ErrInvalidData, r.Level),
			"alarm", "Compile", "validate level of "+r.ID)
	}

	p, err := point.CompileSourcePattern(r.SourceKey, r.Field)
	if err != nil {
		return err
	}
	r.pattern = p
	return nil
}

// Pattern returns the compiled watch pattern
func (r Rule) Pattern() point.Pattern { return r.pattern }

// ConditionMet compares value against the threshold
func (r Rule) ConditionMet(value float64) bool {
	return r.Operator.Compare(value, r.Threshold)
}

// Status is the lifecycle state of an instance
type Status string

// Instance states
const (
	StatusActive  Status = "active"
	StatusCleared Status = "cleared"
)

// ClearReason records why an instance was cleared
type ClearReason string

// Clear reasons
const (
	ClearConditionCleared ClearReason = "condition_cleared"
	ClearRuleDisabled     ClearReason = "rule_disabled"
	ClearRuleDeleted      ClearReason = "rule_deleted"
)

// Instance is the single alarm record of a rule
type Instance struct {
	RuleID       string              `json:"rule_id"`
	Status       Status              `json:"status"`
	Level        Level               `json:"level"`
	Title        string              `json:"title"`
	SourceKey    point.Key           `json:"source_key"`
	TriggerValue float64             `json:"trigger_value"`
	CurrentValue float64             `json:"current_value"`
	Threshold    float64             `json:"threshold"`
	Operator     expression.Operator `json:"operator"`
	TriggeredAt  int64               `json:"triggered_at"`
	ClearedAt    int64               `json:"cleared_at,omitempty"`
	ClearReason  ClearReason         `json:"clear_reason,omitempty"`
}

// IsActive reports whether the instance is active
func (i Instance) IsActive() bool {
	return i.Status == StatusActive
}
