// Package expression implements the fixed condition grammar shared by alarm and business
// rules: a numeric comparison against a threshold, combined with AND/OR inside a group and
// again across groups. It is deliberately not a general expression language.
package expression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
)

// Operator is a numeric comparison
type Operator string

// Supported operators. Equality is exact float comparison, without epsilon.
const (
	OpGreaterThan      Operator = ">"
	OpLessThan         Operator = "<"
	OpGreaterThanEqual Operator = ">="
	OpLessThanEqual    Operator = "<="
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
)

var operatorAliases = map[string]Operator{
	">": OpGreaterThan, "gt": OpGreaterThan,
	"<": OpLessThan, "lt": OpLessThan,
	">=": OpGreaterThanEqual, "gte": OpGreaterThanEqual,
	"<=": OpLessThanEqual, "lte": OpLessThanEqual,
	"==": OpEqual, "eq": OpEqual, "=": OpEqual,
	"!=": OpNotEqual, "ne": OpNotEqual,
}

// ParseOperator accepts symbolic and mnemonic spellings ("gte", ">=")
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", &EvaluationError{Operator: s, Message: "unsupported operator"}
}

// UnmarshalJSON normalizes aliases
func (o *Operator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	op, err := ParseOperator(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Compare evaluates value <op> threshold
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpGreaterThanEqual:
		return value >= threshold
	case OpLessThanEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// Logic combines boolean results
type Logic string

// Logic operators
const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// ParseLogic accepts "and"/"or" in any case, plus "&&" and "||"
func ParseLogic(s string) (Logic, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "and", "&&":
		return LogicAnd, nil
	case "or", "||":
		return LogicOr, nil
	}
	return "", &EvaluationError{Message: fmt.Sprintf("unsupported logic operator: %s", s)}
}

// UnmarshalJSON normalizes case; an empty string defaults to AND
func (l *Logic) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*l = LogicAnd
		return nil
	}
	parsed, err := ParseLogic(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Condition compares the value at one key against a constant
type Condition struct {
	SourceKey string   `json:"source_key"`
	Field     string   `json:"field"`
	Operator  Operator `json:"operator"`
	Value     float64  `json:"value"`
}

// Key resolves the condition's exact point key. Conditions never take wildcards.
func (c Condition) Key() (point.Key, error) {
	p, err := point.CompileSourcePattern(c.SourceKey, c.Field)
	if err != nil {
		return point.Key{}, err
	}
	k, ok := p.Key()
	if !ok {
		return point.Key{}, errors.WrapInvalid(
			fmt.Errorf("%w: condition key %q must be exact", errors.ErrMalformedPattern, p.String()),
			"expression", "Key", "resolve condition key")
	}
	return k, nil
}

// Group is a list of conditions combined with Logic
type Group struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// Expression is a list of groups combined with GroupLogic
type Expression struct {
	Groups     []Group `json:"condition_groups"`
	GroupLogic Logic   `json:"group_logic"`
}

// Keys returns every distinct key referenced, in declaration order
func (e Expression) Keys() ([]point.Key, error) {
	seen := make(map[point.Key]bool)
	var keys []point.Key
	for _, g := range e.Groups {
		for _, c := range g.Conditions {
			k, err := c.Key()
			if err != nil {
				return nil, err
			}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

// EvaluationError describes why an expression could not be evaluated
type EvaluationError struct {
	Key      string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("evaluation error for key '%s' with operator '%s': %s", e.Key, e.Operator, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
