// Package syncengine copies and derives point values across namespaces.
//
// A sync rule matches written keys against a source pattern whose "*" segments are
// captured as $1..$n, resolves a target template from the captures and the well-known
// variables, optionally renames the field, transforms the value and writes the target
// through the point store. Patterns are compiled when the rule is installed; evaluation
// only matches and substitutes.
package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
)

// DefaultAggregateWindowMs is used when an aggregate transform has no window
const DefaultAggregateWindowMs = 5_000

// TransformType tags a transform variant
type TransformType string

// Transform variants
const (
	TransformDirect      TransformType = "direct"
	TransformNumeric     TransformType = "numeric"
	TransformAggregate   TransformType = "aggregate"
	TransformJSONExtract TransformType = "json_extract"
)

// AggregateOp combines the samples of an aggregate window
type AggregateOp string

// Aggregate operations
const (
	AggregateSum AggregateOp = "sum"
	AggregateAvg AggregateOp = "avg"
	AggregateMax AggregateOp = "max"
	AggregateMin AggregateOp = "min"
)

// Transform describes how the source value becomes the target value. Numeric uses
// Scale and Offset (a zero scale means 1), Aggregate uses Op and WindowMs, JsonExtract
// uses Path.
type Transform struct {
	Type     TransformType `json:"type"`
	Scale    float64       `json:"scale,omitempty"`
	Offset   float64       `json:"offset,omitempty"`
	Op       AggregateOp   `json:"op,omitempty"`
	WindowMs int64         `json:"window_ms,omitempty"`
	Path     string        `json:"path,omitempty"`

	path []string
}

func (t *Transform) compile(ruleID string) error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(fmt.Errorf("%w: rule %s: %s", errors.ErrInvalidData, ruleID, msg),
			"syncengine", "Compile", "validate transform")
	}

	switch t.Type {
	case "", TransformDirect:
		t.Type = TransformDirect
	case TransformNumeric:
		if t.Scale == 0 {
			t.Scale = 1
		}
	case TransformAggregate:
		switch t.Op {
		case AggregateSum, AggregateAvg, AggregateMax, AggregateMin:
		default:
			return invalid(fmt.Sprintf("unknown aggregate op %q", t.Op))
		}
		if t.WindowMs < 0 {
			return invalid("window_ms must not be negative")
		}
		if t.WindowMs == 0 {
			t.WindowMs = DefaultAggregateWindowMs
		}
	case TransformJSONExtract:
		p, err := parsePath(t.Path)
		if err != nil {
			return invalid(err.Error())
		}
		t.path = p
	default:
		return invalid(fmt.Sprintf("unknown transform %q", t.Type))
	}
	return nil
}

// Numeric applies value*scale+offset
func (t Transform) Numeric(v float64) float64 {
	return v*t.Scale + t.Offset
}

// Inverse returns the numeric transform that undoes t
func (t Transform) Inverse() Transform {
	return Transform{Type: TransformNumeric, Scale: 1 / t.Scale, Offset: -t.Offset / t.Scale}
}

// Rule is a sync rule definition
type Rule struct {
	ID             string            `json:"id"`
	Enabled        bool              `json:"enabled"`
	SourcePattern  string            `json:"source_pattern"`
	TargetPattern  string            `json:"target_pattern"`
	FieldMapping   map[string]string `json:"field_mapping,omitempty"`
	Transform      Transform         `json:"transform"`
	ReverseMapping bool              `json:"reverse_mapping_enabled"`

	source point.Pattern
	target point.Template
}

// ParseRule decodes and compiles a rule definition. Enabled defaults to true.
func ParseRule(data []byte) (Rule, error) {
	r := Rule{Enabled: true}
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, errors.WrapInvalid(err, "syncengine", "ParseRule", "decode rule")
	}
	if err := r.Compile(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Compile validates the rule and compiles its patterns. A target template may only
// reference captures the source pattern produces.
func (r *Rule) Compile() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: sync rule id is required", errors.ErrInvalidData),
			"syncengine", "Compile", "validate rule")
	}

	src, err := point.CompilePattern(r.SourcePattern)
	if err != nil {
		return err
	}
	tgt, err := point.CompileTemplate(r.TargetPattern)
	if err != nil {
		return err
	}
	if tgt.MaxCapture() > src.Captures() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q references $%d but %q captures %d", errors.ErrMalformedPattern,
				r.TargetPattern, tgt.MaxCapture(), r.SourcePattern, src.Captures()),
			"syncengine", "Compile", "check captures of "+r.ID)
	}

	for from, to := range r.FieldMapping {
		if from == "" || to == "" || strings.ContainsAny(to, point.Separator+point.Wildcard+"$") {
			return errors.WrapInvalid(
				fmt.Errorf("%w: field_mapping %q -> %q", errors.ErrMalformedPattern, from, to),
				"syncengine", "Compile", "check field mapping of "+r.ID)
		}
	}

	if err := r.Transform.compile(r.ID); err != nil {
		return err
	}
	r.source = src
	r.target = tgt
	return nil
}

// Source returns the compiled source pattern, the pattern the rule is registered under
func (r Rule) Source() point.Pattern { return r.source }

// Target returns the compiled target template
func (r Rule) Target() point.Template { return r.target }

// Resolve maps a matching source key to its target key. ok is false when key does not
// match the source pattern.
func (r Rule) Resolve(key point.Key, ts int64) (target point.Key, ok bool, err error) {
	caps, ok := r.source.Match(key)
	if !ok {
		return point.Key{}, false, nil
	}
	target, err = r.target.Resolve(point.Vars{Source: key, Captures: caps, Timestamp: ts})
	if err != nil {
		return point.Key{}, true, err
	}
	if f, mapped := r.FieldMapping[key.Field]; mapped {
		target = target.WithField(f)
	}
	return target, true, nil
}
