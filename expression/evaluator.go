package expression

import (
	"github.com/c360/pointflow/point"
)

// Values supplies current point values to the evaluator. A missing key makes its
// condition false.
type Values map[point.Key]point.Value

// Evaluate evaluates the expression against values.
// An expression without groups, or a group without conditions, is true.
func Evaluate(expr Expression, values Values) (bool, error) {
	if len(expr.Groups) == 0 {
		return true, nil
	}

	results := make([]bool, len(expr.Groups))
	for i, g := range expr.Groups {
		ok, err := EvaluateGroup(g, values)
		if err != nil {
			return false, err
		}
		results[i] = ok
	}
	return combine(expr.GroupLogic, results)
}

// EvaluateGroup evaluates a single condition group
func EvaluateGroup(g Group, values Values) (bool, error) {
	if len(g.Conditions) == 0 {
		return true, nil
	}

	results := make([]bool, len(g.Conditions))
	for i, c := range g.Conditions {
		ok, err := evaluateCondition(c, values)
		if err != nil {
			return false, err
		}
		results[i] = ok
	}
	return combine(g.Logic, results)
}

func evaluateCondition(c Condition, values Values) (bool, error) {
	k, err := c.Key()
	if err != nil {
		return false, &EvaluationError{
			Key:      c.SourceKey + point.Separator + c.Field,
			Operator: string(c.Operator),
			Message:  "invalid condition key",
			Err:      err,
		}
	}

	v, ok := values[k]
	if !ok {
		return false, nil
	}
	if _, err := ParseOperator(string(c.Operator)); err != nil {
		return false, &EvaluationError{Key: k.String(), Operator: string(c.Operator), Message: "unsupported operator"}
	}
	return c.Operator.Compare(v.Value, c.Value), nil
}

func combine(logic Logic, results []bool) (bool, error) {
	switch logic {
	case LogicAnd, "":
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	case LogicOr:
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	}
	return false, &EvaluationError{Message: "unsupported logic operator: " + string(logic)}
}
