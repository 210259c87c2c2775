package rule

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Operator vocabulary for rule conditions.
const (
	OpEquals       = "equals"
	OpNotEquals    = "not_equals"
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpGreaterEqual = "greater_equal"
	OpLessEqual    = "less_equal"
	OpContains     = "contains"
)

var operators = map[string]bool{
	OpEquals:       true,
	OpNotEquals:    true,
	OpGreaterThan:  true,
	OpLessThan:     true,
	OpGreaterEqual: true,
	OpLessEqual:    true,
	OpContains:     true,
}

// ValidOperator reports whether op belongs to the condition vocabulary.
func ValidOperator(op string) bool { return operators[op] }

// Evaluator decides whether a fact set satisfies a rule's condition list.
// It is total over partial fact sets: different trigger categories supply
// different fact shapes, so a missing key or an uncoercible value evaluates
// to false rather than erroring.
type Evaluator struct{}

// NewEvaluator creates a new Evaluator instance.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns true when every condition holds against the facts.
// An empty condition list always matches.
func (e *Evaluator) Evaluate(conditions []Condition, facts map[string]any) bool {
	for _, cond := range conditions {
		if !e.evaluateOne(cond, facts) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOne(cond Condition, facts map[string]any) bool {
	fact, ok := facts[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return equal(fact, cond.Value)
	case OpNotEquals:
		return !equal(fact, cond.Value)
	case OpGreaterThan:
		return compareNumeric(fact, cond.Value, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return compareNumeric(fact, cond.Value, func(a, b float64) bool { return a < b })
	case OpGreaterEqual:
		return compareNumeric(fact, cond.Value, func(a, b float64) bool { return a >= b })
	case OpLessEqual:
		return compareNumeric(fact, cond.Value, func(a, b float64) bool { return a <= b })
	case OpContains:
		factStr, ok := fact.(string)
		if !ok {
			return false
		}
		wantStr, ok := cond.Value.(string)
		if !ok {
			return false
		}
		return strings.Contains(factStr, wantStr)
	}
	return false
}

// equal compares numerically when both sides coerce, otherwise by string form.
func equal(fact, want any) bool {
	fa, okA := toFloat(fact)
	fb, okB := toFloat(want)
	if okA && okB {
		return fa == fb
	}

	fs, okA := fact.(string)
	ws, okB := want.(string)
	if okA && okB {
		return fs == ws
	}

	fb2, okA := fact.(bool)
	wb2, okB := want.(bool)
	if okA && okB {
		return fb2 == wb2
	}

	return false
}

// compareNumeric coerces both sides to numeric and fails closed when either
// side cannot be coerced.
func compareNumeric(fact, want any, cmp func(a, b float64) bool) bool {
	a, ok := toFloat(fact)
	if !ok {
		return false
	}
	b, ok := toFloat(want)
	if !ok {
		return false
	}
	return cmp(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
