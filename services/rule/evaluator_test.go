package rule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyConditionsAlwaysMatch(t *testing.T) {
	e := NewEvaluator()

	require.True(t, e.Evaluate(nil, map[string]any{"score": 90}))
	require.True(t, e.Evaluate([]Condition{}, nil))
}

func TestEvaluateMissingFactFailsClosed(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{
		{Field: "score", Operator: OpGreaterThan, Value: 80},
	}
	require.False(t, e.Evaluate(conditions, map[string]any{"other": 100}))
	require.False(t, e.Evaluate(conditions, nil))
}

func TestEvaluateAndSemantics(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{
		{Field: "score", Operator: OpGreaterEqual, Value: 80},
		{Field: "courseId", Operator: OpEquals, Value: "go-101"},
	}

	require.True(t, e.Evaluate(conditions, map[string]any{
		"score":    85,
		"courseId": "go-101",
	}))
	require.False(t, e.Evaluate(conditions, map[string]any{
		"score":    85,
		"courseId": "go-201",
	}))
	require.False(t, e.Evaluate(conditions, map[string]any{
		"score":    79,
		"courseId": "go-101",
	}))
}

func TestEvaluateNumericCoercion(t *testing.T) {
	e := NewEvaluator()

	// JSON decodes numbers as float64; stored condition values may be ints.
	conditions := []Condition{{Field: "score", Operator: OpEquals, Value: 90}}
	require.True(t, e.Evaluate(conditions, map[string]any{"score": float64(90)}))

	conditions = []Condition{{Field: "score", Operator: OpGreaterThan, Value: "85"}}
	require.True(t, e.Evaluate(conditions, map[string]any{"score": 90}))
	require.False(t, e.Evaluate(conditions, map[string]any{"score": 80}))
}

func TestEvaluateComparisonOperators(t *testing.T) {
	e := NewEvaluator()
	facts := map[string]any{"streak": 7}

	cases := []struct {
		operator string
		value    any
		want     bool
	}{
		{OpGreaterThan, 6, true},
		{OpGreaterThan, 7, false},
		{OpLessThan, 8, true},
		{OpLessThan, 7, false},
		{OpGreaterEqual, 7, true},
		{OpGreaterEqual, 8, false},
		{OpLessEqual, 7, true},
		{OpLessEqual, 6, false},
		{OpNotEquals, 6, true},
		{OpNotEquals, 7, false},
	}
	for _, tc := range cases {
		got := e.Evaluate([]Condition{{Field: "streak", Operator: tc.operator, Value: tc.value}}, facts)
		require.Equal(t, tc.want, got, "streak %s %v", tc.operator, tc.value)
	}
}

func TestEvaluateNonNumericComparisonFailsClosed(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{{Field: "name", Operator: OpGreaterThan, Value: 5}}
	require.False(t, e.Evaluate(conditions, map[string]any{"name": "alice"}))

	conditions = []Condition{{Field: "score", Operator: OpGreaterThan, Value: "not-a-number"}}
	require.False(t, e.Evaluate(conditions, map[string]any{"score": 90}))
}

func TestEvaluateContains(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{{Field: "tags", Operator: OpContains, Value: "advanced"}}
	require.True(t, e.Evaluate(conditions, map[string]any{"tags": "go,advanced,backend"}))
	require.False(t, e.Evaluate(conditions, map[string]any{"tags": "go,beginner"}))

	// contains is string-only on both sides
	require.False(t, e.Evaluate(conditions, map[string]any{"tags": 42}))
	conditions = []Condition{{Field: "tags", Operator: OpContains, Value: 7}}
	require.False(t, e.Evaluate(conditions, map[string]any{"tags": "777"}))
}

func TestEvaluateBooleanEquality(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{{Field: "firstCompletion", Operator: OpEquals, Value: true}}
	require.True(t, e.Evaluate(conditions, map[string]any{"firstCompletion": true}))
	require.False(t, e.Evaluate(conditions, map[string]any{"firstCompletion": false}))
}

func TestEvaluateUnknownOperatorFailsClosed(t *testing.T) {
	e := NewEvaluator()

	conditions := []Condition{{Field: "score", Operator: "regex", Value: ".*"}}
	require.False(t, e.Evaluate(conditions, map[string]any{"score": 90}))
}
