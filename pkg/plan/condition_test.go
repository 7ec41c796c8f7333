package plan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func priorResults() map[string]any {
	return map[string]any{
		"fetch": map[string]any{
			"status": float64(200),
			"items":  []any{"a", "b", "c"},
			"meta":   map[string]any{"cached": true},
		},
	}
}

func TestEvaluateConditionEq(t *testing.T) {
	cond := &Condition{Field: "fetch.status", Operator: OpEq, Value: 200}
	require.True(t, EvaluateCondition(cond, priorResults()))

	cond.Value = 404
	require.False(t, EvaluateCondition(cond, priorResults()))
}

func TestEvaluateConditionNumericComparisons(t *testing.T) {
	results := priorResults()
	require.True(t, EvaluateCondition(&Condition{Field: "fetch.status", Operator: OpGte, Value: 200}, results))
	require.True(t, EvaluateCondition(&Condition{Field: "fetch.status", Operator: OpLt, Value: 300}, results))
	require.False(t, EvaluateCondition(&Condition{Field: "fetch.status", Operator: OpGt, Value: 200}, results))
}

func TestEvaluateConditionExists(t *testing.T) {
	results := priorResults()
	require.True(t, EvaluateCondition(&Condition{Field: "fetch.meta.cached", Operator: OpExists}, results))
	require.False(t, EvaluateCondition(&Condition{Field: "fetch.meta.missing", Operator: OpExists}, results))
	require.True(t, EvaluateCondition(&Condition{Field: "fetch.meta.missing", Operator: OpNotExists}, results))
}

func TestEvaluateConditionIn(t *testing.T) {
	results := priorResults()
	cond := &Condition{Field: "fetch.items.1", Operator: OpIn, Value: []any{"a", "b"}}
	require.True(t, EvaluateCondition(cond, results))

	cond.Operator = OpNotIn
	require.False(t, EvaluateCondition(cond, results))
}

func TestEvaluateConditionUnresolvedFieldFailsNonExistenceOperators(t *testing.T) {
	cond := &Condition{Field: "nosuch.value", Operator: OpEq, Value: 1}
	require.False(t, EvaluateCondition(cond, priorResults()))
}

func TestEvaluateConditionNilAlwaysTrue(t *testing.T) {
	require.True(t, EvaluateCondition(nil, priorResults()))
}
