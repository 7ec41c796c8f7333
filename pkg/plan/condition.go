package plan

import (
	"strconv"
	"strings"
)

// EvaluateCondition resolves cond.Field against the prior step results and
// applies the operator. Field addressing is "<stepId>.a.b.c": the first
// segment selects a prior step's result, the rest descend into it (numeric
// segments index arrays, others key maps). A field that cannot be resolved
// satisfies only exists/not_exists; every other operator evaluates false.
func EvaluateCondition(cond *Condition, priorResults map[string]any) bool {
	if cond == nil {
		return true
	}
	val, found := lookupField(cond.Field, priorResults)

	switch cond.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}
	if !found {
		return false
	}

	switch cond.Operator {
	case OpEq:
		return looseEqual(val, cond.Value)
	case OpNe:
		return !looseEqual(val, cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn, OpNotIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		member := false
		for _, item := range list {
			if looseEqual(val, item) {
				member = true
				break
			}
		}
		if cond.Operator == OpIn {
			return member
		}
		return !member
	}
	return false
}

func lookupField(field string, priorResults map[string]any) (any, bool) {
	if field == "" {
		return nil, false
	}
	segs := strings.Split(field, ".")
	cur, ok := priorResults[segs[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range segs[1:] {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, isArr := cur.([]any)
			if !isArr || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares scalars with numeric widening, since JSON decoding
// hands back float64 for every number while condition values written in Go
// may be ints.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
