package dagexec

import (
	"strconv"
	"strings"
)

const refPrefix = "$ref:step:"

// resolveParams walks params recursively, replacing any string of the shape
// $ref:step:<id> or $ref:step:<id>.a.b.c with the referenced prior step's
// result (or a path into it). Numeric path segments index into arrays,
// non-numeric segments key into maps; no type coercion is attempted. An
// unresolvable reference (unknown id, missing path, not-yet-run) is left
// unchanged with a warning; it never fails the step.
func resolveParams(params map[string]any, priorResults map[string]any, onUnresolved func(ref string)) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, priorResults, onUnresolved)
	}
	return out
}

func resolveValue(v any, priorResults map[string]any, onUnresolved func(string)) any {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, refPrefix) {
			return val
		}
		resolved, ok := resolveRef(val, priorResults)
		if !ok {
			if onUnresolved != nil {
				onUnresolved(val)
			}
			return val
		}
		return resolved
	case map[string]any:
		return resolveParams(val, priorResults, onUnresolved)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = resolveValue(e, priorResults, onUnresolved)
		}
		return out
	default:
		return v
	}
}

// resolveRef parses $ref:step:<id>.a.b.c and descends into priorResults.
func resolveRef(ref string, priorResults map[string]any) (any, bool) {
	rest := ref[len(refPrefix):]
	if rest == "" {
		return nil, false
	}

	var stepID, pathStr string
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		stepID, pathStr = rest[:idx], rest[idx+1:]
	} else {
		stepID = rest
	}

	cur, ok := priorResults[stepID]
	if !ok {
		return nil, false
	}
	if pathStr == "" {
		return cur, true
	}

	for _, seg := range strings.Split(pathStr, ".") {
		if seg == "" {
			return nil, false
		}
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
