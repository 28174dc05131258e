package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"opsflow/internal/models"
)

// evalScope is the layered lookup context condition paths resolve against.
// Paths may be plain ("payload.status") or prefixed: $trigger., $payload.,
// $context. (shared map), $node.<nodeId>., $loop. (current iteration).
type evalScope struct {
	payload models.JSONB
	trigger models.JSONB
	shared  map[string]any
	outputs map[string]any
	loop    map[string]any
}

// resolvePath walks a dot-path within the scope. Unknown prefixes fall back
// to a union scan across shared, node outputs and payload.
func (s *evalScope) resolvePath(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	if strings.HasPrefix(path, "$") {
		prefix, rest, _ := strings.Cut(path[1:], ".")
		switch strings.ToLower(prefix) {
		case "payload":
			return lookupPath(s.payload, rest)
		case "trigger":
			return lookupPath(s.trigger, rest)
		case "context":
			return lookupPath(s.shared, rest)
		case "loop":
			return lookupPath(s.loop, rest)
		case "node":
			nodeID, tail, _ := strings.Cut(rest, ".")
			out, ok := s.outputs[nodeID]
			if !ok {
				return nil, false
			}
			if tail == "" {
				return out, true
			}
			return lookupPath(out, tail)
		}
		// Unknown prefix: union scan without the sigil.
		path = strings.TrimPrefix(path, "$")
	}

	if strings.HasPrefix(path, "payload.") {
		return lookupPath(s.payload, strings.TrimPrefix(path, "payload."))
	}
	if strings.HasPrefix(path, "trigger.") {
		return lookupPath(s.trigger, strings.TrimPrefix(path, "trigger."))
	}

	for _, root := range []any{s.shared, s.outputs, s.payload} {
		if v, ok := lookupPath(root, path); ok {
			return v, true
		}
	}
	return nil, false
}

// lookupPath digs a dot-separated path out of nested maps and slices. Slice
// segments accept numeric indexes.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case models.JSONB:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// EvaluateConditionSet applies every condition under the set's logical
// operator (default AND). An empty set matches.
func (s *evalScope) EvaluateConditionSet(cs models.ConditionSet) (bool, error) {
	if len(cs.Conditions) == 0 {
		return true, nil
	}
	or := cs.IsOr()
	for _, cond := range cs.Conditions {
		matched, err := s.EvaluateCondition(cond)
		if err != nil {
			return false, err
		}
		if or && matched {
			return true, nil
		}
		if !or && !matched {
			return false, nil
		}
	}
	return !or, nil
}

// EvaluateCondition evaluates a single condition against the scope. Negate
// flips the final boolean.
func (s *evalScope) EvaluateCondition(cond models.Condition) (bool, error) {
	value, present := s.resolvePath(cond.Lookup())

	matched, err := applyOperator(cond, value, present)
	if err != nil {
		return false, err
	}
	if cond.Negate {
		matched = !matched
	}
	return matched, nil
}

func applyOperator(cond models.Condition, value any, present bool) (bool, error) {
	switch cond.Operator {
	case models.OpIsEmpty:
		return isEmpty(value) || !present, nil
	case models.OpIsNotEmpty:
		return present && !isEmpty(value), nil
	case models.OpEquals:
		return looseEquals(value, cond.Value), nil
	case models.OpNotEquals:
		return !looseEquals(value, cond.Value), nil
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		return compareOrdered(cond.Operator, value, cond.Value)
	case models.OpBetween:
		lo, err := compareOrdered(models.OpGte, value, cond.Value)
		if err != nil {
			return false, err
		}
		hi, err := compareOrdered(models.OpLte, value, cond.ValueTo)
		if err != nil {
			return false, err
		}
		return lo && hi, nil
	case models.OpContains:
		return contains(value, cond.Value)
	case models.OpNotContains:
		ok, err := contains(value, cond.Value)
		return !ok, err
	case models.OpStartsWith:
		a, b, ok := bothStrings(value, cond.Value)
		return ok && strings.HasPrefix(a, b), nil
	case models.OpEndsWith:
		a, b, ok := bothStrings(value, cond.Value)
		return ok && strings.HasSuffix(a, b), nil
	case models.OpIn:
		return valueIn(value, cond.Values), nil
	case models.OpNotIn:
		return !valueIn(value, cond.Values), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
}

// asNumber coerces numeric values and numeric strings to float64.
func asNumber(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func bothStrings(a, b any) (string, string, bool) {
	as, aok := a.(string)
	bs, bok := b.(string)
	return as, bs, aok && bok
}

// looseEquals compares case-insensitively for strings and numerically when
// both sides coerce to numbers.
func looseEquals(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	if as, bs, ok := bothStrings(a, b); ok {
		return strings.EqualFold(as, bs)
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered handles gt/gte/lt/lte. Numbers (including numeric strings)
// compare numerically; string comparison requires both operands to be
// strings.
func compareOrdered(op models.Operator, a, b any) (bool, error) {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			switch op {
			case models.OpGt:
				return an > bn, nil
			case models.OpGte:
				return an >= bn, nil
			case models.OpLt:
				return an < bn, nil
			case models.OpLte:
				return an <= bn, nil
			}
		}
	}
	as, bs, ok := bothStrings(a, b)
	if !ok {
		return false, nil
	}
	switch op {
	case models.OpGt:
		return as > bs, nil
	case models.OpGte:
		return as >= bs, nil
	case models.OpLt:
		return as < bs, nil
	case models.OpLte:
		return as <= bs, nil
	}
	return false, fmt.Errorf("unsupported ordered operator %q", op)
}

// contains checks substring membership on strings and element equality on
// arrays.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(strings.ToLower(h), strings.ToLower(n)), nil
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func valueIn(value any, values []any) bool {
	for _, candidate := range values {
		if looseEquals(value, candidate) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case models.JSONB:
		return len(t) == 0
	}
	return false
}
