// Package expr evaluates the condition language used by branch nodes.
// Expressions are plain comparisons over run variables, never code, so a
// definition can not reach the host process.
//
// Supported forms:
//
//	status == "ok"
//	payload.user.age >= 18 and payload.user.role != "guest"
//	not retries > 2
//	message contains "timeout"
//	payload.active
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

type binaryOp func(left, right any) bool

// comparators in match order, longer operators first so ">=" wins over ">".
var comparators = []struct {
	token   string
	compare binaryOp
}{
	{"==", func(l, r any) bool { return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) }},
	{"!=", func(l, r any) bool { return fmt.Sprintf("%v", l) != fmt.Sprintf("%v", r) }},
	{">=", func(l, r any) bool { return toFloat64(l) >= toFloat64(r) }},
	{"<=", func(l, r any) bool { return toFloat64(l) <= toFloat64(r) }},
	{">", func(l, r any) bool { return toFloat64(l) > toFloat64(r) }},
	{"<", func(l, r any) bool { return toFloat64(l) < toFloat64(r) }},
	{" contains ", func(l, r any) bool {
		return strings.Contains(fmt.Sprintf("%v", l), fmt.Sprintf("%v", r))
	}},
}

// Evaluate evaluates a boolean expression against the run variables.
// An empty expression is false.
func Evaluate(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}

	if inner, ok := strings.CutPrefix(expression, "not "); ok {
		result, err := Evaluate(inner, vars)
		if err != nil {
			return false, err
		}
		return !result, nil
	}
	if inner, ok := strings.CutPrefix(expression, "!"); ok {
		result, err := Evaluate(inner, vars)
		if err != nil {
			return false, err
		}
		return !result, nil
	}

	if parts := strings.SplitN(expression, " and ", 2); len(parts) == 2 {
		left, err := Evaluate(parts[0], vars)
		if err != nil {
			return false, err
		}
		right, err := Evaluate(parts[1], vars)
		if err != nil {
			return false, err
		}
		return left && right, nil
	}

	if parts := strings.SplitN(expression, " or ", 2); len(parts) == 2 {
		left, err := Evaluate(parts[0], vars)
		if err != nil {
			return false, err
		}
		right, err := Evaluate(parts[1], vars)
		if err != nil {
			return false, err
		}
		return left || right, nil
	}

	for _, op := range comparators {
		if parts := strings.SplitN(expression, op.token, 2); len(parts) == 2 {
			left := Resolve(parts[0], vars)
			right := Resolve(parts[1], vars)
			return op.compare(left, right), nil
		}
	}

	return IsTruthy(Resolve(expression, vars)), nil
}

// Resolve turns one operand into a value: quoted strings, booleans, null,
// numbers, then a variable lookup with dotted path traversal. An unquoted
// identifier that resolves to nothing is kept as a string literal.
func Resolve(s string, vars map[string]any) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}

	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if val, ok := lookup(s, vars); ok {
		return val
	}

	return s
}

// Lookup resolves a dotted path against vars. Unlike Resolve it reports
// misses instead of falling back to the literal string, which template
// interpolation needs to leave unknown placeholders intact.
func Lookup(path string, vars map[string]any) (any, bool) {
	return lookup(path, vars)
}

// lookup walks a dotted path through nested maps. A whole-path match in
// vars wins over traversal, so keys that themselves contain dots still
// resolve.
func lookup(path string, vars map[string]any) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if val, ok := vars[path]; ok {
		return val, true
	}

	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return nil, false
	}

	var current any = vars
	for _, segment := range segments {
		switch m := current.(type) {
		case map[string]any:
			val, ok := m[segment]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := m[segment]
			if !ok {
				return nil, false
			}
			current = val
		default:
			return nil, false
		}
	}
	return current, true
}

// IsTruthy reports whether a value counts as true: nil, false, empty
// strings and zero numbers are false, everything else is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case int32:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	default:
		return true
	}
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}
