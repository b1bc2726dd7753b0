package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrMissing wraps references to names absent from the environment; the
// executor treats it as a per-iteration template error, not a test failure.
var ErrMissing = errors.New("not in scope")

// Helper is a function exposed to expressions by name.
type Helper func(args []any) (any, error)

// Helpers is the fixed function table handed to the evaluator.
type Helpers map[string]Helper

// Env is the read-only value environment one evaluation runs against.
// Path roots resolve from Values first; a miss falls through to Take when
// set (declare resolution uses this to draw fresh provider values).
type Env struct {
	Values  map[string]any
	Helpers Helpers
	Take    func(name string) (any, error)
}

func (env Env) lookup(root string) (any, error) {
	if v, ok := env.Values[root]; ok {
		return v, nil
	}
	if env.Take != nil {
		return env.Take(root)
	}
	return nil, fmt.Errorf("%q %w", root, ErrMissing)
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env Env) (any, error) {
	switch e.kind {
	case exprLiteral:
		return e.lit, nil
	case exprPath:
		v, err := env.lookup(e.root)
		if err != nil {
			return nil, err
		}
		return walkPath(v, e.root, e.path)
	case exprCall:
		helper, ok := env.Helpers[e.fn]
		if !ok {
			return nil, fmt.Errorf("unknown helper %q", e.fn)
		}
		args := make([]any, len(e.args))
		for i, a := range e.args {
			v, err := a.Eval(env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return helper(args)
	case exprBinary:
		return e.evalBinary(env)
	default:
		return nil, fmt.Errorf("unknown expression kind")
	}
}

func walkPath(v any, root string, path []step) (any, error) {
	for _, s := range path {
		if s.isIdx {
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%s: index into non-array", root)
			}
			if s.index < 0 || s.index >= len(arr) {
				return nil, fmt.Errorf("%s[%d]: index out of range", root, s.index)
			}
			v = arr[s.index]
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s.%s: field access on non-object", root, s.field)
		}
		field, ok := obj[s.field]
		if !ok {
			return nil, fmt.Errorf("%s.%s %w", root, s.field, ErrMissing)
		}
		v = field
	}
	return v, nil
}

func (e *Expr) evalBinary(env Env) (any, error) {
	switch e.op {
	case "&&":
		left, err := e.left.Eval(env)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.right.Eval(env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		left, err := e.left.Eval(env)
		if err == nil && Truthy(left) {
			return true, nil
		}
		right, rerr := e.right.Eval(env)
		if rerr != nil {
			return nil, rerr
		}
		return Truthy(right), nil
	}

	left, err := e.left.Eval(env)
	if err != nil {
		return nil, err
	}
	right, err := e.right.Eval(env)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch e.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok2 := right.(string)
	if lok && rok2 {
		switch e.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %T %s %T", left, e.op, right)
}

// Truthy implements where-clause truthiness: false, nil, zero numbers,
// empty strings and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !valuesEqual(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Render evaluates the template into its final string. Object and array
// values marshal as canonical JSON (map keys sorted), so the same value
// renders byte-identically every iteration.
func (t *Template) Render(env Env) (string, error) {
	var sb strings.Builder
	for _, n := range t.nodes {
		if n.expr == nil {
			sb.WriteString(n.literal)
			continue
		}
		v, err := n.expr.Eval(env)
		if err != nil {
			return "", err
		}
		sb.WriteString(Stringify(v))
	}
	return sb.String(), nil
}

// Stringify renders a value the way it interpolates into a template:
// strings bare, scalars in their JSON form, composites as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// sortedKeys is used by helpers that need deterministic object iteration.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
