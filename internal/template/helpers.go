package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultHelpers returns the helper table the engine exposes to templates.
// The set is fixed by the config schema; the evaluator itself is agnostic.
func DefaultHelpers() Helpers {
	return Helpers{
		"json_path": helperJSONPath,
		"join":      helperJoin,
		"match":     helperMatch,
		"epoch":     helperEpoch,
		"encode":    helperEncode,
		"repeat":    helperRepeat,
		"random":    helperRandom,
		"entries":   helperEntries,
	}
}

// helperJSONPath evaluates a gjson path against a value, e.g.
// json_path(response.body, "items.#.id").
func helperJSONPath(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("json_path takes (value, path)")
	}
	path, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("json_path: path must be a string")
	}
	var raw []byte
	if s, ok := args[0].(string); ok {
		raw = []byte(s)
	} else {
		var err error
		raw, err = json.Marshal(args[0])
		if err != nil {
			return nil, fmt.Errorf("json_path: %w", err)
		}
	}
	result := gjson.GetBytes(raw, strings.TrimPrefix(path, "$."))
	if !result.Exists() {
		return nil, fmt.Errorf("json_path %q %w", path, ErrMissing)
	}
	return gjsonValue(result), nil
}

func gjsonValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		if f := r.Float(); f == float64(int64(f)) {
			return int64(f)
		}
		return r.Float()
	case gjson.String:
		return r.String()
	default:
		if r.IsArray() {
			items := r.Array()
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = gjsonValue(item)
			}
			return out
		}
		out := map[string]any{}
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = gjsonValue(v)
			return true
		})
		return out
	}
}

func helperJoin(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join takes (array, separator)")
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join: separator must be a string")
	}
	arr, ok := args[0].([]any)
	if !ok {
		return Stringify(args[0]), nil
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = Stringify(v)
	}
	return strings.Join(parts, sep), nil
}

func helperMatch(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("match takes (string, pattern)")
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("match: pattern must be a string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	subject := Stringify(args[0])
	groups := re.FindStringSubmatch(subject)
	if groups == nil {
		return nil, nil
	}
	out := map[string]any{"0": groups[0]}
	for i, name := range re.SubexpNames() {
		if i == 0 {
			continue
		}
		key := name
		if key == "" {
			key = fmt.Sprint(i)
		}
		out[key] = groups[i]
	}
	return out, nil
}

func helperEpoch(args []any) (any, error) {
	unit := "s"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			unit = s
		}
	}
	now := time.Now()
	switch unit {
	case "s":
		return now.Unix(), nil
	case "ms":
		return now.UnixMilli(), nil
	case "mu", "us":
		return now.UnixMicro(), nil
	case "ns":
		return now.UnixNano(), nil
	default:
		return nil, fmt.Errorf("epoch: unknown unit %q", unit)
	}
}

func helperEncode(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("encode takes (value, encoding)")
	}
	encoding, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("encode: encoding must be a string")
	}
	subject := Stringify(args[0])
	switch encoding {
	case "percent", "percent-path":
		return url.PathEscape(subject), nil
	case "percent-query", "percent-userinfo":
		return url.QueryEscape(subject), nil
	case "base64":
		return base64.StdEncoding.EncodeToString([]byte(subject)), nil
	default:
		return nil, fmt.Errorf("encode: unknown encoding %q", encoding)
	}
}

// helperRepeat builds an n-element array of nulls, handy as a for_each
// source when a clause should run a fixed number of times.
func helperRepeat(args []any) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("repeat takes (n) or (min, max)")
	}
	lo, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("repeat: count must be a number")
	}
	n := int(lo)
	if len(args) == 2 {
		hi, ok := toFloat(args[1])
		if !ok {
			return nil, fmt.Errorf("repeat: max must be a number")
		}
		if int(hi) < n {
			return nil, fmt.Errorf("repeat: max below min")
		}
		n += rand.Intn(int(hi) - n + 1)
	}
	return make([]any, n), nil
}

func helperRandom(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("random takes (min, max)")
	}
	lo, lok := toFloat(args[0])
	hi, rok := toFloat(args[1])
	if !lok || !rok || hi < lo {
		return nil, fmt.Errorf("random: invalid bounds")
	}
	_, loInt := args[0].(int64)
	_, hiInt := args[1].(int64)
	if loInt && hiInt {
		return int64(lo) + rand.Int63n(int64(hi-lo)+1), nil
	}
	return lo + rand.Float64()*(hi-lo), nil
}

// helperEntries turns an object into a [key, value] pair array in sorted key
// order (arrays pass through), for use with for_each.
func helperEntries(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("entries takes (value)")
	}
	switch val := args[0].(type) {
	case map[string]any:
		out := make([]any, 0, len(val))
		for _, k := range sortedKeys(val) {
			out = append(out, []any{k, val[k]})
		}
		return out, nil
	case []any:
		return val, nil
	default:
		return nil, fmt.Errorf("entries: value must be an object or array")
	}
}
