package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// Namespaces exposed to every expression. The maps are never mutated after init.
var (
	mathNS = map[string]any{
		"abs":    unary(math.Abs),
		"ceil":   unary(math.Ceil),
		"floor":  unary(math.Floor),
		"round":  unary(func(x float64) float64 { return math.Floor(x + 0.5) }),
		"sqrt":   unary(math.Sqrt),
		"trunc":  unary(math.Trunc),
		"pow":    func(args ...any) any { return math.Pow(floatArg(args, 0), floatArg(args, 1)) },
		"max":    func(args ...any) any { return fold(args, math.Inf(-1), math.Max) },
		"min":    func(args ...any) any { return fold(args, math.Inf(1), math.Min) },
		"random": func(args ...any) any { return rand.Float64() },
		"PI":     math.Pi,
		"E":      math.E,
	}

	dateNS = map[string]any{
		"now": func(args ...any) any { return time.Now().UnixMilli() },
		"parse": func(args ...any) any {
			s, _ := argAt(args, 0).(string)
			return parseDate(s)
		},
		"iso": func(args ...any) any {
			t := time.Now()
			if len(args) > 0 {
				t = time.UnixMilli(int64(floatArg(args, 0)))
			}
			return t.UTC().Format("2006-01-02T15:04:05.000Z")
		},
	}

	jsonNS = map[string]any{
		"stringify": func(args ...any) any {
			b, err := json.Marshal(argAt(args, 0))
			if err != nil {
				panic(fmt.Sprintf("JSON.stringify: %s", err))
			}
			return string(b)
		},
		"parse": func(args ...any) any {
			s, _ := argAt(args, 0).(string)
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				panic(fmt.Sprintf("JSON.parse: %s", err))
			}
			return v
		},
	}

	builtins = map[string]any{
		"Math": mathNS,
		"Date": dateNS,
		"JSON": jsonNS,
	}

	functionNames = []string{"String", "Number", "Boolean", "Array", "Object", "isEmpty", "hasField"}
)

func builtinEnv() map[string]any {
	return builtins
}

func isBuiltinName(name string) bool {
	if _, ok := builtins[name]; ok {
		return true
	}
	for _, fn := range functionNames {
		if fn == name {
			return true
		}
	}
	return false
}

// builtinFunctions returns the top-level helper functions as expr options.
func builtinFunctions() []expr.Option {
	return []expr.Option{
		expr.Function("String", func(params ...any) (any, error) {
			return Stringify(argAt(params, 0)), nil
		}),
		expr.Function("Number", func(params ...any) (any, error) {
			f, ok := toFloat(argAt(params, 0))
			if !ok {
				return math.NaN(), nil
			}
			return f, nil
		}),
		expr.Function("Boolean", func(params ...any) (any, error) {
			return Truthy(argAt(params, 0)), nil
		}),
		expr.Function("Array", func(params ...any) (any, error) {
			return append([]any{}, params...), nil
		}),
		expr.Function("Object", func(params ...any) (any, error) {
			if m, ok := argAt(params, 0).(map[string]any); ok {
				return DeepCopy(m), nil
			}
			return map[string]any{}, nil
		}),
		expr.Function("isEmpty", func(params ...any) (any, error) {
			return isEmpty(argAt(params, 0)), nil
		}),
		expr.Function("hasField", func(params ...any) (any, error) {
			m, ok := argAt(params, 0).(map[string]any)
			if !ok {
				return false, nil
			}
			name, _ := argAt(params, 1).(string)
			_, found := m[name]
			return found, nil
		}),
	}
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func floatArg(args []any, i int) float64 {
	f, ok := toFloat(argAt(args, i))
	if !ok {
		return math.NaN()
	}
	return f
}

func unary(fn func(float64) float64) func(args ...any) any {
	return func(args ...any) any { return fn(floatArg(args, 0)) }
}

func fold(args []any, start float64, fn func(a, b float64) float64) float64 {
	acc := start
	for i := range args {
		acc = fn(acc, floatArg(args, i))
	}
	return acc
}

func parseDate(s string) any {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return math.NaN()
}

// toFloat converts numeric values and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case nil:
		return 0, true
	}
	return 0, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() == 0
	}
	return false
}
