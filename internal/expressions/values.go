package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Truthy reports whether v counts as true when selecting a branch.
// Strings are false when empty or one of "false", "0", "null", "undefined",
// "nan" (case-insensitive). Numbers are false at zero or NaN. Containers are
// always true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "null", "undefined", "nan":
			return false
		}
		return true
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0 && !math.IsNaN(f)
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// Stringify renders a value for inline text. Strings are emitted as-is, nil as
// the empty string, and containers as compact JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// DeepCopy recursively copies maps and slices. Other values are returned as-is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = DeepCopy(item)
		}
		return cp
	case []any:
		if val == nil {
			return []any(nil)
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy for maps.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DeepCopy(m).(map[string]any)
}

// JSONSafe replaces NaN and ±Inf, which JSON cannot encode, with nil.
// Maps and slices are copied only when they contain such a value.
func JSONSafe(v any) any {
	if !hasNonFinite(v) {
		return v
	}
	switch val := v.(type) {
	case float64, float32:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = JSONSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = JSONSafe(item)
		}
		return out
	case []float64:
		out := make([]any, len(val))
		for i, f := range val {
			out[i] = JSONSafe(f)
		}
		return out
	}
	return v
}

func hasNonFinite(v any) bool {
	switch val := v.(type) {
	case float64:
		return math.IsNaN(val) || math.IsInf(val, 0)
	case float32:
		f := float64(val)
		return math.IsNaN(f) || math.IsInf(f, 0)
	case map[string]any:
		for _, item := range val {
			if hasNonFinite(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if hasNonFinite(item) {
				return true
			}
		}
	case []float64:
		for _, f := range val {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	}
	return false
}
