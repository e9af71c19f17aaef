package mcp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Argument helpers for tool implementations. Numbers may arrive as float64,
// json.Number or int depending on how the request was decoded.

func Str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Int returns v as an int and whether it held a number.
func Int(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(math.Round(x)), true
	case int:
		return x, true
	case int64:
		return int(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i), true
		}
		if f, err := x.Float64(); err == nil {
			return int(math.Round(f)), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// IntOr returns v as an int clamped to [lo, hi], or def when v is not a number.
func IntOr(v any, def, lo, hi int) int {
	i, ok := Int(v)
	if !ok {
		i = def
	}
	return clampInt(i, lo, hi)
}

func StrSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
