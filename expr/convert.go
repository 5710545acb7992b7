package expr

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToInt converts JSON and YAML numeric representations, and numeric strings,
// into an int.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// ToString converts scalar identifiers (strings and numbers) into a string.
// It returns "" for anything else.
func ToString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case int, int32, int64, uint64, float64, float32, json.Number:
		return Stringify(t)
	}
	return ""
}
