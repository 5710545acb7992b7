package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NameListKey is the reserved object key that converts a resolved sequence
// into a de-duplicated list of display names.
const NameListKey = "$toNameList"

var (
	templateExpr = regexp.MustCompile(`\{([^{}]+)\}`)
	pureExpr     = regexp.MustCompile(`^\{([^{}]+)\}$`)
)

// nameKeys are tried in order when converting an object into a display name.
var nameKeys = []string{"name", "title", "label", "content"}

// Render resolves every expression in val. Maps and slices are rendered
// recursively; strings are rendered in pure or template mode; other values
// are returned unchanged.
func (r *Resolver) Render(val any, vars Vars) any {
	switch v := val.(type) {
	case map[string]any:
		if src, ok := v[NameListKey].(string); ok {
			return ToNameList(r.Resolve(src, vars))
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Render(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Render(item, vars)
		}
		return out
	case string:
		return r.renderString(v, vars)
	}
	return val
}

// RenderString renders val and always returns its string form.
func (r *Resolver) RenderString(val string, vars Vars) string {
	return Stringify(r.renderString(val, vars))
}

func (r *Resolver) renderString(s string, vars Vars) any {
	if m := pureExpr.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return r.Resolve(m[1], vars)
	}
	if !strings.Contains(s, "{") {
		return s
	}
	return templateExpr.ReplaceAllStringFunc(s, func(match string) string {
		return Stringify(r.Resolve(match[1:len(match)-1], vars))
	})
}

// Stringify converts a resolved value into its template string form.
// nil renders as the empty string; maps and slices render as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// ToNameList converts each element of seq into a display name, dropping
// elements that cannot be converted and duplicates after their first
// occurrence. Non-sequences yield an empty list.
func ToNameList(seq any) []any {
	items, ok := seq.([]any)
	if !ok {
		return []any{}
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	for _, it := range items {
		name := displayName(it)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func displayName(x any) string {
	switch v := x.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case bool:
		return ""
	case map[string]any:
		for _, key := range nameKeys {
			switch cand := v[key].(type) {
			case string:
				if s := strings.TrimSpace(cand); s != "" {
					return s
				}
			case map[string]any:
				for _, nested := range []string{"name", "title"} {
					if s, ok := cand[nested].(string); ok && strings.TrimSpace(s) != "" {
						return strings.TrimSpace(s)
					}
				}
			}
		}
		return ""
	case []any:
		return ""
	case Fielder:
		for _, key := range nameKeys[:3] {
			if s, ok := v.Field(key); ok {
				if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
					return strings.TrimSpace(str)
				}
			}
		}
		return ""
	}
	return strings.TrimSpace(Stringify(x))
}
