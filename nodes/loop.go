package nodes

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/flow/expr"
)

// ListForEach runs the body once per element of a list, exposing the element
// as item with a 1-based index. Map elements are merged into item; any other
// element is exposed as item.value.
//
//	listPath: reference such as "$.content.characters"
//	list:     reference string, {path: ...} object or a literal list
//
// A missing or non-list value runs the body zero times.
func ListForEach(ctx context.Context, store Store, st *State, params map[string]any, body BodyFunc) error {
	seq, ok := forEachSource(st, params).([]any)
	if !ok {
		st.Logger.Warn("for each: value is not a list, skipping")
		return nil
	}
	st.Logger.Info("for each", "length", len(seq))

	prev := st.Item
	defer func() { st.Item = prev }()

	for i, el := range seq {
		item := map[string]any{}
		if m, ok := el.(map[string]any); ok {
			for k, v := range m {
				item[k] = v
			}
		} else {
			item["value"] = el
		}
		item["index"] = i + 1
		st.Item = item
		if err := body(ctx); err != nil {
			return err
		}
	}
	return nil
}

func forEachSource(st *State, params map[string]any) any {
	if p, ok := params["listPath"].(string); ok && p != "" {
		return st.LookupSource(p)
	}
	switch raw := params["list"].(type) {
	case []any:
		return raw
	case map[string]any:
		for _, key := range []string{"path", "listPath"} {
			if p, ok := raw[key].(string); ok && p != "" {
				return st.LookupSource(p)
			}
		}
	case string:
		return st.LookupSource(raw)
	}
	return nil
}

// ListForEachRange runs the body once for each integer in
// [start, start+count), exposing it as item.index.
//
//	countPath: reference to the count, such as "$.content.stage_count"
//	count:     literal or {expr} count, used when countPath is absent
//	start:     first index, default 1
//
// A non-positive or unresolvable count runs the body zero times.
func ListForEachRange(ctx context.Context, store Store, st *State, params map[string]any, body BodyFunc) error {
	var raw any
	if p, ok := params["countPath"].(string); ok && p != "" {
		raw = st.LookupSource(p)
	} else {
		raw = st.Render(params["count"])
	}
	n, ok := expr.ToInt(raw)
	if !ok || n <= 0 {
		st.Logger.Info("for each range: nothing to do", "count", fmt.Sprint(raw))
		return nil
	}
	start, ok := expr.ToInt(params["start"])
	if !ok || start == 0 {
		start = 1
	}

	prev := st.Item
	defer func() { st.Item = prev }()

	for i := start; i < start+n; i++ {
		st.Item = map[string]any{"index": i}
		if err := body(ctx); err != nil {
			return err
		}
	}
	return nil
}
