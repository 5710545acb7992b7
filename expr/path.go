// Package expr implements the small expression and template language embedded
// in workflow node parameters.
//
// Expressions are dotted paths rooted at one of the execution variables:
//
//	index          current 1-based loop position
//	item[.path]    current loop element
//	current[.path] most recently read or produced entity
//	scope.path     trigger-provided context
//	$.path         active entity content ($.content.x)
//
// A string that is exactly one {expr} renders to the native resolved value.
// Any other string has each {expr} occurrence replaced by its string form.
package expr

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Fielder is implemented by values that expose named attributes to paths.
type Fielder interface {
	Field(name string) (any, bool)
}

// Path is a parsed JSONPath expression without its leading root.
type Path jp.Expr

// ParsePath parses a dotted path such as "content.items[0].name". Empty
// segments are dropped. Text that is not valid JSONPath is split on dots and
// each piece is used as a literal key.
func ParsePath(s string) Path {
	var segs []string
	for _, part := range strings.Split(s, ".") {
		if part = strings.TrimSpace(part); part != "" {
			segs = append(segs, part)
		}
	}
	if len(segs) == 0 {
		return nil
	}
	x, err := jp.ParseString("$." + strings.Join(segs, "."))
	if err != nil {
		p := make(Path, 0, len(segs))
		for _, seg := range segs {
			p = append(p, jp.Child(seg))
		}
		return p
	}
	p := make(Path, 0, len(x))
	for _, f := range x {
		if _, root := f.(jp.Root); root {
			continue
		}
		p = append(p, f)
	}
	return p
}

// Key builds a single-key path.
func Key(name string) Path {
	return Path{jp.Child(name)}
}

// String renders the path in dotted form.
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	s := append(jp.R(), p...).String()
	return strings.TrimPrefix(strings.TrimPrefix(s, "$"), ".")
}

// Get walks root along p. Fielder values answer child keys themselves; all
// other data is evaluated with jsonpath. A numeric key addresses a list
// element. Wildcards, filters and slices return every match as a list. A
// missing segment yields (nil, false).
func Get(root any, p Path) (any, bool) {
	cur := root
	for i, f := range p {
		if fl, ok := cur.(Fielder); ok {
			k, isChild := f.(jp.Child)
			if !isChild {
				return nil, false
			}
			next, ok := fl.Field(string(k))
			if !ok {
				return nil, false
			}
			cur = next
			continue
		}
		switch f.(type) {
		case jp.Child, jp.Nth:
		default:
			return jp.Expr(p[i:]).Get(cur), true
		}
		res := jp.Expr{listFrag(cur, f)}.Get(cur)
		if len(res) == 0 {
			return nil, false
		}
		cur = res[0]
	}
	return cur, true
}

// Set returns a copy of root with value stored at p. Maps and lists along the
// path are copied and any scalar intermediate is replaced by an empty map.
// root itself is never modified. Paths that are not plain keys or indexes, or
// that index past the end of a list, leave the copy unchanged.
func Set(root map[string]any, p Path, value any) map[string]any {
	out := maps.Clone(root)
	if out == nil {
		out = make(map[string]any, 1)
	}
	if len(p) == 0 {
		return out
	}
	x := make(jp.Expr, 0, len(p))
	var parent any = out
	for _, f := range p[:len(p)-1] {
		f = listFrag(parent, f)
		x = append(x, f)
		if parent = cloneChild(parent, f); parent == nil {
			return out
		}
	}
	x = append(x, listFrag(parent, p[len(p)-1]))
	_ = x.SetOne(out, value)
	return out
}

// listFrag turns a numeric key into an index when it addresses a list.
func listFrag(container any, f jp.Frag) jp.Frag {
	k, ok := f.(jp.Child)
	if !ok {
		return f
	}
	if _, isList := container.([]any); !isList {
		return f
	}
	if i, err := strconv.Atoi(string(k)); err == nil {
		return jp.Nth(i)
	}
	return f
}

// cloneChild replaces the child of parent addressed by f with a copy and
// returns it. Missing and scalar children become empty maps.
func cloneChild(parent any, f jp.Frag) any {
	copyOf := func(v any) any {
		switch c := v.(type) {
		case map[string]any:
			return maps.Clone(c)
		case []any:
			return slices.Clone(c)
		}
		return map[string]any{}
	}
	switch c := parent.(type) {
	case map[string]any:
		k, ok := f.(jp.Child)
		if !ok {
			return nil
		}
		next := copyOf(c[string(k)])
		c[string(k)] = next
		return next
	case []any:
		n, ok := f.(jp.Nth)
		if !ok {
			return nil
		}
		i := int(n)
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil
		}
		next := copyOf(c[i])
		c[i] = next
		return next
	}
	return nil
}
