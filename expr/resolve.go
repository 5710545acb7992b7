package expr

import (
	"strings"
	"sync"
)

// Variable roots understood by the resolver.
const (
	VarItem    = "item"
	VarCurrent = "current"
	VarScope   = "scope"
	VarContent = "$"
)

// Vars supplies the execution variables an expression is resolved against.
type Vars interface {
	Var(name string) (any, bool)
}

// Map is a Vars backed by a plain map.
type Map map[string]any

// Var implements Vars.
func (m Map) Var(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

type compiled struct {
	root string
	path Path
	ok   bool
}

// Resolver resolves expressions and renders parameter trees. Parsed
// expressions are cached, so a Resolver should be shared across runs.
type Resolver struct {
	cache sync.Map // string -> compiled
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) compile(expr string) compiled {
	if c, ok := r.cache.Load(expr); ok {
		return c.(compiled)
	}
	c := parseExpr(strings.TrimSpace(expr))
	r.cache.Store(expr, c)
	return c
}

func parseExpr(e string) compiled {
	switch {
	case e == "index":
		return compiled{root: VarItem, path: Key("index"), ok: true}
	case strings.HasPrefix(e, "$."):
		return compiled{root: VarContent, path: ParsePath(e[2:]), ok: true}
	}
	for _, root := range []string{VarItem, VarCurrent, VarScope} {
		if e == root {
			return compiled{root: root, ok: true}
		}
		if strings.HasPrefix(e, root+".") {
			return compiled{root: root, path: ParsePath(e[len(root)+1:]), ok: true}
		}
	}
	return compiled{}
}

// Resolve evaluates a single expression. Unknown roots and missing keys
// resolve to nil.
func (r *Resolver) Resolve(expr string, vars Vars) any {
	c := r.compile(expr)
	if !c.ok || vars == nil {
		return nil
	}
	base, ok := vars.Var(c.root)
	if !ok || base == nil {
		return nil
	}
	v, _ := Get(base, c.path)
	return v
}

// Lookup resolves a reference parameter. It accepts the bare roots (item,
// current, scope), their $-prefixed aliases ($item, $item.x), plain
// expressions (item.x, $.content.x) and {expr} templates. Anything else is
// returned as given.
func (r *Resolver) Lookup(ref any, vars Vars) any {
	s, ok := ref.(string)
	if !ok {
		return ref
	}
	p := strings.TrimSpace(s)
	if pureExpr.MatchString(p) {
		return r.Render(p, vars)
	}
	for _, root := range []string{VarItem, VarCurrent, VarScope} {
		alias := "$" + root
		switch {
		case p == root || p == alias:
			v, _ := vars.Var(root)
			return v
		case strings.HasPrefix(p, alias+"."):
			return r.Resolve(root+p[len(alias):], vars)
		case strings.HasPrefix(p, root+"."):
			return r.Resolve(p, vars)
		}
	}
	if strings.HasPrefix(p, "$.") {
		return r.Resolve(p, vars)
	}
	return ref
}
