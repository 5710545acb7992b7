package graph

import "github.com/meikuraledutech/flow"

// Successors holds the outgoing edges of a node, split by kind.
type Successors struct {
	Body []string
	Next []string
}

// Graph is the execution view of an edge-based definition.
type Graph struct {
	Nodes map[string]flow.Node
	// Order lists node ids in declaration order.
	Order []string
	// Deps maps a target id to the source ids of its incoming edges.
	Deps map[string][]string
	Succ map[string]Successors
	// Start lists nodes without incoming edges, in declaration order.
	Start []string
	// Fallback is set when no node lacked incoming edges and Start holds
	// the first declared node instead.
	Fallback bool
}

// Build computes the dependency map, successor map and start set of def.
// Edges with the body source handle are body edges; all others are next edges.
func Build(def flow.Definition) *Graph {
	g := &Graph{
		Nodes: make(map[string]flow.Node, len(def.Nodes)),
		Order: make([]string, 0, len(def.Nodes)),
		Deps:  make(map[string][]string),
		Succ:  make(map[string]Successors),
	}
	for _, n := range def.Nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			continue
		}
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
	}

	for _, e := range def.Edges {
		g.Deps[e.Target] = append(g.Deps[e.Target], e.Source)
		s := g.Succ[e.Source]
		if e.IsBody() {
			s.Body = append(s.Body, e.Target)
		} else {
			s.Next = append(s.Next, e.Target)
		}
		g.Succ[e.Source] = s
	}

	for _, id := range g.Order {
		if _, has := g.Deps[id]; !has {
			g.Start = append(g.Start, id)
		}
	}
	if len(g.Start) == 0 && len(g.Order) > 0 {
		g.Start = []string{g.Order[0]}
		g.Fallback = true
	}
	return g
}

// Body returns the existing body nodes of id in declaration order.
func (g *Graph) Body(id string) []flow.Node {
	ids := g.Succ[id].Body
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]flow.Node, 0, len(ids))
	for _, oid := range g.Order {
		for _, bid := range ids {
			if bid == oid && !seen[bid] {
				seen[bid] = true
				out = append(out, g.Nodes[oid])
			}
		}
	}
	return out
}

// Ready reports whether every dependency of id is in executed.
func (g *Graph) Ready(id string, executed map[string]bool) bool {
	for _, dep := range g.Deps[id] {
		if !executed[dep] {
			return false
		}
	}
	return true
}
