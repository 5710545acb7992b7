// Package graph turns workflow definitions into executable graphs and runs them.
package graph

import "github.com/meikuraledutech/flow"

// Canonicalize rewrites a legacy node list so that every loop node without a
// body takes its next sibling as its body. The sibling is removed from the
// sequence. Bodies are canonicalized recursively. The input is not modified
// and re-applying Canonicalize to its output returns an equal list.
func Canonicalize(nodes []flow.Node, isLoop func(nodeType string) bool) []flow.Node {
	if nodes == nil {
		return nil
	}
	out := make([]flow.Node, 0, len(nodes))
	for i := 0; i < len(nodes); i++ {
		n := nodes[i]
		if isLoop(n.Type) && len(n.Body) == 0 && i+1 < len(nodes) {
			n.Body = []flow.Node{nodes[i+1]}
			i++
		}
		if len(n.Body) > 0 {
			n.Body = Canonicalize(n.Body, isLoop)
		}
		out = append(out, n)
	}
	return out
}
