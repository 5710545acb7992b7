package graph

import (
	"errors"
	"fmt"

	"github.com/meikuraledutech/flow"
)

var (
	ErrDuplicateNode   = errors.New("graph: duplicate node id")
	ErrMissingNodeID   = errors.New("graph: node has no id")
	ErrUnknownNodeType = errors.New("graph: unknown node type")
)

// Validate checks a definition before it is saved: node ids must be present
// and unique, node types must be known (when known is non-nil), and in the
// edge-based format every edge must connect declared nodes without forming
// a cycle.
func Validate(def flow.Definition, known func(nodeType string) bool) error {
	ids := make(map[string]bool)
	if err := validateNodes(def.Nodes, ids, known); err != nil {
		return err
	}
	if !def.IsStandard() {
		return nil
	}
	for _, e := range def.Edges {
		if !ids[e.Source] {
			return fmt.Errorf("%w: source %q", flow.ErrDanglingEdge, e.Source)
		}
		if !ids[e.Target] {
			return fmt.Errorf("%w: target %q", flow.ErrDanglingEdge, e.Target)
		}
	}
	return validateAcyclic(def.Nodes, def.Edges)
}

func validateNodes(nodes []flow.Node, ids map[string]bool, known func(string) bool) error {
	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("%w (type %s)", ErrMissingNodeID, n.Type)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		ids[n.ID] = true
		if known != nil && !known(n.Type) {
			return fmt.Errorf("%w: %s (node %s)", ErrUnknownNodeType, n.Type, n.ID)
		}
		if err := validateNodes(n.Body, ids, known); err != nil {
			return err
		}
	}
	return nil
}

// validateAcyclic checks that the edges don't form a cycle using DFS.
func validateAcyclic(nodes []flow.Node, edges []flow.Edge) error {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		state[n.ID] = unvisited
		order = append(order, n.ID)
	}

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}
		state[id] = visited
		return false
	}

	for _, id := range order {
		if state[id] == unvisited && dfs(id) {
			return fmt.Errorf("%w (reached from %s)", flow.ErrCycleDetected, id)
		}
	}
	return nil
}
