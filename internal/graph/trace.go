package graph

import (
	"tapestry/internal/logging"
)

// Path is an ordered list of edges discovered by TraceConnections.
// Strength is the product of the constituent edge strengths: no decay
// factor and no asymmetry, so a zero-strength edge zeroes every path
// through it.
type Path struct {
	Edges    []Edge  `json:"edges"`
	Strength float64 `json:"strength"`
}

// End returns the id of the node the path terminates at.
func (p Path) End() string {
	if len(p.Edges) == 0 {
		return ""
	}
	return p.Edges[len(p.Edges)-1].To
}

// IsCycle reports whether the path revisits its starting node.
func (p Path) IsCycle() bool {
	if len(p.Edges) == 0 {
		return false
	}
	return p.Edges[len(p.Edges)-1].To == p.Edges[0].From
}

// TraceConnections enumerates all paths of up to maxDepth edges starting
// from the given node. Termination is guaranteed by the depth bound alone,
// not by visited-node pruning: revisiting a node is a valid pattern to
// report as a cycle. Returns nil if the start node does not exist.
func (g *Graph) TraceConnections(id string, maxDepth int) []Path {
	timer := logging.StartTimer(logging.CategoryGraph, "TraceConnections")
	defer timer.Stop()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		logging.Get(logging.CategoryGraph).Warn("TraceConnections: node not found: %s", id)
		return nil
	}
	if maxDepth <= 0 {
		return nil
	}

	var paths []Path
	var walk func(current string, trail []Edge, strength float64)
	walk = func(current string, trail []Edge, strength float64) {
		if len(trail) >= maxDepth {
			return
		}
		for _, edge := range g.outgoing[current] {
			next := make([]Edge, len(trail), len(trail)+1)
			copy(next, trail)
			next = append(next, edge)
			nextStrength := strength * edge.Strength
			paths = append(paths, Path{Edges: next, Strength: nextStrength})
			walk(edge.To, next, nextStrength)
		}
	}
	walk(id, nil, 1.0)

	logging.GraphDebug("TraceConnections: %s maxDepth=%d found %d paths", id, maxDepth, len(paths))
	return paths
}

// StrongestPath returns the highest-strength path from one node to another
// within maxDepth edges, or false if no path exists.
func (g *Graph) StrongestPath(from, to string, maxDepth int) (Path, bool) {
	var best Path
	found := false
	for _, p := range g.TraceConnections(from, maxDepth) {
		if p.End() != to {
			continue
		}
		if !found || p.Strength > best.Strength {
			best = p
			found = true
		}
	}
	return best, found
}
