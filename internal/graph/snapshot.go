package graph

import (
	"sort"
	"time"
)

// Snapshot is a deep-copied, stable view of the graph used for persistence
// and for readers that must not observe concurrent writes. Edges are sorted
// so that serializing the same logical graph always yields the same bytes.
type Snapshot struct {
	Nodes     map[string]Node `json:"nodes"`
	Edges     []Edge          `json:"edges"`
	NodeCount int             `json:"node_count"`
	EdgeCount int             `json:"edge_count"`
	TakenAt   time.Time       `json:"taken_at"`
}

// Snapshot returns a deep copy of the current graph state.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		Nodes:     make(map[string]Node, len(g.nodes)),
		Edges:     make([]Edge, 0, g.edges),
		NodeCount: len(g.nodes),
		EdgeCount: g.edges,
		TakenAt:   time.Now(),
	}

	for id, node := range g.nodes {
		copied := *node
		copied.Data = make(map[string]interface{}, len(node.Data))
		for k, v := range node.Data {
			copied.Data[k] = v
		}
		snap.Nodes[id] = copied
	}
	for _, edges := range g.outgoing {
		snap.Edges = append(snap.Edges, edges...)
	}

	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Relationship < b.Relationship
	})

	return snap
}

// FromSnapshot builds a graph from a previously taken snapshot.
func FromSnapshot(snap Snapshot) *Graph {
	g := New()
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, node := range snap.Nodes {
		copied := node
		copied.Data = make(map[string]interface{}, len(node.Data))
		for k, v := range node.Data {
			copied.Data[k] = v
		}
		g.nodes[id] = &copied
	}
	for _, e := range snap.Edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
		g.edges++
	}
	return g
}
