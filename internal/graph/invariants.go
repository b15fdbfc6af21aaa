package graph

import (
	"time"

	"tapestry/internal/logging"
)

// InvariantReport describes violations of the graph's standing invariants.
// It is produced by CheckInvariants, runnable on demand or on a schedule;
// repair is always a separate, explicit operation.
type InvariantReport struct {
	NodesChecked  int      `json:"nodes_checked"`
	EdgesChecked  int      `json:"edges_checked"`
	OrphanNodes   []string `json:"orphan_nodes"`   // unconnected nodes older than the threshold
	DanglingEdges []Edge   `json:"dangling_edges"` // edges whose endpoint no longer resolves
	OutOfRange    []Edge   `json:"out_of_range"`   // edges with strength outside [0,1]
	Clean         bool     `json:"clean"`
}

// CheckInvariants scans the graph for orphan nodes older than olderThan,
// dangling edges, and out-of-range strengths. Nothing is modified.
func (g *Graph) CheckInvariants(olderThan time.Duration) InvariantReport {
	timer := logging.StartTimer(logging.CategoryGraph, "CheckInvariants")
	defer timer.Stop()

	g.mu.RLock()
	defer g.mu.RUnlock()

	report := InvariantReport{
		NodesChecked: len(g.nodes),
		EdgesChecked: g.edges,
	}

	connected := make(map[string]bool, len(g.nodes))
	for _, edges := range g.outgoing {
		for _, e := range edges {
			connected[e.From] = true
			connected[e.To] = true
			if _, ok := g.nodes[e.From]; !ok {
				report.DanglingEdges = append(report.DanglingEdges, e)
			} else if _, ok := g.nodes[e.To]; !ok {
				report.DanglingEdges = append(report.DanglingEdges, e)
			}
			if e.Strength < 0 || e.Strength > 1 {
				report.OutOfRange = append(report.OutOfRange, e)
			}
		}
	}

	cutoff := time.Now().Add(-olderThan)
	for id, node := range g.nodes {
		if !connected[id] && node.CreatedAt.Before(cutoff) {
			report.OrphanNodes = append(report.OrphanNodes, id)
		}
	}

	report.Clean = len(report.OrphanNodes) == 0 &&
		len(report.DanglingEdges) == 0 &&
		len(report.OutOfRange) == 0

	if !report.Clean {
		logging.Get(logging.CategoryGraph).Warn(
			"CheckInvariants: %d orphans, %d dangling edges, %d out-of-range strengths",
			len(report.OrphanNodes), len(report.DanglingEdges), len(report.OutOfRange))
	}
	return report
}

// RemoveDanglingEdges deletes edges whose endpoints no longer resolve and
// returns how many were removed. Dangling edges cannot be created through
// the public API but can appear after restoring a snapshot taken from an
// older schema.
func (g *Graph) RemoveDanglingEdges() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for from, edges := range g.outgoing {
		kept := edges[:0]
		for _, e := range edges {
			_, okFrom := g.nodes[e.From]
			_, okTo := g.nodes[e.To]
			if okFrom && okTo {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(g.outgoing, from)
		} else {
			g.outgoing[from] = kept
		}
	}
	g.edges -= removed

	if removed > 0 {
		logging.Graph("RemoveDanglingEdges: removed %d dangling edges", removed)
	}
	return removed
}
