package graph

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAddNodeAndGetNode(t *testing.T) {
	g := New()

	id, err := g.AddNode("ticker", map[string]interface{}{"x": 1}, "")
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	node := g.GetNode(id)
	if node == nil {
		t.Fatal("node not found after AddNode")
	}
	if node.Type != "ticker" {
		t.Errorf("expected type 'ticker', got %q", node.Type)
	}
	if node.Data["x"] != 1 {
		t.Errorf("expected data x=1, got %v", node.Data["x"])
	}
	if node.CreatedAt.IsZero() || node.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestAddNodeDuplicateID(t *testing.T) {
	g := New()

	if _, err := g.AddNode("ticker", nil, "n1"); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if _, err := g.AddNode("ticker", nil, "n1"); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestAddNodeEmptyType(t *testing.T) {
	g := New()
	if _, err := g.AddNode("", nil, ""); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestConnectValidation(t *testing.T) {
	g := New()
	a, _ := g.AddNode("ticker", nil, "a")
	b, _ := g.AddNode("ticker", nil, "b")

	if !g.Connect(a, b, "causes", 0.7) {
		t.Fatal("valid connect rejected")
	}
	if g.EdgeCount() != 1 {
		t.Fatalf("expected 1 edge, got %d", g.EdgeCount())
	}

	// Strength out of range: rejected, no edge created.
	if g.Connect(a, b, "causes", 1.5) {
		t.Error("strength 1.5 should be rejected")
	}
	if g.Connect(a, b, "causes", -0.1) {
		t.Error("negative strength should be rejected")
	}
	// Missing endpoint: rejected.
	if g.Connect(a, "ghost", "causes", 0.5) {
		t.Error("connect to missing node should be rejected")
	}
	if g.EdgeCount() != 1 {
		t.Errorf("expected edge count unchanged at 1, got %d", g.EdgeCount())
	}
}

func TestConnectTouchesUpdatedAt(t *testing.T) {
	g := New()
	a, _ := g.AddNode("ticker", nil, "a")
	b, _ := g.AddNode("ticker", nil, "b")

	before := g.GetNode(a).UpdatedAt
	time.Sleep(2 * time.Millisecond)
	g.Connect(a, b, "causes", 0.5)

	if !g.GetNode(a).UpdatedAt.After(before) {
		t.Error("Connect should touch UpdatedAt on the from node")
	}
	if !g.GetNode(b).UpdatedAt.After(before) {
		t.Error("Connect should touch UpdatedAt on the to node")
	}
}

func TestGetNodesByType(t *testing.T) {
	g := New()
	g.AddNode("ticker", nil, "t1")
	g.AddNode("ticker", nil, "t2")
	g.AddNode("regime", nil, "r1")

	tickers := g.GetNodesByType("ticker")
	if len(tickers) != 2 {
		t.Errorf("expected 2 tickers, got %d", len(tickers))
	}
	if _, ok := tickers["t1"]; !ok {
		t.Error("t1 missing from type lookup")
	}
}

func TestQuery(t *testing.T) {
	g := New()
	g.AddNode("ticker", map[string]interface{}{"sector": "energy"}, "t1")
	g.AddNode("ticker", map[string]interface{}{"sector": "tech"}, "t2")

	ids := g.Query(func(n *Node) bool {
		return n.Data["sector"] == "energy"
	})
	if len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("expected [t1], got %v", ids)
	}
}

func TestUpdateNodeData(t *testing.T) {
	g := New()
	id, _ := g.AddNode("ticker", map[string]interface{}{}, "")

	before := g.GetNode(id).UpdatedAt
	time.Sleep(2 * time.Millisecond)

	if !g.UpdateNodeData(id, "price", 104.25) {
		t.Fatal("UpdateNodeData failed")
	}
	node := g.GetNode(id)
	if node.Data["price"] != 104.25 {
		t.Errorf("expected price 104.25, got %v", node.Data["price"])
	}
	if !node.UpdatedAt.After(before) {
		t.Error("UpdateNodeData should touch UpdatedAt")
	}

	if g.UpdateNodeData("ghost", "k", "v") {
		t.Error("expected false for missing node")
	}
}

func TestTraceConnectionsSimple(t *testing.T) {
	g := New()
	g.AddNode("ticker", nil, "a")
	g.AddNode("ticker", nil, "b")
	g.Connect("a", "b", "causes", 0.7)

	paths := g.TraceConnections("a", 1)
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(paths))
	}
	if paths[0].End() != "b" {
		t.Errorf("expected path ending at b, got %s", paths[0].End())
	}
	if paths[0].Strength != 0.7 {
		t.Errorf("expected strength 0.7, got %v", paths[0].Strength)
	}
}

func TestTraceConnectionsMultiplicativeStrength(t *testing.T) {
	g := New()
	g.AddNode("n", nil, "a")
	g.AddNode("n", nil, "b")
	g.AddNode("n", nil, "c")
	g.Connect("a", "b", "causes", 0.5)
	g.Connect("b", "c", "causes", 0.4)

	paths := g.TraceConnections("a", 2)
	var twoHop *Path
	for i := range paths {
		if len(paths[i].Edges) == 2 {
			twoHop = &paths[i]
		}
	}
	if twoHop == nil {
		t.Fatal("expected a two-hop path")
	}
	if diff := twoHop.Strength - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected strength 0.2, got %v", twoHop.Strength)
	}
}

func TestTraceConnectionsTerminatesOnCycle(t *testing.T) {
	g := New()
	g.AddNode("n", nil, "a")
	g.AddNode("n", nil, "b")
	g.Connect("a", "b", "feeds", 0.9)
	g.Connect("b", "a", "feeds", 0.9)

	paths := g.TraceConnections("a", 4)
	if len(paths) != 4 {
		t.Fatalf("expected 4 paths at depth 4, got %d", len(paths))
	}

	foundCycle := false
	for _, p := range paths {
		if p.IsCycle() {
			foundCycle = true
		}
		if len(p.Edges) > 4 {
			t.Errorf("path exceeds depth bound: %d edges", len(p.Edges))
		}
	}
	if !foundCycle {
		t.Error("expected at least one cycle path reported")
	}
}

func TestTraceConnectionsMissingNode(t *testing.T) {
	g := New()
	if paths := g.TraceConnections("ghost", 3); paths != nil {
		t.Errorf("expected nil for missing node, got %v", paths)
	}
}

func TestStrongestPath(t *testing.T) {
	g := New()
	g.AddNode("n", nil, "a")
	g.AddNode("n", nil, "b")
	g.AddNode("n", nil, "c")
	g.Connect("a", "c", "weak", 0.1)
	g.Connect("a", "b", "strong", 0.9)
	g.Connect("b", "c", "strong", 0.9)

	best, ok := g.StrongestPath("a", "c", 3)
	if !ok {
		t.Fatal("expected a path a->c")
	}
	if len(best.Edges) != 2 {
		t.Errorf("expected the two-hop 0.81 path to win, got %d edges (strength %v)", len(best.Edges), best.Strength)
	}
}

func TestCheckInvariantsOrphan(t *testing.T) {
	g := New()
	g.AddNode("n", nil, "orphan")
	g.AddNode("n", nil, "a")
	g.AddNode("n", nil, "b")
	g.Connect("a", "b", "causes", 0.5)

	report := g.CheckInvariants(0)
	if report.Clean {
		t.Error("expected unclean report with an orphan present")
	}
	if len(report.OrphanNodes) != 1 || report.OrphanNodes[0] != "orphan" {
		t.Errorf("expected [orphan], got %v", report.OrphanNodes)
	}
	if report.NodesChecked != 3 || report.EdgesChecked != 1 {
		t.Errorf("unexpected counts: %+v", report)
	}

	// A generous age threshold excludes the freshly created orphan.
	report = g.CheckInvariants(time.Hour)
	if len(report.OrphanNodes) != 0 {
		t.Errorf("expected no orphans older than 1h, got %v", report.OrphanNodes)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := New()
	g.AddNode("ticker", map[string]interface{}{"x": 1}, "a")
	g.AddNode("ticker", nil, "b")
	g.Connect("a", "b", "causes", 0.7)

	snap := g.Snapshot()
	if snap.NodeCount != 2 || snap.EdgeCount != 1 {
		t.Fatalf("unexpected snapshot counts: %+v", snap)
	}

	// Snapshot is a deep copy: later writes must not leak in.
	g.UpdateNodeData("a", "x", 2)
	if snap.Nodes["a"].Data["x"] != 1 {
		t.Error("snapshot mutated by a later write")
	}

	restored := FromSnapshot(snap)
	if restored.NodeCount() != 2 || restored.EdgeCount() != 1 {
		t.Fatalf("restore counts wrong: nodes=%d edges=%d", restored.NodeCount(), restored.EdgeCount())
	}
	if restored.GetNode("a").Data["x"] != 1 {
		t.Error("restored node data wrong")
	}
	paths := restored.TraceConnections("a", 1)
	if len(paths) != 1 || paths[0].End() != "b" {
		t.Errorf("restored edges wrong: %v", paths)
	}
}

func TestSnapshotDeterministicEdgeOrder(t *testing.T) {
	g := New()
	for i := 0; i < 5; i++ {
		g.AddNode("n", nil, fmt.Sprintf("n%d", i))
	}
	g.Connect("n3", "n4", "r", 0.5)
	g.Connect("n0", "n1", "r", 0.5)
	g.Connect("n2", "n3", "r", 0.5)

	first := g.Snapshot()
	second := g.Snapshot()
	for i := range first.Edges {
		if first.Edges[i] != second.Edges[i] {
			t.Fatalf("edge order not stable at %d: %v vs %v", i, first.Edges[i], second.Edges[i])
		}
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	g := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("w%d-n%d", worker, j)
				if _, err := g.AddNode("n", map[string]interface{}{"j": j}, id); err != nil {
					t.Errorf("AddNode failed: %v", err)
					return
				}
				if j > 0 {
					g.Connect(fmt.Sprintf("w%d-n%d", worker, j-1), id, "next", 0.5)
				}
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g.Query(func(n *Node) bool { return n.Type == "n" })
				g.NodeCount()
			}
		}()
	}
	wg.Wait()

	if g.NodeCount() != 8*50 {
		t.Errorf("expected %d nodes, got %d", 8*50, g.NodeCount())
	}
	if g.EdgeCount() != 8*49 {
		t.Errorf("expected %d edges, got %d", 8*49, g.EdgeCount())
	}
}
