// Package graph implements the shared knowledge graph: typed nodes,
// directed weighted relationships, queries, bounded path tracing, and
// invariant checking. The graph is the only mutable state shared across
// concurrent pattern invocations, so all mutation goes through a
// single-writer lock and readers see either pre- or post-write state.
package graph

import (
	"fmt"
	"math"
	"sync"
	"time"

	"tapestry/internal/logging"

	"github.com/google/uuid"
)

// Node is a typed entity in the knowledge graph.
type Node struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Edge is a directed, weighted relationship between two nodes.
// Strength is always within [0, 1].
type Edge struct {
	From         string  `json:"from"`
	To           string  `json:"to"`
	Relationship string  `json:"relationship"`
	Strength     float64 `json:"strength"`
}

// Graph is the in-memory node/edge store.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	// outgoing indexes edges by their From node for traversal.
	outgoing map[string][]Edge
	edges    int
}

// New creates an empty knowledge graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		outgoing: make(map[string][]Edge),
	}
}

// AddNode creates a node of the given type. If id is empty a new one is
// generated. Returns an error if a supplied id already exists.
func (g *Graph) AddNode(nodeType string, data map[string]interface{}, id string) (string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "AddNode")
	defer timer.Stop()

	if nodeType == "" {
		return "", fmt.Errorf("node type cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	} else if _, exists := g.nodes[id]; exists {
		logging.Get(logging.CategoryGraph).Error("AddNode: node id already exists: %s", id)
		return "", fmt.Errorf("node id already exists: %s", id)
	}

	now := time.Now()
	if data == nil {
		data = make(map[string]interface{})
	}
	g.nodes[id] = &Node{
		ID:        id,
		Type:      nodeType,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	logging.GraphDebug("AddNode: added node id=%s type=%s", id, nodeType)
	return id, nil
}

// Connect creates a directed edge between two existing nodes. Returns false
// (and logs, does not error) if either endpoint is missing or strength is
// outside [0, 1]. Both endpoints' UpdatedAt are touched on success.
func (g *Graph) Connect(from, to, relationship string, strength float64) bool {
	timer := logging.StartTimer(logging.CategoryGraph, "Connect")
	defer timer.Stop()

	if strength < 0 || strength > 1 || math.IsNaN(strength) {
		logging.Get(logging.CategoryGraph).Warn("Connect: strength out of range [0,1]: %v (%s -[%s]-> %s)",
			strength, from, relationship, to)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	fromNode, okFrom := g.nodes[from]
	toNode, okTo := g.nodes[to]
	if !okFrom || !okTo {
		logging.Get(logging.CategoryGraph).Warn("Connect: missing endpoint(s): from=%s (found=%v) to=%s (found=%v)",
			from, okFrom, to, okTo)
		return false
	}

	g.outgoing[from] = append(g.outgoing[from], Edge{
		From:         from,
		To:           to,
		Relationship: relationship,
		Strength:     strength,
	})
	g.edges++

	now := time.Now()
	fromNode.UpdatedAt = now
	toNode.UpdatedAt = now

	logging.GraphDebug("Connect: %s -[%s]-> %s (strength=%.2f)", from, relationship, to, strength)
	return true
}

// GetNode returns the node with the given id, or nil if absent. The returned
// pointer is the live node; callers mutating Data should go through
// UpdateNodeData so UpdatedAt stays accurate.
func (g *Graph) GetNode(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// GetNodesByType returns all nodes of the given type, keyed by id.
func (g *Graph) GetNodesByType(nodeType string) map[string]*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[string]*Node)
	for id, node := range g.nodes {
		if node.Type == nodeType {
			result[id] = node
		}
	}
	return result
}

// Query returns the ids of all nodes matching the predicate.
func (g *Graph) Query(predicate func(*Node) bool) []string {
	timer := logging.StartTimer(logging.CategoryGraph, "Query")
	defer timer.Stop()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, node := range g.nodes {
		if predicate(node) {
			ids = append(ids, id)
		}
	}
	logging.GraphDebug("Query: matched %d nodes", len(ids))
	return ids
}

// UpdateNodeData sets a data field on a node and touches UpdatedAt.
// Returns false if the node does not exist.
func (g *Graph) UpdateNodeData(id, key string, value interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		logging.Get(logging.CategoryGraph).Warn("UpdateNodeData: node not found: %s", id)
		return false
	}
	node.Data[key] = value
	node.UpdatedAt = time.Now()
	return true
}

// Edges returns all edges originating from the given node.
func (g *Graph) Edges(from string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.outgoing[from]...)
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}
