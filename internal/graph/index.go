// Package graph holds the shape helpers shared by the interpreter and the validator.
package graph

import (
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Index is a normalized, read-only view of a flow graph.
// Built once per run or validation and never mutated afterwards.
type Index struct {
	Graph      *schema.Graph
	Nodes      map[string]*schema.Node // node ID → node (first occurrence wins)
	Out        map[string][]schema.Edge
	Starts     []string      // IDs of start-kind nodes, in graph order
	Dangling   []schema.Edge // edges whose source or target is missing
	Duplicates []string      // node IDs that appear more than once
}

// Build normalizes g and indexes its nodes and edges.
func Build(g *schema.Graph) *Index {
	norm := g.Normalized()
	ix := &Index{
		Graph: norm,
		Nodes: make(map[string]*schema.Node, len(norm.Nodes)),
		Out:   make(map[string][]schema.Edge, len(norm.Nodes)),
	}

	for i := range norm.Nodes {
		n := &norm.Nodes[i]
		if _, exists := ix.Nodes[n.ID]; exists {
			ix.Duplicates = append(ix.Duplicates, n.ID)
			continue
		}
		ix.Nodes[n.ID] = n
		if n.Kind == schema.KindStart {
			ix.Starts = append(ix.Starts, n.ID)
		}
	}

	for _, e := range norm.Edges {
		_, srcOK := ix.Nodes[e.Source]
		_, dstOK := ix.Nodes[e.Target]
		if !srcOK || !dstOK {
			ix.Dangling = append(ix.Dangling, e)
			continue
		}
		ix.Out[e.Source] = append(ix.Out[e.Source], e)
	}

	return ix
}

// Empty reports whether the graph has no nodes.
func (ix *Index) Empty() bool {
	return len(ix.Nodes) == 0
}

// Node returns the node with the given ID.
func (ix *Index) Node(id string) (*schema.Node, bool) {
	n, ok := ix.Nodes[id]
	return n, ok
}

// Outgoing returns the valid outgoing edges of a node, in graph order.
func (ix *Index) Outgoing(id string) []schema.Edge {
	return ix.Out[id]
}

// StartNode returns the first start-kind node or, failing that, the first
// node whose ID contains "start".
func (ix *Index) StartNode() (*schema.Node, bool) {
	if len(ix.Starts) > 0 {
		return ix.Nodes[ix.Starts[0]], true
	}
	for i := range ix.Graph.Nodes {
		n := &ix.Graph.Nodes[i]
		if strings.Contains(strings.ToLower(n.ID), "start") {
			return ix.Nodes[n.ID], true
		}
	}
	return nil, false
}

// FunctionNodes returns the function-kind nodes in graph order.
func (ix *Index) FunctionNodes() []*schema.Node {
	var out []*schema.Node
	for i := range ix.Graph.Nodes {
		n := &ix.Graph.Nodes[i]
		if n.Kind != schema.KindFunction {
			continue
		}
		if ix.Nodes[n.ID] == n {
			out = append(out, n)
		}
	}
	return out
}
