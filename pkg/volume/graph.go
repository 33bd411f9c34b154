package volume

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

var nodeSeq atomic.Int64

// dep names one input chunk a node needs to compute one of its chunks.
type dep struct {
	node  *node
	chunk ChunkIndex
}

// evalFunc computes one output chunk from the dependency blocks, which are
// passed in the order the node's deps function returned them.
type evalFunc func(ctx context.Context, c ChunkIndex, in []*Block) (*Block, error)

// node is a vertex of the deferred computation graph. It records how to
// compute any of its chunks without computing anything.
type node struct {
	id      int64
	op      string
	name    string
	grid    Grid
	spacing [3]float64
	origin  [3]float64
	inputs  []*node
	deps    func(c ChunkIndex) []dep
	eval    evalFunc
}

func newNode(op, name string, grid Grid, spacing, origin [3]float64, inputs []*node) *node {
	return &node{
		id:      nodeSeq.Add(1),
		op:      op,
		name:    name,
		grid:    grid,
		spacing: spacing,
		origin:  origin,
		inputs:  inputs,
	}
}

func (n *node) key(c ChunkIndex) string {
	return fmt.Sprintf("%s#%d/%s", n.op, n.id, c)
}

// NodeInfo describes one vertex of a volume's computation graph.
type NodeInfo struct {
	ID     int64
	Op     string
	Name   string
	Shape  Shape
	Chunk  Shape
	Inputs []int64
}

// Graph is an introspectable snapshot of a deferred computation.
type Graph struct {
	// Nodes are in topological order: inputs before their consumers.
	Nodes []NodeInfo
	// Edges are (input, consumer) node ID pairs.
	Edges [][2]int64
}

// Len returns the number of nodes.
func (g Graph) Len() int { return len(g.Nodes) }

// Ops returns the op names in topological order.
func (g Graph) Ops() []string {
	out := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Op
	}
	return out
}

func describe(root *node) Graph {
	var g Graph
	seen := make(map[int64]bool)
	var visit func(n *node)
	visit = func(n *node) {
		if seen[n.id] {
			return
		}
		seen[n.id] = true
		info := NodeInfo{ID: n.id, Op: n.op, Name: n.name, Shape: n.grid.Shape, Chunk: n.grid.Chunk}
		for _, in := range n.inputs {
			visit(in)
			info.Inputs = append(info.Inputs, in.id)
			g.Edges = append(g.Edges, [2]int64{in.id, n.id})
		}
		g.Nodes = append(g.Nodes, info)
	}
	visit(root)
	sort.SliceStable(g.Edges, func(i, j int) bool {
		if g.Edges[i][1] != g.Edges[j][1] {
			return g.Edges[i][1] < g.Edges[j][1]
		}
		return g.Edges[i][0] < g.Edges[j][0]
	})
	return g
}
