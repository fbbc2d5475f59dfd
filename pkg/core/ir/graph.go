// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir is the device-independent intermediate representation of a compilable routine.
//
// A routine is represented by a Graph of Node's: each node is an operation (see Op) on its
// inputs, and the graph "roots" are the nodes with side effects (Store) or the returned value
// (Return). Data-parallel routines declare one parallel loop with ParallelFor, whose index node
// is used to access the arrays.
//
// Example, the element-wise sum of two arrays:
//
//	g := ir.NewGraph(handle, params)
//	a, b, c, n := g.Parameter(0), g.Parameter(1), g.Parameter(2), g.Parameter(3)
//	i := ir.ParallelFor(n)
//	ir.Store(c, i, ir.Add(ir.Load(a, i), ir.Load(b, i)))
//
// # Error Handling
//
// Like the computation graph builders this package is modelled after, the building functions "throw"
// errors with panic (see github.com/gomlx/exceptions), with meaningful messages. The front end
// (and the sketch cache) catches them and converts them to errors.
//
// # Passes
//
// DeadCodeElimination, FoldConstants and Invokes are the simplification and discovery passes
// used when building a sketch, and Freeze returns the read-only copy that is cached.
package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// NodeId is the index of a node within its graph.
type NodeId int

// Graph holds the intermediate representation of one routine.
type Graph struct {
	handle methods.Handle
	params []methods.Param

	nodes    []*Node
	roots    []*Node
	parallel *Node // Index of the parallel loop, if one was declared.
	returned *Node

	frozen bool
}

// NewGraph creates an empty graph for the routine with the given handle and parameters.
// Parameters must already include the receiver (methods.Receiver) for instance methods.
func NewGraph(handle methods.Handle, params []methods.Param) *Graph {
	for ii, p := range params {
		if err := p.Validate(); err != nil {
			exceptions.Panicf("invalid parameter #%d for %s: %v", ii, handle, err)
		}
	}
	return &Graph{handle: handle, params: params}
}

// Handle of the routine represented by the graph.
func (g *Graph) Handle() methods.Handle { return g.handle }

// Params returns the parameters of the routine. It should not be changed.
func (g *Graph) Params() []methods.Param { return g.params }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the nodes of the graph, in the order they were created (a topological order).
// It should not be changed.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Roots returns the nodes with side effects (Store) or the Return node.
func (g *Graph) Roots() []*Node { return g.roots }

// ParallelIndex returns the index node of the parallel loop, or nil if the routine is sequential.
func (g *Graph) ParallelIndex() *Node { return g.parallel }

// Returned returns the value returned by the routine, or nil.
func (g *Graph) Returned() *Node { return g.returned }

// IsFrozen returns whether the graph is a read-only copy.
func (g *Graph) IsFrozen() bool { return g.frozen }

// AssertBuilding panics if the graph is frozen.
func (g *Graph) AssertBuilding() {
	if g.frozen {
		exceptions.Panicf("graph for %s is frozen (read-only), it cannot be changed", g.handle)
	}
}

// Parameter returns the node for the parameter at the given index.
// Calling it more than once for the same index creates different nodes, which is harmless.
func (g *Graph) Parameter(index int) *Node {
	g.AssertBuilding()
	if index < 0 || index >= len(g.params) {
		exceptions.Panicf("parameter index %d out of range for %s with %d parameters", index, g.handle, len(g.params))
	}
	p := g.params[index]
	lanes := 1
	if p.Kind == methods.KindVector {
		lanes = p.Lanes
	}
	return g.newNode(&Node{op: OpParameter, dtype: p.DType, lanes: lanes, param: index})
}

// newNode registers the node in the graph.
func (g *Graph) newNode(n *Node) *Node {
	n.graph = g
	if n.lanes == 0 {
		n.lanes = 1
	}
	n.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return n
}

// String prints the graph, one node per line.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %s:\n", g.handle)
	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", n)
	}
	return sb.String()
}

// Node is an operation in the graph.
type Node struct {
	graph  *Graph
	id     NodeId
	op     Op
	dtype  dtypes.DType
	lanes  int
	inputs []*Node

	param  int            // OpParameter
	value  Value          // OpConstant
	callee methods.Handle // OpInvoke
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node within the graph.
func (n *Node) Id() NodeId { return n.id }

// Op returns the operation of the node.
func (n *Node) Op() Op { return n.op }

// DType of the value computed by the node. For Store nodes it is the dtype of the stored value,
// and for array parameters the dtype of their elements.
func (n *Node) DType() dtypes.DType { return n.dtype }

// Lanes is the number of elements of vector values, and 1 for scalars.
func (n *Node) Lanes() int { return n.lanes }

// Inputs of the node. It should not be changed.
func (n *Node) Inputs() []*Node { return n.inputs }

// ParamIndex returns the index of the parameter, for OpParameter nodes.
func (n *Node) ParamIndex() int { return n.param }

// LaneIndex returns the lane read by an Extract node.
func (n *Node) LaneIndex() int { return n.param }

// ConstValue returns the value of an OpConstant node.
func (n *Node) ConstValue() Value { return n.value }

// Callee returns the routine called by an OpInvoke node.
func (n *Node) Callee() methods.Handle { return n.callee }

// IsReference returns whether the node refers to an array (or vector-array) parameter.
func (n *Node) IsReference() bool {
	return n.op == OpParameter && n.graph.params[n.param].Kind.IsReference()
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", n.id, n.op)
	switch n.op {
	case OpParameter:
		fmt.Fprintf(&sb, "(%s)", n.graph.params[n.param])
	case OpConstant:
		fmt.Fprintf(&sb, "(%s)", n.value.Format(n.dtype))
	case OpInvoke:
		fmt.Fprintf(&sb, "[%s]", n.callee)
	case OpExtract:
		fmt.Fprintf(&sb, "[%d]", n.param)
	}
	if len(n.inputs) > 0 {
		ids := make([]string, len(n.inputs))
		for ii, input := range n.inputs {
			ids[ii] = fmt.Sprintf("#%d", input.id)
		}
		fmt.Fprintf(&sb, "(%s)", strings.Join(ids, ", "))
	}
	if n.dtype != dtypes.InvalidDType {
		fmt.Fprintf(&sb, " -> %s", strings.ToLower(n.dtype.String()))
		if n.lanes > 1 {
			fmt.Fprintf(&sb, "x%d", n.lanes)
		}
	}
	return sb.String()
}
