// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/support/sets"
	"github.com/pkg/errors"
)

// Validate checks that the graph is complete: it must have at least one root (a Store or a Return).
func Validate(g *Graph) error {
	if len(g.roots) == 0 {
		return errors.Errorf("routine %s has no side effects (Store) nor returns a value", g.handle)
	}
	return nil
}

// DeadCodeElimination removes the nodes whose values are not used by any root.
// The parallel loop index, if declared, is always kept: it defines the number of iterations.
//
// It returns the number of nodes removed.
func DeadCodeElimination(g *Graph) int {
	g.AssertBuilding()
	live := sets.Make[*Node](len(g.nodes))
	var mark func(n *Node)
	mark = func(n *Node) {
		if !live.InsertNew(n) {
			return
		}
		for _, input := range n.inputs {
			mark(input)
		}
	}
	for _, root := range g.roots {
		mark(root)
	}
	if g.parallel != nil {
		mark(g.parallel)
	}
	if len(live) == len(g.nodes) {
		return 0
	}
	kept := make([]*Node, 0, len(live))
	for _, n := range g.nodes {
		if live.Has(n) {
			n.id = NodeId(len(kept))
			kept = append(kept, n)
		}
	}
	removed := len(g.nodes) - len(kept)
	g.nodes = kept
	return removed
}

// FoldConstants replaces arithmetic operations whose inputs are all constants by the constant result.
// Operations that would fail (e.g. integer division by zero) are left to fail at execution time.
//
// It returns the number of nodes folded. The folded inputs are left in the graph, to be
// removed by DeadCodeElimination.
func FoldConstants(g *Graph) int {
	g.AssertBuilding()
	var folded int
	for _, n := range g.nodes {
		if !n.op.IsBinary() && !n.op.IsUnary() && n.op != OpConvert {
			continue
		}
		allConstants := true
		for _, input := range n.inputs {
			if input.op != OpConstant {
				allConstants = false
				break
			}
		}
		if !allConstants {
			continue
		}
		var (
			v   Value
			err error
		)
		switch {
		case n.op.IsBinary():
			v, err = EvalBinary(n.op, n.dtype, n.inputs[0].value, n.inputs[1].value)
		case n.op.IsUnary():
			v, err = EvalUnary(n.op, n.dtype, n.inputs[0].value)
		default:
			v = ConvertValue(n.inputs[0].dtype, n.dtype, n.inputs[0].value)
		}
		if err != nil {
			continue
		}
		n.op, n.value, n.inputs = OpConstant, v, nil
		folded++
	}
	return folded
}

// Invokes returns the distinct routines called by the graph, in order of first call.
func Invokes(g *Graph) []methods.Handle {
	var callees []methods.Handle
	seen := sets.Make[methods.Handle]()
	for _, n := range g.nodes {
		if n.op == OpInvoke && seen.InsertNew(n.callee) {
			callees = append(callees, n.callee)
		}
	}
	return callees
}

// StoredParams returns the indices of the array parameters the graph stores to, in increasing order.
func StoredParams(g *Graph) []int {
	stored := sets.Make[int]()
	for _, n := range g.nodes {
		if n.op == OpStore {
			stored.Insert(n.inputs[0].param)
		}
	}
	var indices []int
	for ii := range g.params {
		if stored.Has(ii) {
			indices = append(indices, ii)
		}
	}
	return indices
}

// Freeze returns a read-only copy of the graph. Building functions panic if used on a frozen graph.
// The frozen copy doesn't share any node with g, so g can be discarded or changed.
func Freeze(g *Graph) *Graph {
	frozen := &Graph{
		handle: g.handle,
		params: append([]methods.Param(nil), g.params...),
		nodes:  make([]*Node, len(g.nodes)),
		frozen: true,
	}
	mapping := make(map[*Node]*Node, len(g.nodes))
	for ii, n := range g.nodes {
		c := &Node{
			graph:  frozen,
			id:     NodeId(ii),
			op:     n.op,
			dtype:  n.dtype,
			lanes:  n.lanes,
			param:  n.param,
			value:  n.value,
			callee: n.callee,
		}
		if len(n.inputs) > 0 {
			c.inputs = make([]*Node, len(n.inputs))
			for jj, input := range n.inputs {
				c.inputs[jj] = mapping[input]
			}
		}
		mapping[n] = c
		frozen.nodes[ii] = c
	}
	for _, root := range g.roots {
		if c, found := mapping[root]; found {
			frozen.roots = append(frozen.roots, c)
		}
	}
	frozen.parallel = mapping[g.parallel]
	frozen.returned = mapping[g.returned]
	return frozen
}
