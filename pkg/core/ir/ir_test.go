// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"
	"testing"

	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorAddParams() []methods.Param {
	return []methods.Param{
		methods.Array("a", dtypes.Int32),
		methods.Array("b", dtypes.Int32),
		methods.Array("c", dtypes.Int32),
	}
}

func buildVectorAdd() *Graph {
	params := vectorAddParams()
	g := NewGraph(methods.NewHandle("kernels.VectorAdd", params), params)
	a, b, c := g.Parameter(0), g.Parameter(1), g.Parameter(2)
	i := ParallelFor(Length(c))
	Store(c, i, Add(Load(a, i), Load(b, i)))
	return g
}

func TestBuilder(t *testing.T) {
	g := buildVectorAdd()
	require.NoError(t, Validate(g))
	assert.Len(t, g.Roots(), 1)
	require.NotNil(t, g.ParallelIndex())
	assert.Equal(t, dtypes.Int32, g.ParallelIndex().DType())
	assert.Nil(t, g.Returned())
	assert.Equal(t, "kernels.VectorAdd(int32[],int32[],int32[])", g.Handle().String())
	for ii, n := range g.Nodes() {
		assert.Equal(t, NodeId(ii), n.Id())
	}
	assert.Contains(t, g.String(), "Store")
	assert.Equal(t, []int{2}, StoredParams(g))
}

func TestBuilderErrors(t *testing.T) {
	params := []methods.Param{
		methods.Array("a", dtypes.Int32),
		methods.Scalar("x", dtypes.Float32),
		methods.Receiver(),
	}
	newGraph := func() *Graph { return NewGraph(methods.NewHandle("bad", params), params) }

	// Mixed dtypes.
	require.Panics(t, func() {
		g := newGraph()
		Add(Load(g.Parameter(0), Const(g, dtypes.Int32, 0)), g.Parameter(1))
	})
	// Array used as a value.
	require.Panics(t, func() {
		g := newGraph()
		Neg(g.Parameter(0))
	})
	// Store into a scalar.
	require.Panics(t, func() {
		g := newGraph()
		Store(g.Parameter(1), Const(g, dtypes.Int32, 0), g.Parameter(1))
	})
	// Receiver used as a value.
	require.Panics(t, func() {
		g := newGraph()
		Abs(g.Parameter(2))
	})
	// Two parallel loops.
	require.Panics(t, func() {
		g := newGraph()
		ParallelFor(Length(g.Parameter(0)))
		ParallelFor(Length(g.Parameter(0)))
	})
	// Float index.
	require.Panics(t, func() {
		g := newGraph()
		Load(g.Parameter(0), g.Parameter(1))
	})
	// Intrinsic over integers.
	require.Panics(t, func() {
		g := newGraph()
		Sqrt(Const(g, dtypes.Int32, 4))
	})
	// Nodes from different graphs.
	require.Panics(t, func() {
		g1, g2 := newGraph(), newGraph()
		Add(g1.Parameter(1), g2.Parameter(1))
	})
	// Invalid parameter.
	require.Panics(t, func() {
		bad := []methods.Param{{Name: "x"}}
		NewGraph(methods.NewHandle("bad", bad), bad)
	})

	g := newGraph()
	require.Error(t, Validate(g))
}

func TestDeadCodeElimination(t *testing.T) {
	g := buildVectorAdd()
	numNodes := g.NumNodes()
	a := g.Parameter(0)
	_ = Mul(Load(a, Const(g, dtypes.Int32, 1)), Const(g, dtypes.Int32, 3))
	assert.Equal(t, numNodes+5, g.NumNodes())
	removed := DeadCodeElimination(g)
	assert.Equal(t, 5, removed)
	assert.Equal(t, numNodes, g.NumNodes())
	for ii, n := range g.Nodes() {
		assert.Equal(t, NodeId(ii), n.Id())
	}
	assert.Equal(t, 0, DeadCodeElimination(g))
}

func TestFoldConstants(t *testing.T) {
	params := []methods.Param{methods.Array("out", dtypes.Float32)}
	g := NewGraph(methods.NewHandle("fold", params), params)
	out := g.Parameter(0)
	i := ParallelFor(Length(out))
	two := Const(g, dtypes.Float32, 2)
	four := Sqrt(Mul(two, Add(two, Const(g, dtypes.Float32, 6)))) // sqrt(2*8)=4
	asFloat := Convert(i, dtypes.Float32)
	Store(out, i, Mul(asFloat, four))
	// Integer division by zero is not folded.
	zero := Const(g, dtypes.Int32, 0)
	Store(out, Div(Const(g, dtypes.Int32, 1), zero), asFloat)

	folded := FoldConstants(g)
	assert.Equal(t, 3, folded)
	removed := DeadCodeElimination(g)
	assert.Equal(t, 4, removed) // 2, 6, 2+6 and 2*8.
	var constants []float64
	for _, n := range g.Nodes() {
		if n.Op() == OpConstant && n.DType() == dtypes.Float32 {
			constants = append(constants, n.ConstValue().Float())
		}
	}
	assert.Equal(t, []float64{4}, constants)
}

func TestEval(t *testing.T) {
	v, err := EvalBinary(OpAdd, dtypes.Int32, IntValue(math.MaxInt32), IntValue(1))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt32), v.Int())

	_, err = EvalBinary(OpDiv, dtypes.Int64, IntValue(1), IntValue(0))
	require.Error(t, err)

	v, err = EvalBinary(OpDiv, dtypes.Float64, FloatValue(1), FloatValue(0))
	require.NoError(t, err)
	assert.True(t, math.IsInf(v.Float(), 1))

	v, err = EvalUnary(OpAbs, dtypes.Int32, IntValue(-7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int())

	_, err = EvalUnary(OpSqrt, dtypes.Int32, IntValue(4))
	require.Error(t, err)

	assert.Equal(t, int64(-2), ConvertValue(dtypes.Float64, dtypes.Int32, FloatValue(-2.7)).Int())
	assert.Equal(t, float64(float32(0.1)), ConvertValue(dtypes.Float64, dtypes.Float32, FloatValue(0.1)).Float())
	assert.Equal(t, "0.5", FloatValue(0.5).Format(dtypes.Float32))
	assert.Equal(t, "-3", IntValue(-3).Format(dtypes.Int64))
}

func TestInvokesAndFreeze(t *testing.T) {
	params := []methods.Param{
		methods.Array("x", dtypes.Float64),
		methods.Scalar("alpha", dtypes.Float64),
	}
	g := NewGraph(methods.NewHandle("saxpy", params), params)
	x, alpha := g.Parameter(0), g.Parameter(1)
	i := ParallelFor(Length(x))
	scale := methods.Handle{Name: "helpers.Scale", Signature: "(float64,float64)"}
	square := methods.Handle{Name: "helpers.Square", Signature: "(float64)"}
	v := Invoke(g, scale, dtypes.Float64, Load(x, i), alpha)
	v = Invoke(g, square, dtypes.Float64, v)
	v = Invoke(g, scale, dtypes.Float64, v, alpha)
	Store(x, i, v)

	assert.Equal(t, []methods.Handle{scale, square}, Invokes(g))
	assert.Equal(t, []int{0}, StoredParams(g))

	frozen := Freeze(g)
	assert.True(t, frozen.IsFrozen())
	assert.False(t, g.IsFrozen())
	assert.Equal(t, g.NumNodes(), frozen.NumNodes())
	assert.Equal(t, g.String(), frozen.String())
	for _, n := range frozen.Nodes() {
		assert.Same(t, frozen, n.Graph())
		for _, input := range n.Inputs() {
			assert.Same(t, frozen, input.Graph())
		}
	}
	require.Panics(t, func() { frozen.Parameter(0) })
	require.Panics(t, func() { Neg(frozen.Parameter(1)) })

	// Changing the original doesn't change the frozen copy.
	Store(x, Const(g, dtypes.Int32, 0), alpha)
	assert.NotEqual(t, g.NumNodes(), frozen.NumNodes())
	assert.Len(t, frozen.Roots(), 1)
}

func TestReturn(t *testing.T) {
	params := []methods.Param{methods.Scalar("x", dtypes.Int64)}
	g := NewGraph(methods.NewHandle("square", params), params)
	x := g.Parameter(0)
	Return(Mul(x, x))
	require.NoError(t, Validate(g))
	require.NotNil(t, g.Returned())
	assert.Equal(t, OpMul, g.Returned().Op())
	require.Panics(t, func() { ParallelFor(Const(g, dtypes.Int32, 10)) })
	require.Panics(t, func() { Return(x) })
}

func TestVectorLanes(t *testing.T) {
	params := []methods.Param{
		methods.Vector("a", dtypes.Float32, 4),
		methods.Vector("b", dtypes.Float32, 4),
		methods.Vector("c", dtypes.Float32, 8),
		methods.Scalar("alpha", dtypes.Float32),
	}
	g := NewGraph(methods.NewHandle("vectors", params), params)
	a, b, c, alpha := g.Parameter(0), g.Parameter(1), g.Parameter(2), g.Parameter(3)
	i := ParallelFor(Length(a))
	assert.Equal(t, 1, i.Lanes())
	va := Load(a, i)
	assert.Equal(t, 4, va.Lanes())
	sum := Add(Mul(va, alpha), Load(b, i))
	assert.Equal(t, 4, sum.Lanes())
	Store(a, i, sum)
	Store(b, i, alpha) // Broadcast.
	assert.Contains(t, sum.String(), "float32x4")

	require.Panics(t, func() { Add(va, Load(c, i)) })
	require.Panics(t, func() { Store(c, i, sum) })
	require.Panics(t, func() { Load(a, Convert(va, dtypes.Int32)) })
}

func TestExtractAndVector(t *testing.T) {
	params := []methods.Param{
		methods.Vector("in", dtypes.Float32, 4),
		methods.Vector("out", dtypes.Float32, 3),
	}
	g := NewGraph(methods.NewHandle("swizzle", params), params)
	in, out := g.Parameter(0), g.Parameter(1)
	i := ParallelFor(Length(out))
	v := Load(in, i)
	y, w := Extract(v, 1), Extract(v, 3)
	assert.Equal(t, 1, y.Lanes())
	assert.Equal(t, 3, w.LaneIndex())
	assert.Contains(t, y.String(), "Extract[1]")
	pow := Pow(w, ConstLike(w, 2.0))
	assert.Equal(t, OpPow, pow.Op())
	assert.True(t, OpPow.IsBinary())
	assert.True(t, OpPow.IsIntrinsic())
	vec := Vector(pow, Abs(y), w)
	assert.Equal(t, 3, vec.Lanes())
	Store(out, i, vec)
	require.NoError(t, Validate(g))

	frozen := Freeze(g)
	assert.Equal(t, g.String(), frozen.String())

	require.Panics(t, func() { Extract(v, 4) })
	require.Panics(t, func() { Extract(y, 0) })
	require.Panics(t, func() { Vector(y) })
	require.Panics(t, func() { Vector(y, v) })
	require.Panics(t, func() { Vector(y, Const(g, dtypes.Int32, 1)) })
	require.Panics(t, func() { Store(in, i, vec) })
	require.Panics(t, func() { Pow(Const(g, dtypes.Int32, 2), Const(g, dtypes.Int32, 3)) })

	v2, err := EvalBinary(OpPow, dtypes.Float32, FloatValue(1.5), FloatValue(2))
	require.NoError(t, err)
	assert.Equal(t, 2.25, v2.Float())
	_, err = EvalBinary(OpPow, dtypes.Int32, IntValue(2), IntValue(3))
	require.Error(t, err)
}
