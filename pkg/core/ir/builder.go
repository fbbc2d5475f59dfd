// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// validateBuildingGraphFromInputs checks that all inputs are of the same Graph, that the graph is
// not frozen, and that none of them is a root (roots have no value).
// It panics with a corresponding error message in case of issues.
// Otherwise, it returns the Graph common to all inputs.
func validateBuildingGraphFromInputs(inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes provided, at least one is required")
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("input[%d] is nil", ii)
		}
		if n.op == OpStore || n.op == OpReturn {
			exceptions.Panicf("input[%d] (%s) has no value, it cannot be used as an input", ii, n)
		}
		if g == nil {
			g = n.graph
			g.AssertBuilding()
		} else if n.graph != g {
			exceptions.Panicf("combining nodes from different graphs not allowed: input[0] graph is %s, input[%d] graph is %s",
				g.handle, ii, n.graph.handle)
		}
	}
	return
}

// assertValue panics if x refers to an array, as opposed to a scalar value.
func assertValue(x *Node) {
	if x.IsReference() {
		exceptions.Panicf("%s refers to an array, it must be accessed with Load", x)
	}
	if x.op == OpParameter && x.graph.params[x.param].Kind == methods.KindObject {
		exceptions.Panicf("%s is an opaque object, it can't be used as a value", x)
	}
}

// assertReference panics if arr doesn't refer to an array parameter.
func assertReference(arr *Node) {
	if !arr.IsReference() {
		exceptions.Panicf("%s is not an array parameter", arr)
	}
}

// assertIndex panics if idx is not an integer scalar.
func assertIndex(idx *Node) {
	assertValue(idx)
	if idx.lanes != 1 {
		exceptions.Panicf("index %s must be a scalar, got a vector with %d lanes", idx, idx.lanes)
	}
	if idx.dtype != dtypes.Int32 && idx.dtype != dtypes.Int64 {
		exceptions.Panicf("index %s must be an int32 or int64, got %s", idx, idx.dtype)
	}
}

// commonLanes returns the number of lanes of the result of a lane-wise operation on the inputs:
// scalars are broadcast, and vectors must have the same number of lanes.
func commonLanes(name string, inputs ...*Node) int {
	lanes := 1
	for _, x := range inputs {
		if x.lanes == 1 {
			continue
		}
		if lanes != 1 && lanes != x.lanes {
			exceptions.Panicf("%s: mixing vectors of %d and %d lanes", name, lanes, x.lanes)
		}
		lanes = x.lanes
	}
	return lanes
}

// Const creates a constant of the given dtype. value can be any Go number.
func Const(g *Graph, dtype dtypes.DType, value any) *Node {
	g.AssertBuilding()
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("dtype %s not supported for constants", dtype)
	}
	v, err := ValueOf(dtype, value)
	if err != nil {
		panic(errors.WithMessagef(err, "Const(%s, %v)", dtype, value))
	}
	return g.newNode(&Node{op: OpConstant, dtype: dtype, value: v})
}

// ConstLike creates a constant with the same dtype as x.
func ConstLike(x *Node, value any) *Node {
	return Const(x.graph, x.dtype, value)
}

// ParallelFor declares the parallel loop of the routine, iterating from 0 (inclusive) to bound (exclusive),
// and returns the index of the loop. Each iteration is independent of the others, and may be executed in
// any order or in parallel.
//
// Only one parallel loop per routine is supported.
func ParallelFor(bound *Node) *Node {
	g := validateBuildingGraphFromInputs(bound)
	assertIndex(bound)
	if g.parallel != nil {
		exceptions.Panicf("routine %s already has a parallel loop (%s)", g.handle, g.parallel)
	}
	if g.returned != nil {
		exceptions.Panicf("routine %s returns a value, it can't have a parallel loop", g.handle)
	}
	g.parallel = g.newNode(&Node{op: OpParallelIndex, dtype: dtypes.Int32, inputs: []*Node{bound}})
	return g.parallel
}

// Length returns the number of elements (or vectors, for vector arrays) of an array parameter.
func Length(arr *Node) *Node {
	g := validateBuildingGraphFromInputs(arr)
	assertReference(arr)
	return g.newNode(&Node{op: OpLength, dtype: dtypes.Int32, inputs: []*Node{arr}})
}

// Load returns the element at the given index of the array.
// For vector arrays, it returns the vector at the given index.
func Load(arr, idx *Node) *Node {
	g := validateBuildingGraphFromInputs(arr, idx)
	assertReference(arr)
	assertIndex(idx)
	return g.newNode(&Node{op: OpLoad, dtype: arr.dtype, lanes: arr.lanes, inputs: []*Node{arr, idx}})
}

// Store sets the element at the given index of the array. It's a root of the graph.
// For vector arrays, it sets the vector at the given index: a scalar value is broadcast to all lanes.
func Store(arr, idx, value *Node) *Node {
	g := validateBuildingGraphFromInputs(arr, idx, value)
	assertReference(arr)
	assertIndex(idx)
	assertValue(value)
	if value.dtype != arr.dtype {
		exceptions.Panicf("Store: value dtype %s doesn't match array %s dtype %s", value.dtype, arr, arr.dtype)
	}
	if value.lanes != 1 && value.lanes != arr.lanes {
		exceptions.Panicf("Store: value has %d lanes, array %s has %d", value.lanes, arr, arr.lanes)
	}
	n := g.newNode(&Node{op: OpStore, dtype: value.dtype, lanes: arr.lanes, inputs: []*Node{arr, idx, value}})
	g.roots = append(g.roots, n)
	return n
}

// Return the value as the result of the routine. Only routines without a parallel loop can return a value,
// and they can be called from other routines with Invoke.
func Return(value *Node) *Node {
	g := validateBuildingGraphFromInputs(value)
	assertValue(value)
	if value.lanes != 1 {
		exceptions.Panicf("routine %s can only return scalars, got a vector with %d lanes", g.handle, value.lanes)
	}
	if g.returned != nil {
		exceptions.Panicf("routine %s already returns a value", g.handle)
	}
	if g.parallel != nil {
		exceptions.Panicf("routine %s has a parallel loop, it can't return a value", g.handle)
	}
	n := g.newNode(&Node{op: OpReturn, dtype: value.dtype, inputs: []*Node{value}})
	g.returned = value
	g.roots = append(g.roots, n)
	return n
}

// Invoke calls another routine with the given scalar arguments, returning a value of the given dtype.
// If any of the arguments is a vector, the routine is invoked lane-wise, and the result is a vector.
//
// The callee is compiled separately: whether it gets inlined or not is decided when compiling for a device.
func Invoke(g *Graph, callee methods.Handle, result dtypes.DType, args ...*Node) *Node {
	g.AssertBuilding()
	if len(args) > 0 {
		if g2 := validateBuildingGraphFromInputs(args...); g2 != g {
			exceptions.Panicf("Invoke(%s): arguments from a different graph", callee)
		}
	}
	for _, arg := range args {
		assertValue(arg)
	}
	if !IsSupportedDType(result) {
		exceptions.Panicf("Invoke(%s): unsupported result dtype %s", callee, result)
	}
	lanes := commonLanes("Invoke("+callee.String()+")", args...)
	return g.newNode(&Node{op: OpInvoke, dtype: result, lanes: lanes, callee: callee, inputs: args})
}

// Convert x to the given dtype.
func Convert(x *Node, dtype dtypes.DType) *Node {
	g := validateBuildingGraphFromInputs(x)
	assertValue(x)
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("Convert: unsupported dtype %s", dtype)
	}
	if x.dtype == dtype {
		return x
	}
	return g.newNode(&Node{op: OpConvert, dtype: dtype, lanes: x.lanes, inputs: []*Node{x}})
}

func binaryOp(op Op, x, y *Node) *Node {
	g := validateBuildingGraphFromInputs(x, y)
	assertValue(x)
	assertValue(y)
	if x.dtype != y.dtype {
		exceptions.Panicf("%s(%s, %s): dtypes don't match, use Convert", op, x, y)
	}
	if op.IsIntrinsic() && !x.dtype.IsFloat() {
		exceptions.Panicf("%s(%s, %s): requires float values, got %s", op, x, y, x.dtype)
	}
	return g.newNode(&Node{op: op, dtype: x.dtype, lanes: commonLanes(op.String(), x, y), inputs: []*Node{x, y}})
}

func unaryOp(op Op, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	assertValue(x)
	if op.IsIntrinsic() && !x.dtype.IsFloat() {
		exceptions.Panicf("%s(%s): requires a float value, got %s", op, x, x.dtype)
	}
	return g.newNode(&Node{op: op, dtype: x.dtype, lanes: x.lanes, inputs: []*Node{x}})
}

// Add returns x+y.
func Add(x, y *Node) *Node { return binaryOp(OpAdd, x, y) }

// Sub returns x-y.
func Sub(x, y *Node) *Node { return binaryOp(OpSub, x, y) }

// Mul returns x*y.
func Mul(x, y *Node) *Node { return binaryOp(OpMul, x, y) }

// Div returns x/y. For integers it truncates towards zero.
func Div(x, y *Node) *Node { return binaryOp(OpDiv, x, y) }

// Min returns the smallest of x and y.
func Min(x, y *Node) *Node { return binaryOp(OpMin, x, y) }

// Max returns the largest of x and y.
func Max(x, y *Node) *Node { return binaryOp(OpMax, x, y) }

// Pow returns x raised to the power y. x and y must be floats.
func Pow(x, y *Node) *Node { return binaryOp(OpPow, x, y) }

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(OpNeg, x) }

// Abs returns |x|.
func Abs(x *Node) *Node { return unaryOp(OpAbs, x) }

// Sqrt returns the square root of x. x must be a float.
func Sqrt(x *Node) *Node { return unaryOp(OpSqrt, x) }

// Exp returns e^x. x must be a float.
func Exp(x *Node) *Node { return unaryOp(OpExp, x) }

// Log returns the natural logarithm of x. x must be a float.
func Log(x *Node) *Node { return unaryOp(OpLog, x) }

// Sin returns the sine of x. x must be a float.
func Sin(x *Node) *Node { return unaryOp(OpSin, x) }

// Cos returns the cosine of x. x must be a float.
func Cos(x *Node) *Node { return unaryOp(OpCos, x) }

// Extract returns the scalar at the given lane of the vector x.
func Extract(x *Node, lane int) *Node {
	g := validateBuildingGraphFromInputs(x)
	assertValue(x)
	if x.lanes == 1 {
		exceptions.Panicf("Extract(%s, %d): not a vector", x, lane)
	}
	if lane < 0 || lane >= x.lanes {
		exceptions.Panicf("Extract(%s, %d): lane out of range [0, %d)", x, lane, x.lanes)
	}
	return g.newNode(&Node{op: OpExtract, dtype: x.dtype, param: lane, inputs: []*Node{x}})
}

// Vector builds a vector from scalars of the same dtype, one per lane.
func Vector(lanes ...*Node) *Node {
	g := validateBuildingGraphFromInputs(lanes...)
	if len(lanes) < 2 {
		exceptions.Panicf("Vector: at least 2 lanes required, got %d", len(lanes))
	}
	for ii, x := range lanes {
		assertValue(x)
		if x.lanes != 1 {
			exceptions.Panicf("Vector: lane #%d (%s) is not a scalar", ii, x)
		}
		if x.dtype != lanes[0].dtype {
			exceptions.Panicf("Vector: lane #%d has dtype %s, lane #0 has %s", ii, x.dtype, lanes[0].dtype)
		}
	}
	return g.newNode(&Node{op: OpVector, dtype: lanes[0].dtype, lanes: len(lanes), inputs: lanes})
}
