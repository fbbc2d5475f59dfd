// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/vectors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vectorAdd = NewMethod("test.VectorAdd",
	[]methods.Param{
		methods.Array("a", dtypes.Int32),
		methods.Array("b", dtypes.Int32),
		methods.Array("c", dtypes.Int32),
	},
	func(g *ir.Graph) {
		a, b, c := g.Parameter(0), g.Parameter(1), g.Parameter(2)
		i := ir.ParallelFor(ir.Length(c))
		ir.Store(c, i, ir.Add(ir.Load(a, i), ir.Load(b, i)))
	})

var square = NewFunction("test.Square", dtypes.Float32,
	[]methods.Param{methods.Scalar("x", dtypes.Float32)},
	func(g *ir.Graph) {
		x := g.Parameter(0)
		ir.Return(ir.Mul(x, x))
	})

var scaleInPlace = NewInstanceMethod("test.Scaler.Scale",
	[]methods.Param{
		methods.Vector("v", dtypes.Float32, 4),
		methods.Scalar("alpha", dtypes.Float32),
	},
	func(g *ir.Graph) {
		v, alpha := g.Parameter(1), g.Parameter(2)
		i := ir.ParallelFor(ir.Length(v))
		ir.Store(v, i, Call(g, square, ir.Mul(ir.Load(v, i), alpha)))
	})

func TestMethod(t *testing.T) {
	meta := vectorAdd.Meta()
	assert.Equal(t, 3, meta.NumArgs)
	assert.True(t, meta.Static)

	meta = scaleInPlace.Meta()
	assert.Equal(t, 3, meta.NumArgs)
	assert.False(t, meta.Static)
	assert.Equal(t, []methods.Kind{methods.KindObject, methods.KindVector, methods.KindScalar}, meta.Kinds)
	assert.Len(t, scaleInPlace.GraphParams(), 3)

	g := scaleInPlace.BuildGraph()
	require.NoError(t, ir.Validate(g))
	assert.Equal(t, []methods.Handle{square.Handle}, ir.Invokes(g))

	g = square.BuildGraph()
	require.NotNil(t, g.Returned())

	badResult := NewFunction("test.Bad", dtypes.Int64,
		[]methods.Param{methods.Scalar("x", dtypes.Float32)},
		func(g *ir.Graph) { ir.Return(g.Parameter(0)) })
	require.Panics(t, func() { badResult.BuildGraph() })

	// Only functions can be called.
	require.Panics(t, func() {
		g := square.BuildGraph()
		Call(g, vectorAdd)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry().MustRegister(vectorAdd, square)
	require.NoError(t, r.Register(scaleInPlace))
	err := r.Register(vectorAdd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accelerr.ErrClassReflection))

	m, err := r.Resolve("test.VectorAdd")
	require.NoError(t, err)
	assert.Same(t, vectorAdd, m)

	m, err = r.ResolveHandle(square.Handle)
	require.NoError(t, err)
	assert.Same(t, square, m)

	_, err = r.Resolve("test.Missing")
	assert.Equal(t, accelerr.ClassReflection, accelerr.KindOf(err))
	_, err = r.ResolveHandle(methods.Handle{Name: "test.Square", Signature: "(float64)"})
	assert.Equal(t, accelerr.ClassReflection, accelerr.KindOf(err))
	assert.Equal(t, []string{"test.Scaler.Scale", "test.Square", "test.VectorAdd"}, r.Symbols())
}

const vectorAddParams = `
method: test.VectorAdd
device: simplego:0
arguments:
  - {name: a, kind: array, dtype: int32, length: 16, value: 1}
  - {name: b, kind: array, dtype: int32, length: 16, value: 2}
  - {name: c, kind: array, length: 16}
`

func TestParameterFile(t *testing.T) {
	pf, err := ParseParameterFile([]byte(vectorAddParams))
	require.NoError(t, err)
	assert.Equal(t, "test.VectorAdd", pf.Method)
	assert.Equal(t, "simplego:0", pf.Device)
	require.Len(t, pf.Arguments, 3)
	assert.Equal(t, 16, pf.Arguments[0].Length)

	path := filepath.Join(t.TempDir(), "params.yaml")
	contents, err := pf.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	pf2, err := LoadParameterFile(path)
	require.NoError(t, err)
	assert.Equal(t, pf, pf2)

	for _, bad := range []string{
		"method: [",
		"arguments: []",
		"method: x\narguments:\n  - {name: a}",
		"method: x\narguments:\n  - {kind: array, length: -1}",
	} {
		_, err = ParseParameterFile([]byte(bad))
		require.Error(t, err, "contents: %q", bad)
		assert.Equal(t, accelerr.ParameterFile, accelerr.KindOf(err))
	}
	_, err = LoadParameterFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, accelerr.ParameterFile, accelerr.KindOf(err))
}

func TestMaterialize(t *testing.T) {
	h := NewHarness()
	pf, err := ParseParameterFile([]byte(vectorAddParams))
	require.NoError(t, err)
	args, err := h.Materialize(vectorAdd, pf)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, args[0])
	assert.Len(t, args[2], 16)

	// Routine expects 3 arguments, parameter file declares 2.
	pf.Arguments = pf.Arguments[:2]
	_, err = h.Materialize(vectorAdd, pf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accelerr.ErrParameterShapeMismatch))

	// Instance method: receiver is prepended.
	pf = &ParameterFile{Method: scaleInPlace.Name(), Arguments: []ArgumentSpec{
		{Kind: "vector", DType: "float32", Length: 8, Lanes: 4, Value: 0.5},
		{Kind: "scalar", Value: 3},
	}}
	args, err = h.Materialize(scaleInPlace, pf)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.IsType(t, &Object{}, args[0])
	vs := args[1].(*vectors.Array[float32])
	assert.Equal(t, 8, vs.Len())
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vs.At(7))
	assert.Equal(t, float32(3), args[2])

	// Mismatched kind, dtype and lanes.
	for _, spec := range []ArgumentSpec{
		{Kind: "array", DType: "float32"},
		{Kind: "vector", DType: "float64"},
		{Kind: "vector", Lanes: 8},
	} {
		pf.Arguments[0] = spec
		_, err = h.Materialize(scaleInPlace, pf)
		assert.Equal(t, accelerr.ParameterShapeMismatch, accelerr.KindOf(err), "spec %+v", spec)
	}

	// Unknown kind: error in strict mode, nil otherwise.
	pf.Arguments[0] = ArgumentSpec{Kind: "matrix"}
	_, err = h.Materialize(scaleInPlace, pf)
	assert.Equal(t, accelerr.ParameterFile, accelerr.KindOf(err))
	h.Strict = false
	args, err = h.Materialize(scaleInPlace, pf)
	require.NoError(t, err)
	assert.Nil(t, args[1])
}

func TestDefaultArguments(t *testing.T) {
	args, err := DefaultArguments(vectorAdd, DefaultLength)
	require.NoError(t, err)
	require.Len(t, args, 3)
	for _, arg := range args {
		assert.Len(t, arg, DefaultLength)
	}

	_, err = NewArgument(methods.KindArray, dtypes.Uint8, 4, 0, 0)
	assert.Equal(t, accelerr.ParameterFile, accelerr.KindOf(err))
	_, err = NewArgument(methods.KindInvalid, dtypes.Int32, 4, 0, 0)
	assert.Equal(t, accelerr.ParameterFile, accelerr.KindOf(err))
	v, err := NewArgument(methods.KindScalar, dtypes.Int64, 0, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestTemplateFor(t *testing.T) {
	pf := TemplateFor(scaleInPlace, 32)
	assert.Equal(t, "test.Scaler.Scale", pf.Method)
	require.Len(t, pf.Arguments, 2)
	assert.Equal(t, ArgumentSpec{Name: "v", Kind: "vector", DType: "float32", Length: 32, Lanes: 4}, pf.Arguments[0])
	assert.Equal(t, ArgumentSpec{Name: "alpha", Kind: "scalar", DType: "float32"}, pf.Arguments[1])

	// The template can be materialized as is.
	args, err := NewHarness().Materialize(scaleInPlace, pf)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, 32, args[1].(*vectors.Array[float32]).Len())
}
