// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Int32, 1024)
	assert.Equal(t, 1, s.Rank())
	assert.Equal(t, 1024, s.Size())
	assert.Equal(t, uintptr(4096), s.Memory())
	assert.Equal(t, "int32[1024]", s.String())
	assert.True(t, s.Equal(Make(dtypes.Int32, 1024)))
	assert.False(t, s.Equal(Make(dtypes.Int32, 1023)))
	assert.False(t, s.Equal(Make(dtypes.Int64, 1024)))

	v := Make(dtypes.Float32, 256, 4)
	assert.Equal(t, "float32[256x4]", v.String())
	assert.Equal(t, 1024, v.Size())

	assert.True(t, Scalar(dtypes.Float64).IsScalar())
	assert.Equal(t, "float64", Scalar(dtypes.Float64).String())
	assert.True(t, Opaque().IsOpaque())
	assert.Equal(t, uintptr(0), Opaque().Memory())

	assert.Panics(t, func() { Make(dtypes.Int32, -1) })
}

func TestFingerprint(t *testing.T) {
	a := []Shape{Make(dtypes.Int32, 8), Make(dtypes.Int32, 8), Scalar(dtypes.Int32)}
	b := []Shape{Make(dtypes.Int32, 8), Make(dtypes.Int32, 8), Scalar(dtypes.Int32)}
	c := []Shape{Make(dtypes.Int32, 8), Make(dtypes.Int32, 16), Scalar(dtypes.Int32)}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Equal(t, "(int32[8],int32[8],int32)", Fingerprint(a))
}

func TestFromValue(t *testing.T) {
	s, err := FromValue([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "float32[3]", s.String())

	s, err = FromValue(int32(7))
	require.NoError(t, err)
	assert.True(t, s.IsScalar())
	assert.Equal(t, dtypes.Int32, s.DType)

	_, err = FromValue([]string{"a"})
	assert.Error(t, err)
	_, err = FromValue(nil)
	assert.Error(t, err)
}

type flatVectors struct {
	data  []float32
	lanes int
}

func (v flatVectors) FlatValue() any   { return v.data }
func (v flatVectors) VectorLanes() int { return v.lanes }

func TestFromVectorValue(t *testing.T) {
	s, err := FromValue(flatVectors{data: make([]float32, 32), lanes: 4})
	require.NoError(t, err)
	assert.Equal(t, "float32[8x4]", s.String())

	_, err = FromValue(flatVectors{data: make([]float32, 30), lanes: 4})
	assert.Error(t, err)
}
