// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vectors implements arrays of fixed-width vectors (like OpenCL's float4 or int8), the
// value type bound to vector parameters of a routine.
//
// The elements are stored flat, vector after vector, so the flat slice can be transferred to a
// device as is.
package vectors

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Number is the constraint of the element types supported in vectors.
type Number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// Array of vectors with Lanes elements each.
type Array[T Number] struct {
	data  []T
	lanes int
}

// New creates an array of numVectors zero vectors, each with the given number of lanes.
func New[T Number](numVectors, lanes int) *Array[T] {
	if lanes <= 0 || numVectors < 0 {
		exceptions.Panicf("vectors.New: invalid number of vectors (%d) or lanes (%d)", numVectors, lanes)
	}
	return &Array[T]{data: make([]T, numVectors*lanes), lanes: lanes}
}

// FromFlat wraps a flat slice as an array of vectors. The slice is not copied.
func FromFlat[T Number](flat []T, lanes int) *Array[T] {
	if lanes <= 0 || len(flat)%lanes != 0 {
		exceptions.Panicf("vectors.FromFlat: %d elements can't be split in vectors of %d lanes", len(flat), lanes)
	}
	return &Array[T]{data: flat, lanes: lanes}
}

// Len returns the number of vectors.
func (a *Array[T]) Len() int { return len(a.data) / a.lanes }

// Lanes returns the number of elements per vector.
func (a *Array[T]) Lanes() int { return a.lanes }

// At returns the vector at index i. It shares the underlying storage.
func (a *Array[T]) At(i int) []T {
	return a.data[i*a.lanes : (i+1)*a.lanes : (i+1)*a.lanes]
}

// Set the vector at index i.
func (a *Array[T]) Set(i int, v ...T) {
	if len(v) != a.lanes {
		exceptions.Panicf("vectors.Set: expected %d lanes, got %d", a.lanes, len(v))
	}
	copy(a.At(i), v)
}

// Flat returns the underlying flat slice.
func (a *Array[T]) Flat() []T { return a.data }

// FlatValue implements shapes.VectorValue.
func (a *Array[T]) FlatValue() any { return a.data }

// VectorLanes implements shapes.VectorValue.
func (a *Array[T]) VectorLanes() int { return a.lanes }

// String implements fmt.Stringer.
func (a *Array[T]) String() string {
	var zero T
	return fmt.Sprintf("vectors.Array[%T](%d x %d)", zero, a.Len(), a.lanes)
}
