// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes describes the concrete shape of the arguments bound to a task: their
// element data type (from github.com/gomlx/gopjrt/dtypes) and their dimensions.
//
// Arrays have rank 1 (their length), vector-typed arrays have rank 2 (number of vectors and lanes),
// and scalars have rank 0. Opaque values (like the receiver of an instance method) have an invalid dtype
// and no dimensions.
//
// The list of shapes of a task's arguments is summarized by Fingerprint, and that is what compiled artifacts
// are keyed on.
package shapes

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a concrete argument.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns the shape of a scalar of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Opaque returns the shape of a value that is never transferred to the device.
func Opaque() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// IsOpaque returns whether the shape is of an opaque value.
func (s Shape) IsOpaque() bool { return s.DType == dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is of a (non-opaque) scalar.
func (s Shape) IsScalar() bool { return !s.IsOpaque() && s.Rank() == 0 }

// Size returns the number of elements of DType needed for this shape.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used by a value of this shape.
func (s Shape) Memory() uintptr {
	if s.IsOpaque() {
		return 0
	}
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements fmt.Stringer. E.g.: "int32[1024]", "float32[256x4]", "float64" or "opaque".
func (s Shape) String() string {
	if s.IsOpaque() {
		return "opaque"
	}
	name := strings.ToLower(s.DType.String())
	if s.Rank() == 0 {
		return name
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("%s[%s]", name, strings.Join(parts, "x"))
}

// Fingerprint returns a canonical string for the list of shapes: two lists of shapes have
// the same fingerprint if and only if they are equal.
func Fingerprint(shapes []Shape) string {
	parts := make([]string, len(shapes))
	for ii, s := range shapes {
		parts[ii] = s.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// VectorValue is implemented by arrays of fixed-width vectors (see package vectors).
// They are stored flat, and have rank 2: number of vectors and lanes.
type VectorValue interface {
	// FlatValue returns the underlying flat slice, with NumVectors*VectorLanes elements.
	FlatValue() any

	// VectorLanes is the number of elements of each vector.
	VectorLanes() int
}

// FromValue returns the shape of a concrete value: slices of supported types are arrays
// (rank 1), VectorValue are vector arrays (rank 2) and supported Go numeric types are scalars.
func FromValue(value any) (Shape, error) {
	if value == nil {
		return Shape{}, errors.New("cannot take the shape of a nil value")
	}
	if vv, ok := value.(VectorValue); ok {
		flat, err := FromValue(vv.FlatValue())
		if err != nil {
			return Shape{}, err
		}
		lanes := vv.VectorLanes()
		if flat.Rank() != 1 || lanes <= 0 || flat.Dimensions[0]%lanes != 0 {
			return Shape{}, errors.Errorf("invalid vector array of %s with %d lanes", flat, lanes)
		}
		return Make(flat.DType, flat.Dimensions[0]/lanes, lanes), nil
	}
	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Slice {
		dtype := dtypes.FromGoType(t.Elem())
		if dtype == dtypes.InvalidDType {
			return Shape{}, errors.Errorf("unsupported slice element type %s", t.Elem())
		}
		return Make(dtype, reflect.ValueOf(value).Len()), nil
	}
	dtype := dtypes.FromGoType(t)
	if dtype == dtypes.InvalidDType {
		return Shape{}, errors.Errorf("unsupported value type %s", t)
	}
	return Scalar(dtype), nil
}
