// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package methods defines the identity of compilable routines (Handle) and the metadata
// of their parameters.
//
// The kinds of parameters form a closed set (see Kind): every consumer is expected to handle
// all of them explicitly, and to reject KindInvalid with a typed error.
package methods

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kind of parameter.
type Kind int

const (
	// KindInvalid is the zero value, never valid.
	KindInvalid Kind = iota

	// KindScalar is a number passed by value.
	KindScalar

	// KindArray is a flat array, passed by reference: it lives on the device and can be transferred.
	KindArray

	// KindVector is an array of fixed-width vectors (e.g.: float4), passed by reference.
	KindVector

	// KindObject is an opaque host object (e.g.: the receiver of an instance method).
	// It's never transferred to the device.
	KindObject
)

// AllKinds lists the valid kinds.
var AllKinds = []Kind{KindScalar, KindArray, KindVector, KindObject}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArray:
		return "array"
	case KindVector:
		return "vector"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// ParseKind converts the name of a kind (as returned by Kind.String) back to a Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range AllKinds {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return KindInvalid, errors.Errorf("unknown parameter kind %q", name)
}

// IsReference returns whether values of this kind are passed by reference, and hence are
// allocated on the device and can be subject to data transfers.
func (k Kind) IsReference() bool {
	return k == KindArray || k == KindVector
}

// Param describes one parameter of a routine.
type Param struct {
	Name  string
	Kind  Kind
	DType dtypes.DType

	// Lanes is the number of elements of each vector, only used for KindVector.
	Lanes int
}

// Scalar returns a scalar parameter description.
func Scalar(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: KindScalar, DType: dtype}
}

// Array returns an array parameter description.
func Array(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: KindArray, DType: dtype}
}

// Vector returns a vector-array parameter description: each element has the given number of lanes.
func Vector(name string, dtype dtypes.DType, lanes int) Param {
	return Param{Name: name, Kind: KindVector, DType: dtype, Lanes: lanes}
}

// Receiver returns the description of the implicit receiver of instance methods.
func Receiver() Param {
	return Param{Name: "this", Kind: KindObject}
}

// TypeName returns the type of the parameter as it shows in a signature. E.g.: "int32[]", "float32x4[]", "float64".
func (p Param) TypeName() string {
	dtype := strings.ToLower(p.DType.String())
	switch p.Kind {
	case KindScalar:
		return dtype
	case KindArray:
		return dtype + "[]"
	case KindVector:
		return fmt.Sprintf("%sx%d[]", dtype, p.Lanes)
	case KindObject:
		return "object"
	default:
		return p.Kind.String()
	}
}

// String implements fmt.Stringer.
func (p Param) String() string {
	return p.TypeName() + " " + p.Name
}

// Validate checks the parameter description is consistent.
func (p Param) Validate() error {
	switch p.Kind {
	case KindScalar, KindArray:
		if p.DType == dtypes.InvalidDType {
			return errors.Errorf("parameter %q of kind %s has no dtype", p.Name, p.Kind)
		}
	case KindVector:
		if p.DType == dtypes.InvalidDType {
			return errors.Errorf("parameter %q of kind %s has no dtype", p.Name, p.Kind)
		}
		if p.Lanes < 2 {
			return errors.Errorf("vector parameter %q must have at least 2 lanes, got %d", p.Name, p.Lanes)
		}
	case KindObject:
	default:
		return errors.Errorf("parameter %q has invalid kind %s", p.Name, p.Kind)
	}
	return nil
}

// Handle is the identity of a compilable routine: its fully-qualified name and its parameters
// type signature. It is immutable and comparable, so it can be used as a map key.
type Handle struct {
	Name      string
	Signature string
}

// NewHandle creates the handle for the routine with the given name and parameters.
func NewHandle(name string, params []Param) Handle {
	return Handle{Name: name, Signature: Signature(params)}
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return h.Name + h.Signature
}

// ShortName is the last component of the dot-separated name.
func (h Handle) ShortName() string {
	if idx := strings.LastIndex(h.Name, "."); idx >= 0 {
		return h.Name[idx+1:]
	}
	return h.Name
}

// Signature returns the type signature of the parameters list, e.g.: "(int32[],int32[],int32)".
// The receiver of instance methods is not part of the signature.
func Signature(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.Kind == KindObject {
			continue
		}
		parts = append(parts, p.TypeName())
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Meta is the per-argument metadata extracted for a routine when its sketch is built.
type Meta struct {
	// NumArgs is the number of arguments expected by the routine, including the receiver
	// for instance (non-static) methods.
	NumArgs int

	// Kinds of each argument, in order. For instance methods Kinds[0] is KindObject.
	Kinds []Kind

	// Static is false for instance methods.
	Static bool
}

// MakeMeta creates the Meta for a routine with the given declared parameters.
// For instance methods (static=false) the receiver is prepended.
func MakeMeta(params []Param, static bool) Meta {
	m := Meta{Static: static}
	if !static {
		m.Kinds = append(m.Kinds, KindObject)
	}
	for _, p := range params {
		m.Kinds = append(m.Kinds, p.Kind)
	}
	m.NumArgs = len(m.Kinds)
	return m
}
