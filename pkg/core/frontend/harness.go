// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"strings"

	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/vectors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// DefaultLength of the arrays created when a parameter file doesn't specify one.
const DefaultLength = 128

// Object is the host value bound to opaque parameters, like the receiver of instance methods.
// It's never transferred to a device.
type Object struct {
	Name string
}

// Harness materializes concrete arguments for a routine, from a ParameterFile or with default values.
//
// In strict mode (the default, see NewHarness) any argument that can't be materialized is an error.
// In non-strict mode arguments of an unknown kind or dtype are materialized as nil (and a warning is
// logged), which will usually make the compilation fail later: only use it for exploratory runs.
type Harness struct {
	Strict bool
}

// NewHarness returns a strict Harness.
func NewHarness() *Harness {
	return &Harness{Strict: true}
}

// Materialize the arguments described by the parameter file for method m. The returned
// list includes the receiver for instance methods.
//
// The number of arguments is checked before anything else: a mismatch fails with an
// accelerr.ParameterShapeMismatch error.
func (h *Harness) Materialize(m *Method, pf *ParameterFile) ([]any, error) {
	if len(pf.Arguments) != len(m.Params) {
		return nil, accelerr.Newf(accelerr.ParameterShapeMismatch,
			"parameter file declares %d arguments, but %s expects %d", len(pf.Arguments), m.Handle, len(m.Params))
	}
	args := make([]any, 0, len(m.Params)+1)
	if !m.Static {
		args = append(args, &Object{Name: m.Name()})
	}
	for ii, spec := range pf.Arguments {
		p := m.Params[ii]
		arg, err := h.materializeArgument(p, spec)
		if err != nil {
			return nil, accelerr.Wrapf(accelerr.KindOf(err), err, "argument #%d (%s) of %s", ii, p, m.Handle)
		}
		args = append(args, arg)
	}
	return args, nil
}

func (h *Harness) materializeArgument(p methods.Param, spec ArgumentSpec) (any, error) {
	kind, err := methods.ParseKind(spec.Kind)
	if err != nil {
		if h.Strict {
			return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "cannot materialize argument")
		}
		klog.Warningf("Unknown kind %q for parameter %s: using nil (non-strict mode)", spec.Kind, p)
		return nil, nil
	}
	if kind != p.Kind {
		return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "parameter file gives a %s, expected %s", kind, p.Kind)
	}
	if kind == methods.KindObject {
		return &Object{Name: spec.Name}, nil
	}
	dtype := p.DType
	if spec.DType != "" {
		dtype, err = parseDType(spec.DType)
		if err != nil {
			if h.Strict {
				return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "unknown dtype %q", spec.DType)
			}
			klog.Warningf("Unknown dtype %q for parameter %s: using nil (non-strict mode)", spec.DType, p)
			return nil, nil
		}
		if dtype != p.DType {
			return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "parameter file gives dtype %s, expected %s", dtype, p.DType)
		}
	}
	lanes := p.Lanes
	if spec.Lanes != 0 && spec.Lanes != p.Lanes && kind == methods.KindVector {
		return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "parameter file gives %d lanes, expected %d", spec.Lanes, p.Lanes)
	}
	length := spec.Length
	if length == 0 {
		length = DefaultLength
	}
	return NewArgument(kind, dtype, length, lanes, spec.Value)
}

// DefaultArguments creates zero-valued arguments for method m: arrays (and vector arrays) with
// the given length, and scalars with value 0. The returned list includes the receiver for
// instance methods.
func DefaultArguments(m *Method, length int) ([]any, error) {
	args := make([]any, 0, len(m.Params)+1)
	if !m.Static {
		args = append(args, &Object{Name: m.Name()})
	}
	for _, p := range m.Params {
		arg, err := NewArgument(p.Kind, p.DType, length, p.Lanes, 0)
		if err != nil {
			return nil, accelerr.Wrapf(accelerr.KindOf(err), err, "parameter %s of %s", p, m.Handle)
		}
		args = append(args, arg)
	}
	return args, nil
}

// NewArgument creates a host value for a parameter of the given kind and dtype: a Go scalar, a slice with
// length elements or a *vectors.Array with length vectors of the given lanes, set to value.
//
// It fails with an accelerr.ParameterFile error for unsupported kinds or dtypes.
func NewArgument(kind methods.Kind, dtype dtypes.DType, length, lanes int, value float64) (any, error) {
	switch kind {
	case methods.KindScalar:
		switch dtype {
		case dtypes.Int32:
			return int32(value), nil
		case dtypes.Int64:
			return int64(value), nil
		case dtypes.Float32:
			return float32(value), nil
		case dtypes.Float64:
			return value, nil
		}
	case methods.KindArray:
		switch dtype {
		case dtypes.Int32:
			return filled[int32](length, value), nil
		case dtypes.Int64:
			return filled[int64](length, value), nil
		case dtypes.Float32:
			return filled[float32](length, value), nil
		case dtypes.Float64:
			return filled[float64](length, value), nil
		}
	case methods.KindVector:
		if lanes < 2 {
			return nil, accelerr.Newf(accelerr.ParameterFile, "vector arguments need at least 2 lanes, got %d", lanes)
		}
		switch dtype {
		case dtypes.Int32:
			return vectors.FromFlat(filled[int32](length*lanes, value), lanes), nil
		case dtypes.Int64:
			return vectors.FromFlat(filled[int64](length*lanes, value), lanes), nil
		case dtypes.Float32:
			return vectors.FromFlat(filled[float32](length*lanes, value), lanes), nil
		case dtypes.Float64:
			return vectors.FromFlat(filled[float64](length*lanes, value), lanes), nil
		}
	case methods.KindObject:
		return &Object{}, nil
	default:
		return nil, accelerr.Newf(accelerr.ParameterFile, "unsupported parameter kind %s", kind)
	}
	return nil, accelerr.Newf(accelerr.ParameterFile, "unsupported dtype %s for a %s parameter", dtype, kind)
}

// parseDType accepts the dtype names of the supported dtypes, in any case.
func parseDType(name string) (dtypes.DType, error) {
	for _, dtype := range []dtypes.DType{dtypes.Int32, dtypes.Int64, dtypes.Float32, dtypes.Float64} {
		if strings.EqualFold(name, dtype.String()) {
			return dtype, nil
		}
	}
	return dtypes.DTypeString(name)
}

func filled[T vectors.Number](length int, value float64) []T {
	s := make([]T, length)
	if value != 0 {
		v := T(value)
		for ii := range s {
			s[ii] = v
		}
	}
	return s
}
