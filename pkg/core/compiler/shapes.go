// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/shapes"
)

// ResolveShapes returns the concrete shapes of the arguments bound to a routine with the given metadata
// and (graph) parameters: arrays have rank 1, vector arrays rank 2 and scalars rank 0.
// Opaque objects (like the receiver) have an opaque shape.
//
// The number of arguments is checked first. Any mismatch of number, kind, dtype or vector width fails with
// an accelerr.ParameterShapeMismatch error.
func ResolveShapes(meta methods.Meta, params []methods.Param, args []any) ([]shapes.Shape, error) {
	if len(args) != meta.NumArgs {
		return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "%d arguments given, but %d expected", len(args), meta.NumArgs)
	}
	if len(params) != meta.NumArgs || len(meta.Kinds) != meta.NumArgs {
		return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "inconsistent routine metadata: %d parameters and %d kinds for %d arguments",
			len(params), len(meta.Kinds), meta.NumArgs)
	}
	result := make([]shapes.Shape, len(args))
	for ii, arg := range args {
		p := params[ii]
		if meta.Kinds[ii] != p.Kind {
			return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d: metadata kind %s doesn't match parameter %s", ii, meta.Kinds[ii], p)
		}
		if p.Kind == methods.KindObject {
			result[ii] = shapes.Opaque()
			continue
		}
		if arg == nil {
			return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d (%s) is nil", ii, p)
		}
		s, err := shapes.FromValue(arg)
		if err != nil {
			return nil, accelerr.Wrapf(accelerr.ParameterShapeMismatch, err, "argument #%d (%s)", ii, p)
		}
		if s.DType != p.DType {
			return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d (%s) has dtype %s", ii, p, s.DType)
		}
		switch p.Kind {
		case methods.KindScalar:
			if !s.IsScalar() {
				return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d (%s) must be a scalar, got %s", ii, p, s)
			}
		case methods.KindArray:
			if s.Rank() != 1 {
				return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d (%s) must be an array, got %s", ii, p, s)
			}
		case methods.KindVector:
			if s.Rank() != 2 || s.Dimensions[1] != p.Lanes {
				return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d (%s) must be an array of %d-lanes vectors, got %s", ii, p, p.Lanes, s)
			}
		default:
			return nil, accelerr.Newf(accelerr.ParameterShapeMismatch, "argument #%d has unsupported kind %s", ii, p.Kind)
		}
		result[ii] = s
	}
	return result, nil
}
