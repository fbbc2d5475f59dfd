// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Op is the operation of a node.
type Op int

const (
	OpInvalid Op = iota
	OpParameter
	OpConstant
	OpParallelIndex
	OpLength
	OpLoad
	OpStore
	OpConvert
	OpExtract
	OpVector
	OpInvoke
	OpReturn

	// Binary arithmetic.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
	OpPow

	// Unary arithmetic and math intrinsics.
	OpNeg
	OpAbs
	OpSqrt
	OpExp
	OpLog
	OpSin
	OpCos
)

var opNames = [...]string{
	OpInvalid:       "Invalid",
	OpParameter:     "Parameter",
	OpConstant:      "Constant",
	OpParallelIndex: "ParallelIndex",
	OpLength:        "Length",
	OpLoad:          "Load",
	OpStore:         "Store",
	OpConvert:       "Convert",
	OpExtract:       "Extract",
	OpVector:        "Vector",
	OpInvoke:        "Invoke",
	OpReturn:        "Return",
	OpAdd:           "Add",
	OpSub:           "Sub",
	OpMul:           "Mul",
	OpDiv:           "Div",
	OpMin:           "Min",
	OpMax:           "Max",
	OpPow:           "Pow",
	OpNeg:           "Neg",
	OpAbs:           "Abs",
	OpSqrt:          "Sqrt",
	OpExp:           "Exp",
	OpLog:           "Log",
	OpSin:           "Sin",
	OpCos:           "Cos",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// IsBinary returns whether op is a binary arithmetic operation.
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpPow }

// IsUnary returns whether op is a unary arithmetic operation or math intrinsic.
func (op Op) IsUnary() bool { return op >= OpNeg && op <= OpCos }

// IsIntrinsic returns whether op is a math function that devices usually provide as an intrinsic.
func (op Op) IsIntrinsic() bool { return op == OpPow || (op >= OpSqrt && op <= OpCos) }

// SupportedDTypes are the element types supported in routines.
var SupportedDTypes = []dtypes.DType{dtypes.Int32, dtypes.Int64, dtypes.Float32, dtypes.Float64}

// IsSupportedDType returns whether dtype can be used in routines.
func IsSupportedDType(dtype dtypes.DType) bool {
	for _, d := range SupportedDTypes {
		if d == dtype {
			return true
		}
	}
	return false
}

// Value holds a scalar of one of the supported dtypes: integers are kept in an int64 and
// floats in a float64, always normalized (wrapped or rounded) to the dtype they represent.
type Value struct {
	i       int64
	f       float64
	isFloat bool
}

// IntValue returns a Value holding an integer.
func IntValue(i int64) Value { return Value{i: i} }

// FloatValue returns a Value holding a float.
func FloatValue(f float64) Value { return Value{f: f, isFloat: true} }

// ValueOf converts a Go number to a Value of the given dtype.
func ValueOf(dtype dtypes.DType, v any) (Value, error) {
	var val Value
	switch x := v.(type) {
	case int:
		val = IntValue(int64(x))
	case int32:
		val = IntValue(int64(x))
	case int64:
		val = IntValue(x)
	case float32:
		val = FloatValue(float64(x))
	case float64:
		val = FloatValue(x)
	case Value:
		val = x
	default:
		return Value{}, errors.Errorf("unsupported constant type %T", v)
	}
	return Normalize(dtype, val), nil
}

// MarshalBinary implements encoding.BinaryMarshaler, so values can be serialized with encoding/gob.
func (v Value) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 9)
	if v.isFloat {
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.f))
	} else {
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.i))
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (v *Value) UnmarshalBinary(data []byte) error {
	if len(data) != 9 {
		return errors.Errorf("invalid encoded value of %d bytes", len(data))
	}
	bits := binary.LittleEndian.Uint64(data[1:])
	if data[0] == 1 {
		*v = FloatValue(math.Float64frombits(bits))
	} else {
		*v = IntValue(int64(bits))
	}
	return nil
}

// Int returns the value as an int64, truncating floats.
func (v Value) Int() int64 {
	if v.isFloat {
		return int64(v.f)
	}
	return v.i
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

// Format the value as a literal of the given dtype.
func (v Value) Format(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case dtypes.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	default:
		return strconv.FormatInt(v.Int(), 10)
	}
}

// Normalize converts v to the representation of dtype: integers wrap around like the
// corresponding Go types do, and float32 values are rounded.
func Normalize(dtype dtypes.DType, v Value) Value {
	switch dtype {
	case dtypes.Int32:
		return IntValue(int64(int32(v.Int())))
	case dtypes.Int64:
		return IntValue(v.Int())
	case dtypes.Float32:
		return FloatValue(float64(float32(v.Float())))
	case dtypes.Float64:
		return FloatValue(v.Float())
	}
	return v
}

// EvalUnary evaluates a unary operation on a value of the given dtype.
func EvalUnary(op Op, dtype dtypes.DType, x Value) (Value, error) {
	if dtype.IsFloat() {
		f := x.Float()
		var r float64
		switch op {
		case OpNeg:
			r = -f
		case OpAbs:
			r = math.Abs(f)
		case OpSqrt:
			r = math.Sqrt(f)
		case OpExp:
			r = math.Exp(f)
		case OpLog:
			r = math.Log(f)
		case OpSin:
			r = math.Sin(f)
		case OpCos:
			r = math.Cos(f)
		default:
			return Value{}, errors.Errorf("%s is not a unary operation", op)
		}
		return Normalize(dtype, FloatValue(r)), nil
	}
	i := x.Int()
	switch op {
	case OpNeg:
		return Normalize(dtype, IntValue(-i)), nil
	case OpAbs:
		if i < 0 {
			i = -i
		}
		return Normalize(dtype, IntValue(i)), nil
	}
	return Value{}, errors.Errorf("operation %s not defined for %s", op, dtype)
}

// EvalBinary evaluates a binary operation on values of the given dtype.
// Integer division by zero returns an error.
func EvalBinary(op Op, dtype dtypes.DType, x, y Value) (Value, error) {
	if dtype.IsFloat() {
		a, b := x.Float(), y.Float()
		var r float64
		switch op {
		case OpAdd:
			r = a + b
		case OpSub:
			r = a - b
		case OpMul:
			r = a * b
		case OpDiv:
			r = a / b
		case OpMin:
			r = math.Min(a, b)
		case OpMax:
			r = math.Max(a, b)
		case OpPow:
			r = math.Pow(a, b)
		default:
			return Value{}, errors.Errorf("%s is not a binary operation", op)
		}
		return Normalize(dtype, FloatValue(r)), nil
	}
	a, b := x.Int(), y.Int()
	var r int64
	switch op {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	case OpDiv:
		if b == 0 {
			return Value{}, errors.New("integer division by zero")
		}
		r = a / b
	case OpMin:
		r = min(a, b)
	case OpMax:
		r = max(a, b)
	case OpPow:
		return Value{}, errors.Errorf("operation %s not defined for %s", op, dtype)
	default:
		return Value{}, errors.Errorf("%s is not a binary operation", op)
	}
	return Normalize(dtype, IntValue(r)), nil
}

// ConvertValue converts a value from one dtype to another.
func ConvertValue(from, to dtypes.DType, x Value) Value {
	if from.IsFloat() && !to.IsFloat() {
		return Normalize(to, IntValue(int64(x.Float())))
	}
	return Normalize(to, x)
}
