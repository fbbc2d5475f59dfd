// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines the device intermediate representation: a Program is the lowered form of a
// routine for one device and one set of argument shapes, ready to be handed to a backend.
//
// Programs are flat lists of scalar instructions: vector operations are already expanded lane by lane,
// math intrinsics are already resolved to the device's names, and small callees are already inlined.
// Each instruction defines one register, numbered by its position in Program.Instrs.
//
// Render produces the OpenCL-C-like source of a Program, used for diagnostics.
package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Reg is the register defined by an instruction: its index in Program.Instrs.
type Reg int

// Instr is one scalar instruction.
//
// Operands of each ir.Op:
//
//   - OpParameter: Param is the index of a scalar parameter.
//   - OpConstant: Const.
//   - OpParallelIndex: none, it's the global id of the work item.
//   - OpLength: Param is the index of an array parameter, Lanes its vector width (1 for flat arrays).
//   - OpLoad: Param, Args[0] is the index, and the element loaded is Args[0]*Lanes+Lane.
//   - OpStore: Param, Args[0] is the index and Args[1] the value, stored at Args[0]*Lanes+Lane.
//   - OpConvert, unary and binary ops: Args. Intrinsic is set to the device name of math intrinsics.
//   - OpInvoke: Callee is the index of the device function in Program.Functions, and Args its arguments.
//   - OpReturn: Args[0] is the returned value.
type Instr struct {
	Op    ir.Op
	DType dtypes.DType
	Args  []Reg

	Param int
	Const ir.Value
	Lane  int
	Lanes int

	Intrinsic string
	Callee    int
}

// Program is the device intermediate representation of a kernel, or of a device function.
type Program struct {
	// Name of the kernel or function in the generated source.
	Name string

	// Params are the parameters of the routine, including the receiver of instance methods,
	// and Shapes the concrete shapes they were lowered for (empty for device functions).
	Params []methods.Param
	Shapes []shapes.Shape

	Instrs []Instr

	// Parallel is true for kernels with a parallel loop: they are launched with GlobalSize work items.
	Parallel bool

	// GlobalSize is the number of work items, if known at compile time, otherwise GlobalSizeParam is
	// the index of the scalar parameter that holds it.
	GlobalSize      int
	GlobalSizeParam int

	// TileSize is the number of work items per work-group.
	TileSize int

	// Result is the dtype returned by device functions, or dtypes.InvalidDType for kernels.
	Result dtypes.DType

	// Functions are the device functions (non-inlined callees) used by the kernel, referred
	// to by index by OpInvoke instructions. Only set in the top-level program.
	Functions []*Program
}

// NumRegs returns the number of registers used by the program.
func (p *Program) NumRegs() int { return len(p.Instrs) }

// Validate checks that the program is well-formed: registers are defined before use, parameters
// and callees exist, and the loop bound is defined.
func (p *Program) Validate() error {
	return p.validate(p.Functions)
}

func (p *Program) validate(functions []*Program) error {
	for ii, instr := range p.Instrs {
		for _, arg := range instr.Args {
			if arg < 0 || int(arg) >= ii {
				return errors.Errorf("%s: instruction #%d (%s) uses undefined register r%d", p.Name, ii, instr.Op, arg)
			}
		}
		switch instr.Op {
		case ir.OpParameter, ir.OpLength, ir.OpLoad, ir.OpStore:
			if instr.Param < 0 || instr.Param >= len(p.Params) {
				return errors.Errorf("%s: instruction #%d (%s) uses invalid parameter %d", p.Name, ii, instr.Op, instr.Param)
			}
		case ir.OpInvoke:
			if instr.Callee < 0 || instr.Callee >= len(functions) {
				return errors.Errorf("%s: instruction #%d invokes invalid function %d", p.Name, ii, instr.Callee)
			}
		}
		if (instr.Op == ir.OpLoad || instr.Op == ir.OpStore) && (instr.Lane < 0 || instr.Lane >= max(instr.Lanes, 1)) {
			return errors.Errorf("%s: instruction #%d (%s) accesses lane %d of %d", p.Name, ii, instr.Op, instr.Lane, instr.Lanes)
		}
	}
	if p.Parallel && p.GlobalSize < 0 {
		if p.GlobalSizeParam < 0 || p.GlobalSizeParam >= len(p.Params) || p.Params[p.GlobalSizeParam].Kind != methods.KindScalar {
			return errors.Errorf("%s: global size is not defined", p.Name)
		}
	}
	for _, fn := range p.Functions {
		if err := fn.validate(functions); err != nil {
			return err
		}
	}
	return nil
}

// Fingerprint returns a hash of the program contents: two programs with the same fingerprint
// generate the same code.
func (p *Program) Fingerprint() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d/%d/%d/%d\n", p.GlobalSize, p.GlobalSizeParam, p.TileSize, len(p.Shapes))
	for _, s := range p.Shapes {
		_, _ = fmt.Fprintln(h, s)
	}
	_, _ = h.Write([]byte(Render(p)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
