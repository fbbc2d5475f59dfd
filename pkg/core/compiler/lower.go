// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"slices"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/accel/pkg/core/sketch"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultInlineThreshold is the maximum number of nodes of a callee sketch for it to be inlined.
const DefaultInlineThreshold = 16

// LookupFn returns the sketch of a routine invoked by the one being lowered.
type LookupFn func(handle methods.Handle) (*sketch.Sketch, error)

// LowerOptions configure the device lowering.
type LowerOptions struct {
	// InlineThreshold is the maximum number of nodes of a callee to be inlined. Larger callees are emitted as
	// device functions. If negative nothing is inlined.
	InlineThreshold int

	// Lookup is used to find the sketches of invoked routines. Required if the routine invokes any.
	Lookup LookupFn
}

// Lower the sketch to a device program, for the given concrete argument shapes and device.
//
// The lowering:
//
//   - Expands vector operations lane by lane.
//   - Resolves the size of the parallel loop (the global size) and its tiling: the tile is the largest
//     work-group supported by the device, up to the global size.
//   - Substitutes math intrinsics by the device's names (e.g. "native_sqrt" on GPUs).
//   - Inlines small callees, and emits the others as device functions.
//
// Recursive calls are not supported by devices and fail. All errors are accelerr.CompilationInternal.
func Lower(sk *sketch.Sketch, argShapes []shapes.Shape, device backends.DeviceDescriptor, opts LowerOptions) (program *kernel.Program, err error) {
	l := &lowerer{
		device:      device,
		opts:        opts,
		functionIdx: make(map[methods.Handle]int),
		names:       make(map[string]int),
	}
	exception := exceptions.Try(func() {
		program = l.lowerKernel(sk, argShapes)
	})
	if exception != nil {
		err, ok := exception.(error)
		if !ok {
			err = errors.Errorf("%v", exception)
		}
		return nil, accelerr.Wrapf(accelerr.CompilationInternal, err, "failed to lower %s for device %s", sk.Handle(), device)
	}
	return program, nil
}

// lowerer holds the state of the lowering of one kernel.
type lowerer struct {
	device backends.DeviceDescriptor
	opts   LowerOptions

	functions   []*kernel.Program
	functionIdx map[methods.Handle]int
	names       map[string]int

	// stack of routines being lowered, to detect recursion.
	stack []methods.Handle
}

// emitter appends instructions to one program.
type emitter struct {
	p *kernel.Program
}

func (e *emitter) emit(instr kernel.Instr) kernel.Reg {
	e.p.Instrs = append(e.p.Instrs, instr)
	return kernel.Reg(len(e.p.Instrs) - 1)
}

// uniqueName returns a C identifier for the routine, distinct from the ones already used in this kernel.
func (l *lowerer) uniqueName(handle methods.Handle) string {
	name := kernel.Identifier(handle.ShortName())
	count := l.names[name]
	l.names[name] = count + 1
	if count > 0 {
		name = fmt.Sprintf("%s_%d", name, count)
	}
	return name
}

func (l *lowerer) push(handle methods.Handle) {
	if slices.Contains(l.stack, handle) {
		exceptions.Panicf("recursive call to %s (call stack %v): recursion is not supported on devices", handle, l.stack)
	}
	l.stack = append(l.stack, handle)
}

func (l *lowerer) pop() {
	l.stack = l.stack[:len(l.stack)-1]
}

func (l *lowerer) lowerKernel(sk *sketch.Sketch, argShapes []shapes.Shape) *kernel.Program {
	g := sk.Graph
	if len(argShapes) != len(g.Params()) {
		exceptions.Panicf("%d shapes given for %d parameters", len(argShapes), len(g.Params()))
	}
	p := &kernel.Program{
		Name:            l.uniqueName(sk.Handle()),
		Params:          g.Params(),
		Shapes:          argShapes,
		GlobalSize:      1,
		GlobalSizeParam: -1,
		TileSize:        1,
		Result:          dtypes.InvalidDType,
	}
	l.push(sk.Handle())
	l.lowerGraph(&emitter{p: p}, g, argShapes, nil)
	l.pop()
	if p.Parallel {
		if p.GlobalSize >= 0 {
			p.TileSize = max(min(l.device.MaxWorkGroupSize, p.GlobalSize), 1)
		} else {
			p.TileSize = max(l.device.MaxWorkGroupSize, 1)
		}
	}
	p.Functions = l.functions
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// lowerGraph emits the instructions of g into e.
//
// If inlined is nil, g is the kernel or a device function, and its scalar parameters are read with OpParameter.
// Otherwise g is being inlined and inlined[i] holds the register with the value of parameter i. It returns the
// register holding the returned value of inlined routines.
func (l *lowerer) lowerGraph(e *emitter, g *ir.Graph, argShapes []shapes.Shape, inlined []kernel.Reg) (returned kernel.Reg) {
	returned = -1
	nodeRegs := make([][]kernel.Reg, g.NumNodes())
	regsOf := func(n *ir.Node) []kernel.Reg {
		regs := nodeRegs[n.Id()]
		if len(regs) == 0 {
			exceptions.Panicf("node %s used before being lowered", n)
		}
		return regs
	}
	for _, n := range g.Nodes() {
		inputs := n.Inputs()
		var regs []kernel.Reg
		switch op := n.Op(); {
		case op == ir.OpParameter:
			param := g.Params()[n.ParamIndex()]
			switch param.Kind {
			case methods.KindScalar:
				if inlined != nil {
					regs = []kernel.Reg{inlined[n.ParamIndex()]}
				} else {
					regs = []kernel.Reg{e.emit(kernel.Instr{Op: ir.OpParameter, DType: param.DType, Param: n.ParamIndex()})}
				}
			case methods.KindArray, methods.KindVector, methods.KindObject:
				// Referenced directly by the instructions that use them.
			default:
				exceptions.Panicf("parameter %s has invalid kind", param)
			}

		case op == ir.OpConstant:
			regs = []kernel.Reg{e.emit(kernel.Instr{Op: ir.OpConstant, DType: n.DType(), Const: n.ConstValue()})}

		case op == ir.OpParallelIndex:
			l.lowerParallelLoop(e.p, inputs[0], argShapes)
			regs = []kernel.Reg{e.emit(kernel.Instr{Op: ir.OpParallelIndex, DType: dtypes.Int32})}

		case op == ir.OpLength:
			length := arrayLength(inputs[0], argShapes)
			regs = []kernel.Reg{e.emit(kernel.Instr{Op: ir.OpConstant, DType: dtypes.Int32, Const: ir.IntValue(int64(length))})}

		case op == ir.OpLoad:
			arr, idx := inputs[0], regsOf(inputs[1])[0]
			lanes := arr.Lanes()
			regs = make([]kernel.Reg, lanes)
			for lane := range lanes {
				regs[lane] = e.emit(kernel.Instr{Op: ir.OpLoad, DType: n.DType(), Args: []kernel.Reg{idx},
					Param: arr.ParamIndex(), Lane: lane, Lanes: lanes})
			}

		case op == ir.OpStore:
			arr, idx, values := inputs[0], regsOf(inputs[1])[0], regsOf(inputs[2])
			lanes := arr.Lanes()
			for lane := range lanes {
				e.emit(kernel.Instr{Op: ir.OpStore, DType: n.DType(), Args: []kernel.Reg{idx, laneReg(values, lane)},
					Param: arr.ParamIndex(), Lane: lane, Lanes: lanes})
			}

		case op == ir.OpConvert:
			x := regsOf(inputs[0])
			regs = make([]kernel.Reg, n.Lanes())
			for lane := range regs {
				regs[lane] = e.emit(kernel.Instr{Op: ir.OpConvert, DType: n.DType(), Args: []kernel.Reg{laneReg(x, lane)}})
			}

		case op == ir.OpExtract:
			regs = []kernel.Reg{regsOf(inputs[0])[n.LaneIndex()]}

		case op == ir.OpVector:
			regs = make([]kernel.Reg, len(inputs))
			for lane, input := range inputs {
				regs[lane] = regsOf(input)[0]
			}

		case op.IsBinary():
			x, y := regsOf(inputs[0]), regsOf(inputs[1])
			regs = make([]kernel.Reg, n.Lanes())
			for lane := range regs {
				regs[lane] = e.emit(kernel.Instr{Op: op, DType: n.DType(), Args: []kernel.Reg{laneReg(x, lane), laneReg(y, lane)},
					Intrinsic: Intrinsic(op, n.DType(), l.device.Type)})
			}

		case op.IsUnary():
			x := regsOf(inputs[0])
			regs = make([]kernel.Reg, n.Lanes())
			for lane := range regs {
				regs[lane] = e.emit(kernel.Instr{Op: op, DType: n.DType(), Args: []kernel.Reg{laneReg(x, lane)},
					Intrinsic: Intrinsic(op, n.DType(), l.device.Type)})
			}

		case op == ir.OpInvoke:
			regs = l.lowerInvoke(e, n, regsOf)

		case op == ir.OpReturn:
			value := regsOf(inputs[0])[0]
			switch {
			case inlined != nil:
				returned = value
			case e.p.Result != dtypes.InvalidDType:
				e.emit(kernel.Instr{Op: ir.OpReturn, DType: n.DType(), Args: []kernel.Reg{value}})
			default:
				// The value returned by a kernel is discarded.
			}

		default:
			exceptions.Panicf("can't lower node %s", n)
		}
		nodeRegs[n.Id()] = regs
	}
	if inlined != nil && returned < 0 {
		exceptions.Panicf("inlined routine %s doesn't return a value", g.Handle())
	}
	return returned
}

// laneReg returns the register of the given lane: scalars are broadcast to all lanes.
func laneReg(regs []kernel.Reg, lane int) kernel.Reg {
	if len(regs) == 1 {
		return regs[0]
	}
	return regs[lane]
}

// arrayLength returns the number of elements (or vectors) of the array parameter arr.
func arrayLength(arr *ir.Node, argShapes []shapes.Shape) int {
	idx := arr.ParamIndex()
	if argShapes == nil || idx >= len(argShapes) {
		exceptions.Panicf("length of %s is not known in this context", arr)
	}
	s := argShapes[idx]
	if s.Rank() == 0 {
		exceptions.Panicf("length of %s: shape %s is not an array", arr, s)
	}
	return s.Dimensions[0]
}

// lowerParallelLoop sets the global size of p, from the bound of the parallel loop.
// The bound must be known at compile time, or be a scalar parameter of the kernel.
func (l *lowerer) lowerParallelLoop(p *kernel.Program, bound *ir.Node, argShapes []shapes.Shape) {
	if p.Result != dtypes.InvalidDType {
		exceptions.Panicf("device function %s can't have a parallel loop", p.Name)
	}
	p.Parallel = true
	switch bound.Op() {
	case ir.OpConstant:
		p.GlobalSize = int(bound.ConstValue().Int())
		p.GlobalSizeParam = -1
	case ir.OpLength:
		p.GlobalSize = arrayLength(bound.Inputs()[0], argShapes)
		p.GlobalSizeParam = -1
	case ir.OpParameter:
		p.GlobalSize = -1
		p.GlobalSizeParam = bound.ParamIndex()
	default:
		exceptions.Panicf("bound of the parallel loop (%s) must be a constant, the length of an array or a scalar parameter", bound)
	}
	if p.GlobalSize < -1 {
		exceptions.Panicf("negative parallel loop bound %d", p.GlobalSize)
	}
}

// lowerInvoke inlines the callee (lane by lane for vector arguments), or calls it as a device function.
func (l *lowerer) lowerInvoke(e *emitter, n *ir.Node, regsOf func(*ir.Node) []kernel.Reg) []kernel.Reg {
	callee := n.Callee()
	if slices.Contains(l.stack, callee) {
		exceptions.Panicf("recursive call to %s (call stack %v): recursion is not supported on devices", callee, l.stack)
	}
	if l.opts.Lookup == nil {
		exceptions.Panicf("%s invokes %s, but no sketch lookup was configured", n.Graph().Handle(), callee)
	}
	sk, err := l.opts.Lookup(callee)
	if err != nil {
		panic(errors.WithMessagef(err, "%s invokes %s", n.Graph().Handle(), callee))
	}
	params := sk.Graph.Params()
	if len(params) != len(n.Inputs()) {
		exceptions.Panicf("%s invoked with %d arguments, it takes %d", callee, len(n.Inputs()), len(params))
	}
	for ii, param := range params {
		if param.Kind != methods.KindScalar {
			exceptions.Panicf("%s: only scalar parameters are supported by invoked routines, got %s", callee, param)
		}
		if arg := n.Inputs()[ii]; arg.DType() != param.DType {
			exceptions.Panicf("%s: argument #%d has dtype %s, parameter %s expected", callee, ii, arg.DType(), param)
		}
	}
	if sk.Method.Result != n.DType() || sk.Graph.Returned() == nil {
		exceptions.Panicf("%s returns %s, but it is invoked expecting %s", callee, sk.Method.Result, n.DType())
	}

	inline := l.opts.InlineThreshold >= 0 && sk.NumNodes() <= l.opts.InlineThreshold
	fnIdx := -1
	if !inline {
		fnIdx = l.function(sk)
	}
	regs := make([]kernel.Reg, n.Lanes())
	for lane := range regs {
		args := make([]kernel.Reg, len(n.Inputs()))
		for ii, input := range n.Inputs() {
			args[ii] = laneReg(regsOf(input), lane)
		}
		if inline {
			l.push(callee)
			regs[lane] = l.lowerGraph(e, sk.Graph, nil, args)
			l.pop()
		} else {
			regs[lane] = e.emit(kernel.Instr{Op: ir.OpInvoke, DType: n.DType(), Args: args, Callee: fnIdx})
		}
	}
	return regs
}

// function returns the index of the device function for the sketch, lowering it on first use.
func (l *lowerer) function(sk *sketch.Sketch) int {
	if idx, found := l.functionIdx[sk.Handle()]; found {
		return idx
	}
	fn := &kernel.Program{
		Name:            l.uniqueName(sk.Handle()),
		Params:          sk.Graph.Params(),
		GlobalSize:      -1,
		GlobalSizeParam: -1,
		Result:          sk.Method.Result,
	}
	l.push(sk.Handle())
	l.lowerGraph(&emitter{p: fn}, sk.Graph, nil, nil)
	l.pop()
	l.functions = append(l.functions, fn)
	idx := len(l.functions) - 1
	l.functionIdx[sk.Handle()] = idx
	return idx
}

// Intrinsic returns the device name of the math function implementing op, or "" if op is an operator.
func Intrinsic(op ir.Op, dtype dtypes.DType, deviceType backends.DeviceType) string {
	isFloat := dtype.IsFloat()
	switch op {
	case ir.OpMin:
		if isFloat {
			return "fmin"
		}
		return "min"
	case ir.OpMax:
		if isFloat {
			return "fmax"
		}
		return "max"
	case ir.OpAbs:
		if isFloat {
			return "fabs"
		}
		return "abs"
	case ir.OpPow:
		return "pow"
	case ir.OpSqrt, ir.OpExp, ir.OpLog, ir.OpSin, ir.OpCos:
		name := map[ir.Op]string{ir.OpSqrt: "sqrt", ir.OpExp: "exp", ir.OpLog: "log", ir.OpSin: "sin", ir.OpCos: "cos"}[op]
		if deviceType != backends.CPU && dtype == dtypes.Float32 {
			return "native_" + name
		}
		return name
	}
	return ""
}
