// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// MaxCallDepth is the maximum nesting of device function calls.
const MaxCallDepth = 64

func isSupported(dtype dtypes.DType) bool {
	return ir.IsSupportedDType(dtype)
}

// launchEnv holds the arguments bound to a launch.
type launchEnv struct {
	program   *kernel.Program
	scalars   []ir.Value
	arrays    []*Buffer
	functions []*kernel.Program
}

// Launch implements backends.Backend: it runs every work item of the kernel, one work-group (tile)
// per goroutine, up to the backend's parallelism.
func (b *Backend) Launch(device backends.DeviceDescriptor, binary backends.Binary, args []any) error {
	if !b.DeviceAvailable(device) {
		return errors.Errorf("simplego: device %s not available", device)
	}
	p, err := b.program(binary)
	if err != nil {
		return err
	}
	env, err := b.bind(device, p, args)
	if err != nil {
		return err
	}

	globalSize := 1
	if p.Parallel {
		if p.GlobalSize >= 0 {
			globalSize = p.GlobalSize
		} else {
			globalSize = int(env.scalars[p.GlobalSizeParam].Int())
		}
	}
	if globalSize <= 0 {
		return nil
	}
	tileSize := max(p.TileSize, 1)
	numTiles := (globalSize + tileSize - 1) / tileSize

	var g errgroup.Group
	g.SetLimit(max(b.parallelism, 1))
	for tile := range numTiles {
		g.Go(func() error {
			regs := make([]ir.Value, len(p.Instrs))
			end := min((tile+1)*tileSize, globalSize)
			for gid := tile * tileSize; gid < end; gid++ {
				if _, err := env.run(p, gid, nil, regs, 0); err != nil {
					return errors.WithMessagef(err, "simplego: %s work item %d", p.Name, gid)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// bind the launch arguments to the program parameters.
func (b *Backend) bind(device backends.DeviceDescriptor, p *kernel.Program, args []any) (*launchEnv, error) {
	if len(args) != len(p.Params) {
		return nil, errors.Errorf("simplego: %s takes %d arguments, %d given", p.Name, len(p.Params), len(args))
	}
	env := &launchEnv{
		program:   p,
		scalars:   make([]ir.Value, len(args)),
		arrays:    make([]*Buffer, len(args)),
		functions: p.Functions,
	}
	for ii, param := range p.Params {
		switch param.Kind {
		case methods.KindScalar:
			v, err := ir.ValueOf(param.DType, args[ii])
			if err != nil {
				return nil, errors.WithMessagef(err, "simplego: argument #%d (%s)", ii, param)
			}
			env.scalars[ii] = v
		case methods.KindArray, methods.KindVector:
			buf, err := b.castBuffer(args[ii])
			if err != nil {
				return nil, errors.WithMessagef(err, "simplego: argument #%d (%s)", ii, param)
			}
			if buf.device != device {
				return nil, errors.Errorf("simplego: argument #%d (%s) is allocated on device %s, not %s", ii, param, buf.device, device)
			}
			if buf.shape.DType != param.DType {
				return nil, errors.Errorf("simplego: argument #%d (%s) has dtype %s", ii, param, buf.shape.DType)
			}
			env.arrays[ii] = buf
		case methods.KindObject:
			// Never reaches the device.
		default:
			return nil, errors.Errorf("simplego: argument #%d has invalid kind %s", ii, param.Kind)
		}
	}
	return env, nil
}

// run one work item (or one call of a device function, with the given args) of program p.
func (env *launchEnv) run(p *kernel.Program, gid int, args []ir.Value, regs []ir.Value, depth int) (ir.Value, error) {
	if depth > MaxCallDepth {
		return ir.Value{}, errors.Errorf("maximum call depth %d exceeded", MaxCallDepth)
	}
	for ii, instr := range p.Instrs {
		var (
			v   ir.Value
			err error
		)
		switch op := instr.Op; {
		case op == ir.OpParameter:
			if depth == 0 {
				v = env.scalars[instr.Param]
			} else {
				v = args[instr.Param]
			}
		case op == ir.OpConstant:
			v = instr.Const
		case op == ir.OpParallelIndex:
			v = ir.IntValue(int64(gid))
		case op == ir.OpLength:
			buf := env.arrays[instr.Param]
			v = ir.IntValue(int64(buf.shape.Size() / max(instr.Lanes, 1)))
		case op == ir.OpLoad:
			v, err = env.load(instr, regs)
		case op == ir.OpStore:
			err = env.store(instr, regs)
		case op == ir.OpConvert:
			from := p.Instrs[instr.Args[0]].DType
			v = ir.ConvertValue(from, instr.DType, regs[instr.Args[0]])
		case op == ir.OpInvoke:
			fn := env.functions[instr.Callee]
			callArgs := make([]ir.Value, len(instr.Args))
			for jj, arg := range instr.Args {
				callArgs[jj] = regs[arg]
			}
			v, err = env.run(fn, gid, callArgs, make([]ir.Value, len(fn.Instrs)), depth+1)
		case op == ir.OpReturn:
			return regs[instr.Args[0]], nil
		case op.IsBinary():
			v, err = ir.EvalBinary(op, instr.DType, regs[instr.Args[0]], regs[instr.Args[1]])
		case op.IsUnary():
			v, err = ir.EvalUnary(op, instr.DType, regs[instr.Args[0]])
		default:
			err = errors.Errorf("unsupported operation %s", op)
		}
		if err != nil {
			return ir.Value{}, errors.WithMessagef(err, "%s instruction #%d (%s)", p.Name, ii, instr.Op)
		}
		regs[ii] = v
	}
	return ir.Value{}, nil
}

func (env *launchEnv) elementIndex(instr kernel.Instr, regs []ir.Value) (int, error) {
	buf := env.arrays[instr.Param]
	idx := regs[instr.Args[0]].Int()*int64(max(instr.Lanes, 1)) + int64(instr.Lane)
	if idx < 0 || idx >= int64(buf.shape.Size()) {
		return 0, errors.Errorf("index %d out of bounds for %s array %q of shape %s",
			regs[instr.Args[0]].Int(), env.program.Params[instr.Param].Kind, env.program.Params[instr.Param].Name, buf.shape)
	}
	return int(idx), nil
}

func (env *launchEnv) load(instr kernel.Instr, regs []ir.Value) (ir.Value, error) {
	idx, err := env.elementIndex(instr, regs)
	if err != nil {
		return ir.Value{}, err
	}
	switch flat := env.arrays[instr.Param].flat.(type) {
	case []int32:
		return loadInt(flat, idx), nil
	case []int64:
		return loadInt(flat, idx), nil
	case []float32:
		return loadFloat(flat, idx), nil
	case []float64:
		return loadFloat(flat, idx), nil
	}
	return ir.Value{}, errors.Errorf("unsupported buffer type %T", env.arrays[instr.Param].flat)
}

func (env *launchEnv) store(instr kernel.Instr, regs []ir.Value) error {
	idx, err := env.elementIndex(instr, regs)
	if err != nil {
		return err
	}
	v := regs[instr.Args[1]]
	switch flat := env.arrays[instr.Param].flat.(type) {
	case []int32:
		storeInt(flat, idx, v)
	case []int64:
		storeInt(flat, idx, v)
	case []float32:
		storeFloat(flat, idx, v)
	case []float64:
		storeFloat(flat, idx, v)
	default:
		return errors.Errorf("unsupported buffer type %T", flat)
	}
	return nil
}

func loadInt[T constraints.Integer](flat []T, idx int) ir.Value {
	return ir.IntValue(int64(flat[idx]))
}

func loadFloat[T constraints.Float](flat []T, idx int) ir.Value {
	return ir.FloatValue(float64(flat[idx]))
}

func storeInt[T constraints.Integer](flat []T, idx int, v ir.Value) {
	flat[idx] = T(v.Int())
}

func storeFloat[T constraints.Float](flat []T, idx int, v ir.Value) {
	flat[idx] = T(v.Float())
}
