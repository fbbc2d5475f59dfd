package kernel

import (
	"testing"

	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleProgram: x[i] = sqrt(x[i]) * 2, with one lane-expanded vector array.
func scaleProgram() *Program {
	return &Program{
		Name: "kernels.Scale",
		Params: []methods.Param{
			methods.Vector("x", dtypes.Float32, 2),
		},
		Shapes: []shapes.Shape{shapes.Make(dtypes.Float32, 8, 2)},
		Instrs: []Instr{
			{Op: ir.OpParallelIndex, DType: dtypes.Int32},                                      // r0
			{Op: ir.OpConstant, DType: dtypes.Float32, Const: ir.FloatValue(2)},                // r1
			{Op: ir.OpLoad, DType: dtypes.Float32, Param: 0, Args: []Reg{0}, Lanes: 2},         // r2
			{Op: ir.OpSqrt, DType: dtypes.Float32, Args: []Reg{2}, Intrinsic: "native_sqrt"},   // r3
			{Op: ir.OpMul, DType: dtypes.Float32, Args: []Reg{3, 1}},                           // r4
			{Op: ir.OpStore, DType: dtypes.Float32, Param: 0, Args: []Reg{0, 4}, Lanes: 2},     // r5
			{Op: ir.OpLoad, DType: dtypes.Float32, Param: 0, Args: []Reg{0}, Lanes: 2, Lane: 1}, // r6
			{Op: ir.OpStore, DType: dtypes.Float32, Param: 0, Args: []Reg{0, 6}, Lanes: 2, Lane: 1},
		},
		Parallel:        true,
		GlobalSize:      8,
		GlobalSizeParam: -1,
		TileSize:        8,
	}
}

func TestRender(t *testing.T) {
	p := scaleProgram()
	require.NoError(t, p.Validate())
	src := Render(p)
	assert.Contains(t, src, "__kernel __attribute__((reqd_work_group_size(8, 1, 1))) void kernels_Scale(__global float *x, const int x_len) {")
	assert.Contains(t, src, "if (gid >= 8) return;")
	assert.Contains(t, src, "float r1 = 2.0f;")
	assert.Contains(t, src, "float r2 = x[r0 * 2 + 0];")
	assert.Contains(t, src, "float r3 = native_sqrt(r2);")
	assert.Contains(t, src, "float r4 = r3 * r1;")
	assert.Contains(t, src, "x[r0 * 2 + 1] = r6;")
}

func TestRenderFunctions(t *testing.T) {
	square := &Program{
		Name:   "helpers.Square",
		Params: []methods.Param{methods.Scalar("v", dtypes.Int64)},
		Instrs: []Instr{
			{Op: ir.OpParameter, DType: dtypes.Int64, Param: 0},
			{Op: ir.OpMul, DType: dtypes.Int64, Args: []Reg{0, 0}},
			{Op: ir.OpReturn, DType: dtypes.Int64, Args: []Reg{1}},
		},
		Result: dtypes.Int64,
	}
	p := &Program{
		Name:   "k",
		Params: []methods.Param{methods.Receiver(), methods.Array("a", dtypes.Int64), methods.Scalar("n", dtypes.Int32)},
		Instrs: []Instr{
			{Op: ir.OpParallelIndex, DType: dtypes.Int32},
			{Op: ir.OpLoad, DType: dtypes.Int64, Param: 1, Args: []Reg{0}, Lanes: 1},
			{Op: ir.OpInvoke, DType: dtypes.Int64, Args: []Reg{1}, Callee: 0},
			{Op: ir.OpStore, DType: dtypes.Int64, Param: 1, Args: []Reg{0, 2}, Lanes: 1},
		},
		Parallel:        true,
		GlobalSize:      -1,
		GlobalSizeParam: 2,
		TileSize:        64,
		Functions:       []*Program{square},
	}
	require.NoError(t, p.Validate())
	src := Render(p)
	assert.Contains(t, src, "long helpers_Square(long v) {")
	assert.Contains(t, src, "return r1;")
	assert.Contains(t, src, "void k(__global long *a, const int a_len, int n) {")
	assert.Contains(t, src, "if (gid >= n) return;")
	assert.Contains(t, src, "long r2 = helpers_Square(r1);")
	assert.Less(t, indexOf(src, "helpers_Square(long v)"), indexOf(src, "void k("))
}

func indexOf(s, sub string) int {
	for ii := 0; ii+len(sub) <= len(s); ii++ {
		if s[ii:ii+len(sub)] == sub {
			return ii
		}
	}
	return -1
}

func TestValidate(t *testing.T) {
	p := scaleProgram()
	p.Instrs[4].Args = []Reg{3, 5}
	assert.Error(t, p.Validate())

	p = scaleProgram()
	p.Instrs[2].Param = 3
	assert.Error(t, p.Validate())

	p = scaleProgram()
	p.Instrs[2].Lane = 2
	assert.Error(t, p.Validate())

	p = scaleProgram()
	p.GlobalSize = -1
	p.GlobalSizeParam = 0 // Not a scalar.
	assert.Error(t, p.Validate())

	p = scaleProgram()
	p.Instrs = append(p.Instrs, Instr{Op: ir.OpInvoke, DType: dtypes.Float32, Callee: 0})
	assert.Error(t, p.Validate())
}

func TestFingerprint(t *testing.T) {
	p1, p2 := scaleProgram(), scaleProgram()
	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())
	assert.Len(t, p1.Fingerprint(), 16)
	p2.TileSize = 4
	assert.NotEqual(t, p1.Fingerprint(), p2.Fingerprint())
	p2 = scaleProgram()
	p2.Instrs[3].Intrinsic = "sqrt"
	assert.NotEqual(t, p1.Fingerprint(), p2.Fingerprint())
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "kernels_VectorAdd", Identifier("kernels.VectorAdd"))
	assert.Equal(t, "_x1", Identifier("1x1"))
	assert.Equal(t, "_", Identifier(""))
}
