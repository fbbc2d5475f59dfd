// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/backends/simplego"
	"github.com/gomlx/accel/internal/workerspool"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/accel/pkg/core/sketch"
	"github.com/gomlx/accel/pkg/core/vectors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const polyDegree = 10

func polyReference(x float32) float32 {
	v := x
	for ii := range polyDegree {
		v = v*x + float32(ii+1)
	}
	return v
}

func testRegistry() *frontend.Registry {
	square := frontend.NewFunction("test.Square", dtypes.Float32,
		[]methods.Param{methods.Scalar("x", dtypes.Float32)},
		func(g *ir.Graph) {
			x := g.Parameter(0)
			ir.Return(ir.Mul(x, x))
		})
	poly := frontend.NewFunction("test.Poly", dtypes.Float32,
		[]methods.Param{methods.Scalar("x", dtypes.Float32)},
		func(g *ir.Graph) {
			x := g.Parameter(0)
			v := x
			for ii := range polyDegree {
				v = ir.Add(ir.Mul(v, x), ir.ConstLike(x, float64(ii+1)))
			}
			ir.Return(v)
		})
	scale := frontend.NewMethod("test.Scale",
		[]methods.Param{methods.Scalar("a", dtypes.Float32), methods.Array("x", dtypes.Float32), methods.Array("y", dtypes.Float32)},
		func(g *ir.Graph) {
			a, x, y := g.Parameter(0), g.Parameter(1), g.Parameter(2)
			i := ir.ParallelFor(ir.Length(x))
			ir.Store(y, i, ir.Mul(a, ir.Sqrt(ir.Load(x, i))))
		})
	callBoth := frontend.NewMethod("test.CallBoth",
		[]methods.Param{methods.Array("x", dtypes.Float32), methods.Array("y", dtypes.Float32)},
		func(g *ir.Graph) {
			x, y := g.Parameter(0), g.Parameter(1)
			i := ir.ParallelFor(ir.Length(y))
			xi := ir.Load(x, i)
			ir.Store(y, i, ir.Add(frontend.Call(g, square, xi), frontend.Call(g, poly, xi)))
		})
	addOne := frontend.NewInstanceMethod("test.AddOne",
		[]methods.Param{methods.Vector("a", dtypes.Float32, 4), methods.Vector("b", dtypes.Float32, 4), methods.Scalar("n", dtypes.Int32)},
		func(g *ir.Graph) {
			a, b, n := g.Parameter(1), g.Parameter(2), g.Parameter(3)
			i := ir.ParallelFor(n)
			ir.Store(b, i, ir.Add(ir.Load(a, i), ir.Const(g, dtypes.Float32, 1)))
		})
	fact := frontend.NewFunction("test.Fact", dtypes.Int64,
		[]methods.Param{methods.Scalar("n", dtypes.Int64)},
		func(g *ir.Graph) {
			n := g.Parameter(0)
			self := methods.NewHandle("test.Fact", []methods.Param{methods.Scalar("n", dtypes.Int64)})
			ir.Return(ir.Mul(n, ir.Invoke(g, self, dtypes.Int64, ir.Sub(n, ir.ConstLike(n, 1)))))
		})
	useFact := frontend.NewMethod("test.UseFact",
		[]methods.Param{methods.Array("x", dtypes.Int64)},
		func(g *ir.Graph) {
			x := g.Parameter(0)
			i := ir.ParallelFor(ir.Length(x))
			ir.Store(x, i, frontend.Call(g, fact, ir.Load(x, i)))
		})
	return frontend.NewRegistry().MustRegister(square, poly, scale, callBoth, addOne, fact, useFact)
}

type testEnv struct {
	registry *frontend.Registry
	sketches *sketch.Cache
	backend  *simplego.Backend
	compiler *Compiler
}

func newTestEnv(t *testing.T, backendConfig string) *testEnv {
	env := &testEnv{
		registry: testRegistry(),
		sketches: sketch.NewCache(workerspool.New()),
		backend:  must.M1(simplego.NewBackend(backendConfig)),
	}
	t.Cleanup(env.backend.Finalize)
	env.compiler = New(env.backend, env.sketches)
	return env
}

func (env *testEnv) sketch(t *testing.T, symbol string) *sketch.Sketch {
	m, err := env.registry.Resolve(symbol)
	require.NoError(t, err)
	sk, err := env.sketches.BuildSketch(sketch.NewRequest(m, sketch.DefaultProviders(env.registry))).Wait()
	require.NoError(t, err)
	env.sketches.Wait()
	return sk
}

// upload allocates a device buffer with the contents of flat.
func (env *testEnv) upload(t *testing.T, device backends.DeviceDescriptor, shape shapes.Shape, flat any) backends.Buffer {
	buf, err := env.backend.Allocate(device, shape)
	require.NoError(t, err)
	require.NoError(t, env.backend.CopyToDevice(buf, flat))
	return buf
}

func TestResolveShapes(t *testing.T) {
	env := newTestEnv(t, "")
	sk := env.sketch(t, "test.Scale")
	params := sk.Graph.Params()

	got, err := ResolveShapes(sk.Meta, params, []any{float32(2), make([]float32, 8), make([]float32, 8)})
	require.NoError(t, err)
	assert.Equal(t, "(float32,float32[8],float32[8])", shapes.Fingerprint(got))

	for name, args := range map[string][]any{
		"too few":      {float32(2), make([]float32, 8)},
		"wrong dtype":  {float32(2), make([]int32, 8), make([]float32, 8)},
		"wrong scalar": {float64(2), make([]float32, 8), make([]float32, 8)},
		"not an array": {float32(2), float32(1), make([]float32, 8)},
		"nil array":    {float32(2), nil, make([]float32, 8)},
	} {
		_, err = ResolveShapes(sk.Meta, params, args)
		require.Error(t, err, name)
		assert.Equal(t, accelerr.ParameterShapeMismatch, accelerr.KindOf(err), name)
	}

	// Instance method: the receiver is opaque, and vectors have rank 2.
	sk = env.sketch(t, "test.AddOne")
	got, err = ResolveShapes(sk.Meta, sk.Graph.Params(), []any{
		&frontend.Object{Name: "this"}, vectors.New[float32](3, 4), vectors.New[float32](3, 4), int32(3)})
	require.NoError(t, err)
	assert.Equal(t, "(opaque,float32[3x4],float32[3x4],int32)", shapes.Fingerprint(got))

	_, err = ResolveShapes(sk.Meta, sk.Graph.Params(), []any{
		nil, vectors.New[float32](3, 2), vectors.New[float32](3, 4), int32(3)})
	assert.True(t, errors.Is(err, accelerr.ErrParameterShapeMismatch))
}

func TestCompileAndLaunch(t *testing.T) {
	env := newTestEnv(t, "workgroup=64")
	device := env.backend.Devices()[0]
	sk := env.sketch(t, "test.Scale")

	const n = 100
	x, y := make([]float32, n), make([]float32, n)
	for ii := range n {
		x[ii] = float32(ii * ii)
	}
	artifact, err := env.compiler.Compile(sk, []any{float32(2), x, y}, device)
	require.NoError(t, err)
	assert.Equal(t, n, artifact.Program.GlobalSize)
	assert.Equal(t, 64, artifact.Program.TileSize)
	assert.Contains(t, artifact.Source, "reqd_work_group_size(64, 1, 1)")
	assert.Contains(t, artifact.Source, "sqrt(")
	assert.NotContains(t, artifact.Source, "native_sqrt")
	assert.NotEmpty(t, artifact.Binary)

	shape := shapes.Make(dtypes.Float32, n)
	xBuf, yBuf := env.upload(t, device, shape, x), env.upload(t, device, shape, y)
	require.NoError(t, env.backend.Launch(device, artifact.Binary, []any{float32(2), xBuf, yBuf}))
	require.NoError(t, env.backend.CopyToHost(yBuf, y))
	for ii := range n {
		require.Equal(t, float32(2*ii), y[ii], "y[%d]", ii)
	}

	// Smaller global sizes use smaller tiles.
	artifact, err = env.compiler.Compile(sk, []any{float32(2), make([]float32, 10), make([]float32, 10)}, device)
	require.NoError(t, err)
	assert.Equal(t, 10, artifact.Program.TileSize)
}

func TestIntrinsicsPerDevice(t *testing.T) {
	env := newTestEnv(t, "type=gpu")
	sk := env.sketch(t, "test.Scale")
	artifact, err := env.compiler.Compile(sk, []any{float32(2), make([]float32, 8), make([]float32, 8)}, env.backend.Devices()[0])
	require.NoError(t, err)
	assert.Contains(t, artifact.Source, "native_sqrt(")

	assert.Equal(t, "fmin", Intrinsic(ir.OpMin, dtypes.Float64, backends.CPU))
	assert.Equal(t, "min", Intrinsic(ir.OpMin, dtypes.Int32, backends.GPU))
	assert.Equal(t, "fabs", Intrinsic(ir.OpAbs, dtypes.Float32, backends.FPGA))
	assert.Equal(t, "native_exp", Intrinsic(ir.OpExp, dtypes.Float32, backends.FPGA))
	assert.Equal(t, "exp", Intrinsic(ir.OpExp, dtypes.Float64, backends.GPU))
	assert.Equal(t, "", Intrinsic(ir.OpAdd, dtypes.Float32, backends.GPU))
	assert.Equal(t, "pow", Intrinsic(ir.OpPow, dtypes.Float32, backends.GPU))
}

func countOps(p *kernel.Program, op ir.Op) int {
	count := 0
	for _, instr := range p.Instrs {
		if instr.Op == op {
			count++
		}
	}
	return count
}

func TestInlining(t *testing.T) {
	env := newTestEnv(t, "")
	device := env.backend.Devices()[0]
	sk := env.sketch(t, "test.CallBoth")

	const n = 30
	x, y := make([]float32, n), make([]float32, n)
	for ii := range n {
		x[ii] = float32(ii % 3)
	}
	args := []any{x, y}

	// test.Square is inlined, test.Poly is too large.
	artifact, err := env.compiler.Compile(sk, args, device)
	require.NoError(t, err)
	require.Len(t, artifact.Program.Functions, 1)
	assert.Equal(t, "Poly", artifact.Program.Functions[0].Name)
	assert.Equal(t, 1, countOps(artifact.Program, ir.OpInvoke))
	assert.Contains(t, artifact.Source, "float Poly(float x)")
	assert.Less(t, strings.Index(artifact.Source, "float Poly("), strings.Index(artifact.Source, "__kernel"))

	shape := shapes.Make(dtypes.Float32, n)
	xBuf, yBuf := env.upload(t, device, shape, x), env.upload(t, device, shape, y)
	require.NoError(t, env.backend.Launch(device, artifact.Binary, []any{xBuf, yBuf}))
	require.NoError(t, env.backend.CopyToHost(yBuf, y))
	for ii := range n {
		require.Equal(t, x[ii]*x[ii]+polyReference(x[ii]), y[ii], "y[%d]", ii)
	}

	// Nothing inlined.
	env.compiler.InlineThreshold = -1
	artifact, err = env.compiler.Compile(sk, args, device)
	require.NoError(t, err)
	assert.Len(t, artifact.Program.Functions, 2)
	assert.Equal(t, 2, countOps(artifact.Program, ir.OpInvoke))

	// Everything inlined.
	env.compiler.InlineThreshold = 1000
	artifact, err = env.compiler.Compile(sk, args, device)
	require.NoError(t, err)
	assert.Empty(t, artifact.Program.Functions)
	assert.Equal(t, 0, countOps(artifact.Program, ir.OpInvoke))
}

func TestRecursion(t *testing.T) {
	for _, threshold := range []int{DefaultInlineThreshold, -1} {
		env := newTestEnv(t, "")
		env.compiler.InlineThreshold = threshold
		sk := env.sketch(t, "test.UseFact")
		_, err := env.compiler.Compile(sk, []any{make([]int64, 4)}, env.backend.Devices()[0])
		require.Error(t, err)
		assert.True(t, errors.Is(err, accelerr.ErrCompilationInternal), "threshold=%d", threshold)
		assert.Contains(t, err.Error(), "recursive call to test.Fact")
	}
}

func TestVectorLanes(t *testing.T) {
	env := newTestEnv(t, "workgroup=8")
	device := env.backend.Devices()[0]
	sk := env.sketch(t, "test.AddOne")

	const n = 20
	a, b := vectors.New[float32](n, 4), vectors.New[float32](n, 4)
	for ii := range n {
		a.Set(ii, float32(ii), float32(10*ii), -1, 0.5)
	}
	args := []any{&frontend.Object{Name: "this"}, a, b, int32(n)}
	artifact, err := env.compiler.Compile(sk, args, device)
	require.NoError(t, err)
	p := artifact.Program
	assert.Equal(t, 4, countOps(p, ir.OpLoad))
	assert.Equal(t, 4, countOps(p, ir.OpStore))
	assert.Equal(t, 4, countOps(p, ir.OpAdd))
	assert.Equal(t, -1, p.GlobalSize)
	assert.Equal(t, 3, p.GlobalSizeParam)
	assert.Equal(t, 8, p.TileSize)

	shape := shapes.Make(dtypes.Float32, n, 4)
	aBuf, bBuf := env.upload(t, device, shape, a.Flat()), env.upload(t, device, shape, b.Flat())
	require.NoError(t, env.backend.Launch(device, artifact.Binary, []any{nil, aBuf, bBuf, int32(n)}))
	require.NoError(t, env.backend.CopyToHost(bBuf, b.Flat()))
	for ii := range n {
		assert.Equal(t, []float32{float32(ii) + 1, float32(10*ii) + 1, 0, 1.5}, b.At(ii))
	}
}

// failingBackend fails (or panics) when emitting code.
type failingBackend struct {
	backends.Backend
	panics bool
}

func (b *failingBackend) Emit(*kernel.Program, backends.DeviceDescriptor) (backends.Binary, error) {
	if b.panics {
		panic(errors.New("backend crashed"))
	}
	return nil, errors.New("out of registers")
}

func TestBackendCompilationError(t *testing.T) {
	for _, panics := range []bool{false, true} {
		env := newTestEnv(t, "")
		c := New(&failingBackend{Backend: env.backend, panics: panics}, env.sketches)
		sk := env.sketch(t, "test.Scale")
		_, err := c.Compile(sk, []any{float32(1), make([]float32, 4), make([]float32, 4)}, env.backend.Devices()[0])
		require.Error(t, err)
		assert.True(t, errors.Is(err, accelerr.ErrBackendCompilation), "panics=%v", panics)
	}
}

func TestArtifactCache(t *testing.T) {
	env := newTestEnv(t, "")
	device := env.backend.Devices()[0]
	sk := env.sketch(t, "test.Scale")
	cache := NewArtifactCache(nil)
	args := []any{float32(2), make([]float32, 8), make([]float32, 8)}

	first, err := env.compiler.CompileCached(cache, sk, args, device)
	require.NoError(t, err)
	second, err := env.compiler.CompileCached(cache, sk, args, device)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), cache.Hits())
	assert.Equal(t, int64(1), cache.Misses())

	// Compiling again gives the same content.
	again, err := env.compiler.Compile(sk, args, device)
	require.NoError(t, err)
	assert.Equal(t, first.Binary, again.Binary)
	assert.Equal(t, first.Source, again.Source)
	assert.Equal(t, first.Key, again.Key)

	// Other shapes are a different entry.
	_, err = env.compiler.CompileCached(cache, sk, []any{float32(2), make([]float32, 16), make([]float32, 16)}, device)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache.Misses())
	assert.Equal(t, 2, cache.Len())
	assert.Len(t, cache.Artifacts(), 2)

	// Shape errors are not compilations.
	_, err = env.compiler.CompileCached(cache, sk, args[:2], device)
	assert.True(t, errors.Is(err, accelerr.ErrParameterShapeMismatch))
	assert.Equal(t, 2, cache.Len())

	assert.Equal(t, 2, cache.Invalidate(sk.Handle()))
	assert.Equal(t, 0, cache.Len())
	_, found := cache.Get(first.Key)
	assert.False(t, found)
}

func TestArtifactCacheConcurrency(t *testing.T) {
	cache := NewArtifactCache(nil)
	key := Key{Handle: methods.Handle{Name: "test.X", Signature: "()"}, Fingerprint: "()"}
	var mu sync.Mutex
	calls := 0
	compile := func() (*Artifact, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return &Artifact{Key: key, Binary: backends.Binary("x")}, nil
	}

	const numWorkers = 16
	results := make([]*Artifact, numWorkers)
	var wg sync.WaitGroup
	for ii := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[ii] = must.M1(cache.GetOrCompile(key, compile))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}

	// Failures are cached too.
	failKey := key
	failKey.Fingerprint = "(int32)"
	failures := 0
	for range 3 {
		_, err := cache.GetOrCompile(failKey, func() (*Artifact, error) {
			failures++
			return nil, errors.New("failed")
		})
		assert.Error(t, err)
	}
	assert.Equal(t, 1, failures)
	_, found := cache.Get(failKey)
	assert.False(t, found)
}

func TestArtifactCacheDistinctDevices(t *testing.T) {
	cache := NewArtifactCache(nil)
	device := backends.DeviceDescriptor{Backend: "simplego", ID: 0, Type: backends.CPU, MaxWorkGroupSize: 64}
	k1 := Key{Handle: methods.Handle{Name: "test.X", Signature: "()"}, Device: device, Fingerprint: "()"}
	k2 := k1
	k2.Device.MaxWorkGroupSize = 256
	require.Equal(t, k1.String(), k2.String())

	started1, started2 := make(chan struct{}), make(chan struct{})
	var wg sync.WaitGroup
	var got1 *Artifact
	wg.Add(1)
	go func() {
		defer wg.Done()
		got1 = must.M1(cache.GetOrCompile(k1, func() (*Artifact, error) {
			close(started1)
			// Keep the compilation of k1 in flight until k2's starts.
			select {
			case <-started2:
			case <-time.After(5 * time.Second):
			}
			return &Artifact{Key: k1}, nil
		}))
	}()
	<-started1
	got2 := must.M1(cache.GetOrCompile(k2, func() (*Artifact, error) {
		close(started2)
		return &Artifact{Key: k2}, nil
	}))
	wg.Wait()
	assert.Equal(t, k1, got1.Key)
	assert.Equal(t, k2, got2.Key)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(2), cache.Misses())
}

func TestSharedCache(t *testing.T) {
	shared, err := NewSharedCache(2)
	require.NoError(t, err)
	_, err = NewSharedCache(0)
	assert.Error(t, err)

	handle := methods.Handle{Name: "test.X", Signature: "()"}
	compile := func(key Key) func() (*Artifact, error) {
		return func() (*Artifact, error) { return &Artifact{Key: key}, nil }
	}
	keys := []Key{{Handle: handle, Fingerprint: "a"}, {Handle: handle, Fingerprint: "b"}, {Handle: handle, Fingerprint: "c"}}

	plan1, plan2 := NewArtifactCache(shared), NewArtifactCache(shared)
	artifact := must.M1(plan1.GetOrCompile(keys[0], compile(keys[0])))
	got := must.M1(plan2.GetOrCompile(keys[0], compile(keys[0])))
	assert.Same(t, artifact, got)
	assert.Equal(t, int64(0), plan2.Misses())
	assert.Equal(t, int64(1), plan2.Hits())

	// Least recently used is evicted.
	_ = must.M1(plan1.GetOrCompile(keys[1], compile(keys[1])))
	_ = must.M1(plan1.GetOrCompile(keys[2], compile(keys[2])))
	assert.Equal(t, 2, shared.Len())
	_, found := shared.Get(keys[0])
	assert.False(t, found)

	plan1.Invalidate(handle)
	assert.Equal(t, 0, shared.Len())
}
