// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package execution runs task graphs on the devices of a backend.
//
// A Runtime holds what is shared by all executions: the backend, the resolver of routines, the sketch cache
// and the compiler. A Plan binds one ImmutableTaskGraph to devices and run-scoped options, and each call to
// Plan.Execute runs its schedule: data transfers (following their policies) and kernel launches, in order.
//
// Example:
//
//	rt := execution.NewRuntime(backends.New(), registry)
//	defer rt.Finalize()
//	snapshot := must.M1(taskgraph.New("s0").
//		TransferToDevice(taskgraph.EveryExecution, a, b).
//		Task("t0", kernels.VectorAdd, a, b, c).
//		TransferToHost(taskgraph.EveryExecution, c).
//		Snapshot())
//	plan := rt.NewPlan(snapshot).WithProfiler(true)
//	result, err := plan.Execute()
package execution

import (
	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/internal/workerspool"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/compiler"
	"github.com/gomlx/accel/pkg/core/config"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/gomlx/accel/pkg/core/sketch"
	"github.com/gomlx/accel/pkg/core/taskgraph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runtime is the context shared by execution plans. It is safe for concurrent use.
type Runtime struct {
	backend     backends.Backend
	ownsBackend bool
	resolver    frontend.Resolver
	config      config.Config

	pool      *workerspool.Pool
	providers *sketch.Providers
	sketches  *sketch.Cache
	compiler  *compiler.Compiler

	// shared is the artifact cache shared by all plans, only if configured.
	shared *compiler.SharedCache

	// artifacts caches the compilations requested directly with Compile and CompileMethod.
	artifacts *compiler.ArtifactCache
}

// NewRuntime creates a Runtime for the backend with the default configuration.
// The backend is not finalized by Runtime.Finalize.
func NewRuntime(backend backends.Backend, resolver frontend.Resolver) *Runtime {
	rt, err := NewRuntimeWithConfig(backend, resolver, config.Default())
	if err != nil {
		// The default configuration is always valid.
		panic(err)
	}
	return rt
}

// NewRuntimeWithConfig creates a Runtime for the backend with the given configuration.
// The backend is not finalized by Runtime.Finalize.
func NewRuntimeWithConfig(backend backends.Backend, resolver frontend.Resolver, cfg config.Config) (*Runtime, error) {
	if backend == nil {
		return nil, errors.New("execution: nil backend")
	}
	if resolver == nil {
		return nil, errors.New("execution: nil resolver")
	}
	rt := &Runtime{
		backend:   backend,
		resolver:  resolver,
		config:    cfg,
		pool:      workerspool.NewWithParallelism(cfg.SketchParallelism),
		providers: sketch.DefaultProviders(resolver),
	}
	rt.sketches = sketch.NewCache(rt.pool)
	rt.compiler = compiler.New(backend, rt.sketches)
	rt.compiler.InlineThreshold = cfg.InlineThreshold
	rt.compiler.PrintKernel = cfg.PrintKernel
	if cfg.SharedArtifactCache > 0 {
		var err error
		rt.shared, err = compiler.NewSharedCache(cfg.SharedArtifactCache)
		if err != nil {
			return nil, err
		}
	}
	rt.artifacts = compiler.NewArtifactCache(rt.shared)
	return rt, nil
}

// NewRuntimeFromConfig creates the backend configured in cfg.Backend (or the default one) and a Runtime
// that owns it: the backend is finalized with the Runtime.
func NewRuntimeFromConfig(cfg config.Config, resolver frontend.Resolver) (rt *Runtime, err error) {
	var backend backends.Backend
	err = exceptions.TryCatch[error](func() {
		if cfg.Backend == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(cfg.Backend)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", cfg.Backend)
	}
	rt, err = NewRuntimeWithConfig(backend, resolver, cfg)
	if err != nil {
		backend.Finalize()
		return nil, err
	}
	rt.ownsBackend = true
	return rt, nil
}

// Backend used by the runtime.
func (rt *Runtime) Backend() backends.Backend { return rt.backend }

// Resolver of routines.
func (rt *Runtime) Resolver() frontend.Resolver { return rt.resolver }

// Config the runtime was created with.
func (rt *Runtime) Config() config.Config { return rt.config }

// Sketches returns the sketch cache of the runtime.
func (rt *Runtime) Sketches() *sketch.Cache { return rt.sketches }

// Compiler returns the compiler used by the runtime.
func (rt *Runtime) Compiler() *compiler.Compiler { return rt.compiler }

// DefaultDevice returns the first device of the backend, or the zero DeviceDescriptor if it has none.
func (rt *Runtime) DefaultDevice() backends.DeviceDescriptor {
	devices := rt.backend.Devices()
	if len(devices) == 0 {
		return backends.DeviceDescriptor{}
	}
	return devices[0]
}

// Sketch returns the sketch of the method, building it (and submitting the builds of its callees) if needed.
func (rt *Runtime) Sketch(m *frontend.Method) (*sketch.Sketch, error) {
	return rt.sketches.BuildSketch(sketch.NewRequest(m, rt.providers)).Wait()
}

// resolve returns the method of the task, resolving its symbol if needed.
func (rt *Runtime) resolve(task *taskgraph.Task) (*frontend.Method, error) {
	if task.Method != nil {
		return task.Method, nil
	}
	m, err := rt.resolver.Resolve(task.Symbol)
	if err != nil {
		return nil, accelerr.Wrapf(accelerr.ClassReflection, err, "task %q", task.Name)
	}
	return m, nil
}

// Compile the method for the device, given the concrete arguments it will be launched with.
// If device is zero the runtime's default device is used, failing with accelerr.DeviceUnavailable if the
// backend has none.
// Artifacts are cached by the runtime (and shared with the plans if a shared cache is configured).
func (rt *Runtime) Compile(m *frontend.Method, args []any, device backends.DeviceDescriptor) (*compiler.Artifact, error) {
	if device.IsZero() {
		device = rt.DefaultDevice()
		if device.IsZero() {
			return nil, accelerr.Newf(accelerr.DeviceUnavailable, "backend %q has no devices to compile %s", rt.backend.Name(), m.Handle)
		}
	}
	sk, err := rt.Sketch(m)
	if err != nil {
		return nil, err
	}
	artifact, err := rt.compiler.CompileCached(rt.artifacts, sk, args, device)
	if accelerr.IsFatalForMethod(err) {
		rt.artifacts.Invalidate(m.Handle)
	}
	return artifact, err
}

// CompileMethod resolves the symbol, materializes its arguments from the parameter file and compiles it
// for the device. The device of the parameter file is used if device is zero, and the default device if
// neither is set.
//
// The number of arguments is checked before anything is compiled: a mismatch fails with an
// accelerr.ParameterShapeMismatch error. The returned arguments can be used to launch the artifact.
func (rt *Runtime) CompileMethod(symbol string, device backends.DeviceDescriptor, pf *frontend.ParameterFile) (*compiler.Artifact, []any, error) {
	if symbol == "" {
		symbol = pf.Method
	}
	m, err := rt.resolver.Resolve(symbol)
	if err != nil {
		return nil, nil, err
	}
	harness := &frontend.Harness{Strict: rt.config.StrictArguments}
	args, err := harness.Materialize(m, pf)
	if err != nil {
		return nil, nil, err
	}
	if device.IsZero() && pf.Device != "" {
		device, err = backends.FindDevice(rt.backend, pf.Device)
		if err != nil {
			return nil, nil, accelerr.Wrapf(accelerr.DeviceUnavailable, err, "parameter file of %s", symbol)
		}
	}
	artifact, err := rt.Compile(m, args, device)
	if err != nil {
		return nil, nil, err
	}
	return artifact, args, nil
}

// NewPlan creates an execution plan for the graph, with the options of the runtime's configuration.
func (rt *Runtime) NewPlan(graph *taskgraph.ImmutableTaskGraph) *Plan {
	return newPlan(rt, graph)
}

// Finalize waits for pending sketch builds and releases the backend, if it was created by the runtime.
func (rt *Runtime) Finalize() {
	rt.sketches.Wait()
	if rt.ownsBackend {
		klog.V(1).Infof("finalizing backend %s", rt.backend.Name())
		rt.backend.Finalize()
	}
}
