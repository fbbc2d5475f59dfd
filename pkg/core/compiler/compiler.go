// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler implements the compilation of sketches to device binaries.
//
// Compiling a routine for a device takes the concrete arguments it will be launched with:
//
//  1. ResolveShapes checks the arguments against the routine's metadata and returns their shapes.
//  2. Lower produces the device program (see package kernel) for those shapes and the device.
//  3. The backend emits the native binary for the program.
//
// The result, an Artifact, is cached in an ArtifactCache keyed by the routine, the device and the
// fingerprint of the argument shapes, so compiling again with arguments of the same shapes is free.
package compiler

import (
	"time"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/accel/pkg/core/sketch"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler lowers sketches and emits them with a backend.
type Compiler struct {
	Backend backends.Backend

	// Lookup finds the sketches of invoked routines.
	Lookup LookupFn

	// InlineThreshold is the maximum number of nodes of an invoked routine to be inlined.
	InlineThreshold int

	// PrintKernel logs the rendered source of every compiled program.
	PrintKernel bool
}

// New creates a Compiler for the backend, that uses the sketch cache to find invoked routines.
func New(backend backends.Backend, sketches *sketch.Cache) *Compiler {
	c := &Compiler{
		Backend:         backend,
		InlineThreshold: DefaultInlineThreshold,
	}
	if sketches != nil {
		c.Lookup = sketches.Lookup
	}
	return c
}

// KeyFor returns the cache key of the compilation of sk for the given argument shapes and device.
func KeyFor(sk *sketch.Sketch, argShapes []shapes.Shape, device backends.DeviceDescriptor) Key {
	return Key{Handle: sk.Handle(), Device: device, Fingerprint: shapes.Fingerprint(argShapes)}
}

// Compile the sketch for the device, given the concrete arguments it will be launched with.
// It fails with accelerr.ParameterShapeMismatch before any lowering if the arguments don't match the routine.
func (c *Compiler) Compile(sk *sketch.Sketch, args []any, device backends.DeviceDescriptor) (*Artifact, error) {
	argShapes, err := ResolveShapes(sk.Meta, sk.Graph.Params(), args)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s", sk.Handle())
	}
	return c.CompileShapes(sk, argShapes, device)
}

// CompileCached is like Compile, but uses (and fills) the cache.
func (c *Compiler) CompileCached(cache *ArtifactCache, sk *sketch.Sketch, args []any, device backends.DeviceDescriptor) (*Artifact, error) {
	argShapes, err := ResolveShapes(sk.Meta, sk.Graph.Params(), args)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s", sk.Handle())
	}
	return cache.GetOrCompile(KeyFor(sk, argShapes, device), func() (*Artifact, error) {
		return c.CompileShapes(sk, argShapes, device)
	})
}

// CompileShapes compiles the sketch for the device and already resolved argument shapes.
func (c *Compiler) CompileShapes(sk *sketch.Sketch, argShapes []shapes.Shape, device backends.DeviceDescriptor) (*Artifact, error) {
	start := time.Now()
	program, err := Lower(sk, argShapes, device, LowerOptions{InlineThreshold: c.InlineThreshold, Lookup: c.Lookup})
	if err != nil {
		return nil, err
	}
	artifact := &Artifact{
		Key:                KeyFor(sk, argShapes, device),
		Program:            program,
		Source:             kernel.Render(program),
		ProgramFingerprint: program.Fingerprint(),
		LowerTime:          time.Since(start),
	}
	if c.PrintKernel {
		klog.Infof("kernel for %s on %s:\n%s", sk.Handle(), device, artifact.Source)
	}

	start = time.Now()
	artifact.Binary, err = c.emit(program, device)
	if err != nil {
		return nil, accelerr.Wrapf(accelerr.BackendCompilation, err, "backend %q failed to compile %s for %s",
			c.Backend.Name(), sk.Handle(), device)
	}
	artifact.EmitTime = time.Since(start)
	klog.V(1).Infof("compiled %s for %s: lowering %s, emission %s, %d bytes", sk.Handle(), device,
		artifact.LowerTime, artifact.EmitTime, len(artifact.Binary))
	return artifact, nil
}

// emit calls the backend, converting a panic to an error.
func (c *Compiler) emit(program *kernel.Program, device backends.DeviceDescriptor) (binary backends.Binary, err error) {
	exception := exceptions.Try(func() {
		binary, err = c.Backend.Emit(program, device)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, e
		}
		return nil, errors.Errorf("%v", exception)
	}
	if err == nil && len(binary) == 0 {
		err = errors.New("empty binary")
	}
	return binary, err
}
