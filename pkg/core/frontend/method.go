// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frontend is the host side of compilable routines: a Method declares its parameters
// and a Body function that builds its intermediate representation (see package ir), and a
// Resolver (usually a Registry) maps symbolic references to Method's.
//
// It also includes the test harness used to compile and run a routine from a parameter
// file (see ParameterFile and Harness).
package frontend

import (
	"sort"
	"sync"

	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// BodyFn builds the intermediate representation of a routine into g.
// The parameters of g are the ones declared by the Method, prefixed by the receiver for
// instance methods.
//
// Like the ir building functions, it reports errors by panicking.
type BodyFn func(g *ir.Graph)

// Method is a compilable routine.
type Method struct {
	Handle methods.Handle

	// Params declared by the routine, not including the receiver of instance methods.
	Params []methods.Param

	// Static is false for instance methods, which take an opaque receiver as their first argument.
	Static bool

	// Result is the dtype returned by routines called with ir.Invoke, or dtypes.InvalidDType for kernels.
	Result dtypes.DType

	Body BodyFn
}

// NewMethod creates a static method.
func NewMethod(name string, params []methods.Param, body BodyFn) *Method {
	return &Method{
		Handle: methods.NewHandle(name, params),
		Params: params,
		Static: true,
		Body:   body,
	}
}

// NewInstanceMethod creates an instance method: it takes an opaque receiver as its first argument.
func NewInstanceMethod(name string, params []methods.Param, body BodyFn) *Method {
	m := NewMethod(name, params, body)
	m.Static = false
	return m
}

// NewFunction creates a static method that returns a value, to be called from other routines with Call.
func NewFunction(name string, result dtypes.DType, params []methods.Param, body BodyFn) *Method {
	m := NewMethod(name, params, body)
	m.Result = result
	return m
}

// Name returns the fully qualified name of the method, which is the symbol it is registered with.
func (m *Method) Name() string { return m.Handle.Name }

// Meta returns the per-argument metadata of the method.
func (m *Method) Meta() methods.Meta {
	return methods.MakeMeta(m.Params, m.Static)
}

// GraphParams returns the parameters of the graph that represents the method: the declared
// parameters, prefixed by the receiver for instance methods.
func (m *Method) GraphParams() []methods.Param {
	if m.Static {
		return m.Params
	}
	return append([]methods.Param{methods.Receiver()}, m.Params...)
}

// BuildGraph creates the graph of the method and runs its Body. It panics on errors.
func (m *Method) BuildGraph() *ir.Graph {
	if m.Body == nil {
		exceptions.Panicf("method %s has no body", m.Handle)
	}
	g := ir.NewGraph(m.Handle, m.GraphParams())
	m.Body(g)
	if m.Result != dtypes.InvalidDType {
		if g.Returned() == nil {
			exceptions.Panicf("method %s declares a %s result but returns nothing", m.Handle, m.Result)
		}
		if g.Returned().DType() != m.Result {
			exceptions.Panicf("method %s declares a %s result but returns %s", m.Handle, m.Result, g.Returned().DType())
		}
	}
	return g
}

// Call adds to g an invocation of the function m with the given arguments.
func Call(g *ir.Graph, m *Method, args ...*ir.Node) *ir.Node {
	if m.Result == dtypes.InvalidDType {
		exceptions.Panicf("method %s returns no value, it can't be called", m.Handle)
	}
	if len(args) != len(m.Params) {
		exceptions.Panicf("method %s takes %d arguments, %d given", m.Handle, len(m.Params), len(args))
	}
	return ir.Invoke(g, m.Handle, m.Result, args...)
}

// Resolver locates compilable routines. Failures are reported as accelerr.ClassReflection errors.
type Resolver interface {
	// Resolve a symbolic reference (the fully qualified name) to a Method.
	Resolve(symbol string) (*Method, error)

	// ResolveHandle returns the Method with the given handle.
	ResolveHandle(handle methods.Handle) (*Method, error)
}

// Registry is an in-process Resolver. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	bySymbol  map[string]*Method
	byHandles map[methods.Handle]*Method
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bySymbol:  make(map[string]*Method),
		byHandles: make(map[methods.Handle]*Method),
	}
}

// Register methods. It fails if a symbol is already registered or if the method is invalid.
func (r *Registry) Register(ms ...*Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ms {
		if m == nil || m.Body == nil {
			return accelerr.Newf(accelerr.ClassReflection, "cannot register a method without a body")
		}
		for _, p := range m.Params {
			if err := p.Validate(); err != nil {
				return accelerr.Wrapf(accelerr.ClassReflection, err, "method %s", m.Handle)
			}
		}
		if _, found := r.bySymbol[m.Name()]; found {
			return accelerr.Newf(accelerr.ClassReflection, "method %q registered more than once", m.Name())
		}
		r.bySymbol[m.Name()] = m
		r.byHandles[m.Handle] = m
	}
	return nil
}

// MustRegister is like Register, but panics on errors.
func (r *Registry) MustRegister(ms ...*Method) *Registry {
	if err := r.Register(ms...); err != nil {
		panic(err)
	}
	return r
}

// Resolve implements Resolver.
func (r *Registry) Resolve(symbol string) (*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, found := r.bySymbol[symbol]
	if !found {
		return nil, accelerr.Newf(accelerr.ClassReflection, "method %q not found", symbol)
	}
	return m, nil
}

// ResolveHandle implements Resolver.
func (r *Registry) ResolveHandle(handle methods.Handle) (*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, found := r.byHandles[handle]
	if !found {
		if other, found := r.bySymbol[handle.Name]; found {
			return nil, accelerr.Newf(accelerr.ClassReflection, "method %q has signature %s, not %s",
				handle.Name, other.Handle.Signature, handle.Signature)
		}
		return nil, accelerr.Newf(accelerr.ClassReflection, "method %s not found", handle)
	}
	return m, nil
}

// Symbols returns the sorted list of registered symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.bySymbol))
	for symbol := range r.bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
