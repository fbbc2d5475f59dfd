// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sketch implements the cache of "sketches": the device-independent intermediate representation
// of a method, built once per method handle and shared read-only afterwards.
//
// Building a sketch runs the method's body to build its ir.Graph, simplifies it (constant folding and
// dead-code elimination) and discovers the routines it invokes: a build request for each of them
// is submitted to the work pool, so the whole call graph gets built in parallel.
//
// The cache is append-only: failed builds are cached as failures and never retried.
package sketch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gomlx/accel/internal/workerspool"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sketch is the cached intermediate representation of a method. It is read-only.
type Sketch struct {
	Method *frontend.Method

	// Graph is a frozen (read-only) copy of the simplified graph.
	Graph *ir.Graph

	Meta methods.Meta

	// Callees are the routines invoked by the method, in order of first call.
	Callees []methods.Handle

	// BuildTime is the time it took to build the sketch, not including its callees.
	BuildTime time.Duration
}

// Handle of the sketched method.
func (s *Sketch) Handle() methods.Handle { return s.Method.Handle }

// NumNodes returns the number of nodes of the simplified graph.
func (s *Sketch) NumNodes() int { return s.Graph.NumNodes() }

// String implements fmt.Stringer.
func (s *Sketch) String() string {
	return fmt.Sprintf("Sketch(%s, %d nodes, %d callees)", s.Handle(), s.NumNodes(), len(s.Callees))
}

// Providers configure how sketches are built.
type Providers struct {
	// Resolver used to locate the routines invoked by a method.
	Resolver frontend.Resolver

	// FoldConstants enables constant folding.
	FoldConstants bool

	// DeadCodeElimination enables the removal of unused nodes.
	DeadCodeElimination bool
}

// DefaultProviders returns the Providers with all passes enabled.
func DefaultProviders(resolver frontend.Resolver) *Providers {
	return &Providers{
		Resolver:            resolver,
		FoldConstants:       true,
		DeadCodeElimination: true,
	}
}

// State of a Request.
type State int

const (
	Pending State = iota
	Resolved
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request to build the sketch of a method. It transitions from Pending to Resolved or Failed only once.
type Request struct {
	Method    *frontend.Method
	Providers *Providers

	future *xsync.Future[*Sketch]
	builds atomic.Int32
}

// NewRequest creates a pending request to build the sketch of m.
func NewRequest(m *frontend.Method, providers *Providers) *Request {
	return &Request{
		Method:    m,
		Providers: providers,
		future:    xsync.NewFuture[*Sketch](),
	}
}

// Handle of the method to sketch.
func (r *Request) Handle() methods.Handle { return r.Method.Handle }

// State returns the current state of the request.
func (r *Request) State() State {
	if !r.future.IsDone() {
		return Pending
	}
	if _, err := r.future.Wait(); err != nil {
		return Failed
	}
	return Resolved
}

// Wait for the request to be resolved, and return its sketch or the error of the build.
func (r *Request) Wait() (*Sketch, error) {
	return r.future.Wait()
}

// Cache of sketches, keyed by method handle. It is safe for concurrent use.
//
// Concurrent builds of the same method are "single-flight": only the first request is built, the
// others wait for its result.
type Cache struct {
	pool    *workerspool.Pool
	entries xsync.SyncMap[methods.Handle, *Request]
	pending *xsync.DynamicWaitGroup
}

// NewCache creates an empty cache, which uses pool to build the sketches of the discovered callees.
// If pool is nil, a pool with the default parallelism is created.
func NewCache(pool *workerspool.Pool) *Cache {
	if pool == nil {
		pool = workerspool.New()
	}
	return &Cache{
		pool:    pool,
		pending: xsync.NewDynamicWaitGroup(),
	}
}

// BuildSketch builds the sketch of the request's method, if no request for the same method was issued before.
// It returns the request that holds (or will hold) the sketch: req itself, or the one issued earlier.
//
// The caller's sketch is built synchronously. The sketches of its callees are built in the work pool when
// there are free workers, and inline otherwise.
// Use Lookup or Request.Wait to wait for the result.
func (c *Cache) BuildSketch(req *Request) *Request {
	actual, loaded := c.entries.LoadOrStore(req.Handle(), req)
	if loaded {
		klog.V(2).Infof("sketch for %s already requested (%s)", req.Handle(), actual.State())
		return actual
	}
	c.pending.Add(1)
	c.build(req)
	return req
}

// Submit is like BuildSketch, but the build runs in the work pool: it doesn't wait for it to finish.
func (c *Cache) Submit(req *Request) *Request {
	actual, loaded := c.entries.LoadOrStore(req.Handle(), req)
	if loaded {
		return actual
	}
	c.pending.Add(1)
	c.pool.Submit(func() { c.build(req) })
	return req
}

// Prefetch is like Submit, but it waits for a free worker to start the build, so callers issuing many requests
// are throttled by the pool. It must not be called from a task running in the pool.
func (c *Cache) Prefetch(req *Request) *Request {
	actual, loaded := c.entries.LoadOrStore(req.Handle(), req)
	if loaded {
		return actual
	}
	c.pending.Add(1)
	c.pool.WaitToStart(func() { c.build(req) })
	return req
}

// submitCallee starts the build of a callee in the pool if a worker is free, or builds it inline otherwise.
func (c *Cache) submitCallee(req *Request) {
	if _, loaded := c.entries.LoadOrStore(req.Handle(), req); loaded {
		return
	}
	c.pending.Add(1)
	if !c.pool.StartIfAvailable(func() { c.build(req) }) {
		klog.V(2).Infof("no free worker, building sketch for %s inline", req.Handle())
		c.build(req)
	}
}

// Lookup returns the sketch of the method with the given handle, waiting for it if it is still being built.
//
// It fails with an accelerr.CacheMiss error if the sketch was never requested, or with an
// accelerr.CompilationInternal error if its build failed.
func (c *Cache) Lookup(handle methods.Handle) (*Sketch, error) {
	req, found := c.entries.Load(handle)
	if !found {
		return nil, accelerr.Newf(accelerr.CacheMiss, "no sketch was built for %s", handle)
	}
	return req.Wait()
}

// Request returns the request for the given handle, if one was issued.
func (c *Cache) Request(handle methods.Handle) (*Request, bool) {
	return c.entries.Load(handle)
}

// Wait for all builds in flight, including the ones submitted while waiting.
func (c *Cache) Wait() {
	c.pending.Wait()
}

// BuildCount returns how many times the sketch of the method was built: 0 or 1.
func (c *Cache) BuildCount(handle methods.Handle) int {
	req, found := c.entries.Load(handle)
	if !found {
		return 0
	}
	return int(req.builds.Load())
}

// Len returns the number of methods requested, including the failed and pending ones.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// build the sketch and resolve the request.
func (c *Cache) build(req *Request) {
	defer c.pending.Done()
	req.builds.Add(1)
	start := time.Now()
	var sk *Sketch
	exception := exceptions.Try(func() {
		sk = c.buildGraph(req)
	})
	if exception != nil {
		err, ok := exception.(error)
		if !ok {
			err = errors.Errorf("%v", exception)
		}
		err = accelerr.Wrapf(accelerr.CompilationInternal, err, "failed to build sketch for %s", req.Handle())
		klog.Errorf("%v", err)
		req.future.Resolve(nil, err)
		return
	}
	sk.BuildTime = time.Since(start)
	klog.V(1).Infof("sketch for %s built in %s: %d nodes", req.Handle(), sk.BuildTime, sk.NumNodes())

	// Callees are requested before the sketch is visible, so whoever looks them up
	// from this sketch never gets a cache miss.
	for _, callee := range sk.Callees {
		m, _ := req.Providers.Resolver.ResolveHandle(callee) // Already resolved by buildGraph.
		c.submitCallee(NewRequest(m, req.Providers))
	}
	req.future.Resolve(sk, nil)
}

// buildGraph runs the passes over the method's body. It panics on errors.
func (c *Cache) buildGraph(req *Request) *Sketch {
	m := req.Method
	g := m.BuildGraph()
	if err := ir.Validate(g); err != nil {
		panic(err)
	}
	if req.Providers.FoldConstants {
		ir.FoldConstants(g)
	}
	if req.Providers.DeadCodeElimination {
		ir.DeadCodeElimination(g)
	}
	callees := ir.Invokes(g)
	for _, callee := range callees {
		if req.Providers.Resolver == nil {
			exceptions.Panicf("%s invokes %s, but no resolver was provided", m.Handle, callee)
		}
		if _, err := req.Providers.Resolver.ResolveHandle(callee); err != nil {
			panic(errors.WithMessagef(err, "%s invokes %s", m.Handle, callee))
		}
	}
	return &Sketch{
		Method:  m,
		Graph:   ir.Freeze(g),
		Meta:    m.Meta(),
		Callees: callees,
	}
}
