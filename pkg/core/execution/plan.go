// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execution

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/compiler"
	"github.com/gomlx/accel/pkg/core/profiler"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/accel/pkg/core/sketch"
	"github.com/gomlx/accel/pkg/core/taskgraph"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Plan (an execution plan) binds an ImmutableTaskGraph to devices and run-scoped options.
//
// The graph structure of a plan can't change, but its options can be changed between executions.
// A plan keeps its compiled artifacts and its device buffers (one per device and host array) for its
// whole lifetime: call Finalize to release the buffers.
//
// Executions of the same plan are serialized: it is safe to call Execute concurrently, but the calls
// run one at a time.
type Plan struct {
	rt    *Runtime
	graph *taskgraph.ImmutableTaskGraph
	id    uuid.UUID

	mu sync.Mutex

	profiling     bool
	warmUp        bool
	warmedUp      bool
	iterations    int
	defaultDevice backends.DeviceDescriptor
	devices       map[string]backends.DeviceDescriptor

	artifacts  *compiler.ArtifactCache
	buffers    map[bufferKey]*deviceBuffer
	copiedIn   map[bufferKey]bool
	executions int

	// resident marks the buffers holding the current contents of their array.
	// home is the device where an array was last written by a launch: the host copy and the
	// buffers on other devices are stale until it's transferred.
	resident map[bufferKey]bool
	home     map[taskgraph.Identity]backends.DeviceDescriptor

	// declaredAt is the index of the first task with a transfer to the device of the array, of any policy.
	declaredAt map[taskgraph.Identity]int

	profiler profiler.Profiler
	record   *profiler.Record
}

// bufferKey identifies the device buffer of a host array.
type bufferKey struct {
	device backends.DeviceDescriptor
	id     taskgraph.Identity
}

type deviceBuffer struct {
	buffer backends.Buffer
	shape  shapes.Shape
}

func newPlan(rt *Runtime, graph *taskgraph.ImmutableTaskGraph) *Plan {
	p := &Plan{
		rt:         rt,
		graph:      graph,
		id:         uuid.New(),
		profiling:  rt.config.Profiler,
		iterations: 1,
		devices:    make(map[string]backends.DeviceDescriptor),
		artifacts:  compiler.NewArtifactCache(rt.shared),
		buffers:    make(map[bufferKey]*deviceBuffer),
		copiedIn:   make(map[bufferKey]bool),
		resident:   make(map[bufferKey]bool),
		home:       make(map[taskgraph.Identity]backends.DeviceDescriptor),
		declaredAt: make(map[taskgraph.Identity]int),
		record:     &profiler.Record{Global: make(map[profiler.MetricKind]int64)},
	}
	for _, tr := range graph.Transfers() {
		if tr.Direction != taskgraph.ToDevice {
			continue
		}
		for _, arg := range tr.Args {
			id, ok := taskgraph.IdentityOf(arg)
			if !ok {
				continue
			}
			if idx, found := p.declaredAt[id]; !found || tr.Task < idx {
				p.declaredAt[id] = tr.Task
			}
		}
	}
	p.setProfiling(p.profiling)
	return p
}

func (p *Plan) setProfiling(enabled bool) {
	p.profiling = enabled
	if enabled {
		p.profiler = profiler.New()
	} else {
		p.profiler = profiler.EmptyProfiler{}
	}
}

// WithProfiler enables or disables the profiling of the executions. It returns the plan itself.
func (p *Plan) WithProfiler(enabled bool) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setProfiling(enabled)
	return p
}

// WithDevice overrides the device of the task. It returns the plan itself.
func (p *Plan) WithDevice(task string, device backends.DeviceDescriptor) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[task] = device
	return p
}

// WithDefaultDevice sets the device of the tasks that don't specify one. It returns the plan itself.
func (p *Plan) WithDefaultDevice(device backends.DeviceDescriptor) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultDevice = device
	return p
}

// WithWarmUp makes the first execution compile all tasks before running any of them. It returns the plan itself.
func (p *Plan) WithWarmUp() *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warmUp = true
	return p
}

// WithIterations sets how many times the schedule is run by each call to Execute. It returns the plan itself.
func (p *Plan) WithIterations(n int) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterations = max(n, 1)
	return p
}

// ID of the plan.
func (p *Plan) ID() uuid.UUID { return p.id }

// Graph executed by the plan.
func (p *Plan) Graph() *taskgraph.ImmutableTaskGraph { return p.graph }

// Executions returns the number of runs of the schedule so far, including the failed ones.
func (p *Plan) Executions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executions
}

// Artifacts returns the cache of the artifacts compiled by the plan.
func (p *Plan) Artifacts() *compiler.ArtifactCache { return p.artifacts }

// Profile returns the metrics accumulated over all profiled executions of the plan.
func (p *Plan) Profile() *profiler.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return (&profiler.Record{Global: make(map[profiler.MetricKind]int64)}).Merge(p.record)
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	return fmt.Sprintf("Plan(%s, graph %q, %d tasks)", p.id, p.graph.Name(), p.graph.NumTasks())
}

// deviceOf returns the device the task runs on. Must be called with the lock held.
func (p *Plan) deviceOf(task *taskgraph.Task) backends.DeviceDescriptor {
	if device, found := p.devices[task.Name]; found {
		return device
	}
	if !task.Device.IsZero() {
		return task.Device
	}
	if !p.defaultDevice.IsZero() {
		return p.defaultDevice
	}
	return p.rt.DefaultDevice()
}

// bindDevices returns the device of each task, failing with accelerr.DeviceUnavailable if any
// of them can't be used.
func (p *Plan) bindDevices() ([]backends.DeviceDescriptor, error) {
	backend := p.rt.backend
	devices := make([]backends.DeviceDescriptor, p.graph.NumTasks())
	for ii := range devices {
		task := p.graph.TaskAt(ii)
		device := p.deviceOf(&task)
		switch {
		case device.IsZero():
			return nil, accelerr.Newf(accelerr.DeviceUnavailable, "backend %q has no devices for task %q", backend.Name(), task.Name)
		case device.Backend != backend.Name():
			return nil, accelerr.Newf(accelerr.DeviceUnavailable, "device %s of task %q is not managed by backend %q",
				device, task.Name, backend.Name())
		case !backend.DeviceAvailable(device):
			return nil, accelerr.Newf(accelerr.DeviceUnavailable, "device %s of task %q is not available", device, task.Name)
		}
		devices[ii] = device
	}
	return devices, nil
}

// WarmUp compiles the tasks of the plan for their devices, without running them.
func (p *Plan) WarmUp() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedWarmUp()
}

func (p *Plan) lockedWarmUp() error {
	devices, err := p.bindDevices()
	if err != nil {
		return err
	}
	// Sketches of all tasks are built in the background first, throttled by the runtime's pool.
	for ii := range p.graph.NumTasks() {
		task := p.graph.TaskAt(ii)
		m, err := p.rt.resolve(&task)
		if err != nil {
			return err
		}
		p.rt.sketches.Prefetch(sketch.NewRequest(m, p.rt.providers))
	}
	r := newRun(p, devices)
	for ii := range p.graph.NumTasks() {
		task := p.graph.TaskAt(ii)
		if _, err = r.compile(&task, devices[ii]); err != nil {
			return err
		}
	}
	p.warmedUp = true
	return nil
}

// Execute runs the schedule of the graph (the number of iterations configured, 1 by default).
//
// Devices are checked before anything else: an unavailable device fails with accelerr.DeviceUnavailable
// before any transfer. A failure aborts the execution, but the plan can be executed again: its caches
// are kept, except the artifacts of routines that failed with accelerr.CompilationInternal.
//
// The returned Result holds the error too, if any.
func (p *Plan) Execute() (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := &Result{Plan: p}
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	devices, err := p.bindDevices()
	if err != nil {
		result.Err = err
		return result, err
	}
	if p.warmUp && !p.warmedUp {
		if err = p.lockedWarmUp(); err != nil {
			result.Err = err
			return result, err
		}
	}
	for range p.iterations {
		r := newRun(p, devices)
		err = r.execute()
		p.executions++
		result.Run = p.executions
		result.CopyIns += r.copyIns
		result.CopyOuts += r.copyOuts
		result.Launches += r.launches
		if p.profiling {
			result.Profile = p.profiler.Snapshot()
			p.record.Merge(result.Profile)
			p.profiler.Clean()
			if p.rt.config.ProfilerDump {
				p.dump(result.Profile)
			}
		}
		if err != nil {
			result.Err = errors.WithMessagef(err, "execution #%d of graph %q", p.executions, p.graph.Name())
			return result, result.Err
		}
	}
	klog.V(1).Infof("executed graph %q (run #%d): %d transfers to device, %d to host, %d launches in %s",
		p.graph.Name(), result.Run, result.CopyIns, result.CopyOuts, result.Launches, time.Since(start))
	return result, nil
}

func (p *Plan) dump(record *profiler.Record) {
	report, err := record.Report(p.id.String())
	if err != nil {
		klog.Errorf("%+v", err)
		return
	}
	klog.Infof("profiler report of graph %q:\n%s", p.graph.Name(), report)
}

// lockedBuffer returns the device buffer of the host array, allocating it if needed.
func (p *Plan) lockedBuffer(device backends.DeviceDescriptor, value any) (*deviceBuffer, bufferKey, error) {
	id, ok := taskgraph.IdentityOf(value)
	if !ok {
		return nil, bufferKey{}, errors.Errorf("value of type %T is not an array", value)
	}
	key := bufferKey{device: device, id: id}
	if buf, found := p.buffers[key]; found {
		return buf, key, nil
	}
	shape, err := shapes.FromValue(value)
	if err != nil {
		return nil, key, err
	}
	buffer, err := p.rt.backend.Allocate(device, shape)
	if err != nil {
		return nil, key, errors.WithMessagef(err, "allocating %s on %s", shape, device)
	}
	buf := &deviceBuffer{buffer: buffer, shape: shape}
	p.buffers[key] = buf
	klog.V(2).Infof("plan %s: allocated %s on %s for %s", p.id, shape, device, id)
	return buf, key, nil
}

// markCopiedIn records that the buffers of the keys received the host contents of their array.
// Buffers of the same array on other devices become stale.
func (p *Plan) markCopiedIn(id taskgraph.Identity, keys ...bufferKey) {
	for key := range p.buffers {
		if key.id == id {
			p.resident[key] = false
		}
	}
	for _, key := range keys {
		p.resident[key] = true
	}
	delete(p.home, id)
}

// markWritten records that a launch on key.device wrote the array.
func (p *Plan) markWritten(key bufferKey) {
	for other := range p.buffers {
		if other.id == key.id {
			p.resident[other] = false
		}
	}
	p.resident[key] = true
	p.home[key.id] = key.device
}

// checkResident fails if the buffer used by the task at index taskIdx doesn't hold the current contents of
// its array: that is, if the array was written on another device, or if a transfer of the array to the
// device declared up to this task hasn't reached this device.
func (p *Plan) checkResident(key bufferKey, taskIdx int) error {
	if p.resident[key] {
		return nil
	}
	if home, found := p.home[key.id]; found && home != key.device {
		return errors.Errorf("array %s was last written on %s, and it's not transferred to %s", key.id, home, key.device)
	}
	if idx, found := p.declaredAt[key.id]; found && idx <= taskIdx {
		return errors.Errorf("array %s was not transferred to %s", key.id, key.device)
	}
	return nil
}

// sourceOf returns the device holding the current contents of the array: where it was last written,
// or else the device of the last task that references it.
func (p *Plan) sourceOf(id taskgraph.Identity) (backends.DeviceDescriptor, bool) {
	if home, found := p.home[id]; found {
		return home, true
	}
	return p.lastDeviceOf(id)
}

// lastDeviceOf returns the device of the last task that references the host array.
func (p *Plan) lastDeviceOf(id taskgraph.Identity) (backends.DeviceDescriptor, bool) {
	for ii := p.graph.NumTasks() - 1; ii >= 0; ii-- {
		task := p.graph.TaskAt(ii)
		for _, ref := range task.References() {
			if ref == id {
				return p.deviceOf(&task), true
			}
		}
	}
	return backends.DeviceDescriptor{}, false
}

// TransferToDevice copies the host arrays to the devices of all the tasks that use them.
// It's used for arrays declared with the taskgraph.UserManaged policy.
func (p *Plan) TransferToDevice(args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ii, arg := range args {
		id, ok := taskgraph.IdentityOf(arg)
		if !ok {
			return errors.Errorf("TransferToDevice: argument #%d (%T) is not an array", ii, arg)
		}
		var keys []bufferKey
		for jj := range p.graph.NumTasks() {
			task := p.graph.TaskAt(jj)
			if !references(&task, id) {
				continue
			}
			buf, key, err := p.lockedBuffer(p.deviceOf(&task), arg)
			if err != nil {
				return err
			}
			if slices.Contains(keys, key) {
				continue
			}
			if err = p.rt.backend.CopyToDevice(buf.buffer, taskgraph.FlatOf(arg)); err != nil {
				return errors.WithMessagef(err, "TransferToDevice: argument #%d", ii)
			}
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return errors.Errorf("TransferToDevice: argument #%d (%s) is not used by any task of graph %q", ii, id, p.graph.Name())
		}
		p.markCopiedIn(id, keys...)
	}
	return nil
}

// TransferToHost copies the host arrays back from the device where they were last written, or else from the
// device of the last task that uses them.
// It's used for arrays declared with the taskgraph.UserManaged policy.
func (p *Plan) TransferToHost(args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ii, arg := range args {
		id, ok := taskgraph.IdentityOf(arg)
		if !ok {
			return errors.Errorf("TransferToHost: argument #%d (%T) is not an array", ii, arg)
		}
		device, found := p.sourceOf(id)
		if !found {
			return errors.Errorf("TransferToHost: argument #%d (%s) is not used by any task of graph %q", ii, id, p.graph.Name())
		}
		buf, found := p.buffers[bufferKey{device: device, id: id}]
		if !found {
			return errors.Errorf("TransferToHost: argument #%d (%s) has no buffer on %s, was the plan executed?", ii, id, device)
		}
		if err := p.rt.backend.CopyToHost(buf.buffer, taskgraph.FlatOf(arg)); err != nil {
			return errors.WithMessagef(err, "TransferToHost: argument #%d", ii)
		}
	}
	return nil
}

func references(task *taskgraph.Task, id taskgraph.Identity) bool {
	for _, ref := range task.References() {
		if ref == id {
			return true
		}
	}
	return false
}

// Finalize releases the device buffers of the plan. The plan can still be executed afterwards: buffers are
// allocated again and arrays with the taskgraph.FirstExecution policy are copied again.
func (p *Plan) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, buf := range p.buffers {
		if err := p.rt.backend.BufferFinalize(buf.buffer); err != nil {
			klog.Warningf("plan %s: failed to finalize buffer of %s on %s: %v", p.id, key.id, key.device, err)
		}
	}
	clear(p.buffers)
	clear(p.copiedIn)
	clear(p.resident)
	clear(p.home)
}

// Result of an execution.
type Result struct {
	Plan *Plan

	// Run is the number of the last run of the schedule, counting from 1 since the plan was created.
	Run int

	// Err is the error that aborted the execution, if any.
	Err error

	// Profile holds the metrics of the last run, if profiling is enabled.
	Profile *profiler.Record

	// CopyIns and CopyOuts are the number of arrays transferred to the devices and to the host,
	// and Launches the number of kernels launched.
	CopyIns, CopyOuts, Launches int

	Elapsed time.Duration
}

// Ok returns whether the execution succeeded.
func (r *Result) Ok() bool { return r.Err == nil }

// String implements fmt.Stringer.
func (r *Result) String() string {
	status := "ok"
	if r.Err != nil {
		status = "failed: " + r.Err.Error()
	}
	return fmt.Sprintf("Result(run #%d, %d copy-ins, %d copy-outs, %d launches, %s): %s",
		r.Run, r.CopyIns, r.CopyOuts, r.Launches, r.Elapsed, status)
}
