// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execution

import (
	"slices"
	"time"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/compiler"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/profiler"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/accel/pkg/core/taskgraph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// run is one run of the schedule of a plan. It's only used with the plan lock held.
type run struct {
	p       *Plan
	devices []backends.DeviceDescriptor
	prof    profiler.Profiler

	// first is true for the first run of the plan.
	first bool

	copyIns, copyOuts, launches int
	copyInTime, copyOutTime     []time.Duration
}

func newRun(p *Plan, devices []backends.DeviceDescriptor) *run {
	return &run{
		p:           p,
		devices:     devices,
		prof:        p.profiler,
		first:       p.executions == 0,
		copyInTime:  make([]time.Duration, len(devices)),
		copyOutTime: make([]time.Duration, len(devices)),
	}
}

// taskName is the name of the task in the profiler.
func (r *run) taskName(task *taskgraph.Task) string {
	return r.p.graph.Name() + "." + task.Name
}

func (r *run) execute() error {
	r.prof.Start(profiler.TotalTaskGraphTime)
	err := r.executeSchedule()
	for ii := range r.devices {
		task := r.p.graph.TaskAt(ii)
		if r.copyInTime[ii] > 0 {
			r.prof.SetTaskTimer(profiler.CopyInTime, r.taskName(&task), int64(r.copyInTime[ii]))
		}
		if r.copyOutTime[ii] > 0 {
			r.prof.SetTaskTimer(profiler.CopyOutTime, r.taskName(&task), int64(r.copyOutTime[ii]))
		}
	}
	if stopErr := r.prof.Stop(profiler.TotalTaskGraphTime); stopErr != nil {
		klog.Errorf("%+v", stopErr)
	}
	return err
}

func (r *run) executeSchedule() error {
	for _, action := range r.p.graph.Schedule() {
		task := r.p.graph.TaskAt(action.Task)
		var err error
		switch action.Kind {
		case taskgraph.ActionTransferToDevice:
			err = r.transferToDevice(&task, action)
		case taskgraph.ActionLaunch:
			err = r.launch(&task, action.Task)
		case taskgraph.ActionTransferToHost:
			err = r.transferToHost(&task, action)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// compiled is a task ready to be launched.
type compiled struct {
	method    *frontend.Method
	artifact  *compiler.Artifact
	argShapes []shapes.Shape

	// stored are the indices of the arguments written by the kernel.
	stored []int
}

// compile the task for the device, using the artifact cache of the plan.
func (r *run) compile(task *taskgraph.Task, device backends.DeviceDescriptor) (*compiled, error) {
	rt, name := r.p.rt, r.taskName(task)
	m, err := rt.resolve(task)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r.prof.StartTask(profiler.TaskCompileSketchTime, name)
	sk, err := rt.Sketch(m)
	r.stopTask(profiler.TaskCompileSketchTime, name)
	if err != nil {
		r.p.artifacts.Invalidate(m.Handle)
		return nil, errors.WithMessagef(err, "task %q", task.Name)
	}
	argShapes, err := compiler.ResolveShapes(sk.Meta, sk.Graph.Params(), task.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "task %q (%s)", task.Name, m.Handle)
	}

	r.prof.StartTask(profiler.TaskCompileDriverTime, name)
	artifact, err := r.p.artifacts.GetOrCompile(compiler.KeyFor(sk, argShapes, device), func() (*compiler.Artifact, error) {
		return rt.compiler.CompileShapes(sk, argShapes, device)
	})
	r.stopTask(profiler.TaskCompileDriverTime, name)
	r.prof.Sum(profiler.TotalCompileTime, int64(time.Since(start)))
	if err != nil {
		if accelerr.IsFatalForMethod(err) {
			n := r.p.artifacts.Invalidate(m.Handle)
			klog.V(1).Infof("plan %s: invalidated %d artifacts of %s", r.p.id, n, m.Handle)
		}
		return nil, errors.WithMessagef(err, "task %q", task.Name)
	}
	return &compiled{method: m, artifact: artifact, argShapes: argShapes, stored: ir.StoredParams(sk.Graph)}, nil
}

func (r *run) stopTask(kind profiler.MetricKind, name string) {
	if err := r.prof.StopTask(kind, name); err != nil {
		klog.Errorf("%+v", err)
	}
}

// launch compiles (if needed) and runs the task.
func (r *run) launch(task *taskgraph.Task, idx int) error {
	device, name := r.devices[idx], r.taskName(task)
	backend := r.p.rt.backend
	c, err := r.compile(task, device)
	if err != nil {
		return err
	}

	dispatchStart := time.Now()
	args := make([]any, len(task.Args))
	keys := make([]bufferKey, len(task.Args))
	for ii, s := range c.argShapes {
		switch {
		case s.IsOpaque():
			args[ii] = nil
		case s.IsScalar():
			args[ii] = task.Args[ii]
		default:
			buf, key, err := r.p.lockedBuffer(device, task.Args[ii])
			if err == nil {
				err = r.p.checkResident(key, idx)
			}
			if err != nil {
				return errors.WithMessagef(err, "task %q argument #%d", task.Name, ii)
			}
			args[ii], keys[ii] = buf.buffer, key
		}
	}

	r.prof.StartTask(profiler.TaskKernelTime, name)
	kernelStart := time.Now()
	exception := exceptions.Try(func() {
		err = backend.Launch(device, c.artifact.Binary, args)
	})
	kernelTime := time.Since(kernelStart)
	r.stopTask(profiler.TaskKernelTime, name)
	if exception != nil {
		err = errors.Errorf("backend panicked: %v", exception)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to launch task %q (%s) on %s", task.Name, c.method.Handle, device)
	}
	r.launches++
	for _, ii := range c.stored {
		if args[ii] != nil {
			r.p.markWritten(keys[ii])
		}
	}
	r.prof.Sum(profiler.TotalKernelTime, int64(kernelTime))
	r.prof.Sum(profiler.TotalDispatchTime, int64(time.Since(dispatchStart)))

	r.prof.RegisterBackend(name, backend.Name())
	r.prof.RegisterMethod(name, c.method.Name())
	r.prof.RegisterDeviceID(name, device.String())
	r.prof.RegisterDeviceName(name, device.Description)
	var milliWatts float64
	if pm, ok := backend.(backends.PowerMonitor); ok {
		if milliWatts, err = pm.PowerUsage(device); err != nil {
			klog.V(2).Infof("power usage of %s not available: %v", device, err)
			milliWatts = 0
		}
	}
	r.prof.SetTaskPowerUsage(name, int64(milliWatts))
	r.prof.SetSystemPowerConsumption(name, 0)
	r.prof.SetSystemVoltage(name, 0)
	klog.V(2).Infof("launched %s on %s in %s", task, device, kernelTime)
	return nil
}

func (r *run) transferToDevice(task *taskgraph.Task, action taskgraph.Action) error {
	if action.Policy == taskgraph.UserManaged {
		return nil
	}
	name := r.taskName(task)
	for ii, arg := range action.Args {
		id, _ := taskgraph.IdentityOf(arg)
		var keys []bufferKey
		for _, device := range r.devicesUsing(id, action.Task) {
			buf, key, err := r.p.lockedBuffer(device, arg)
			if err != nil {
				return errors.WithMessagef(err, "transfer #%d argument #%d", action.Transfer, ii)
			}
			if action.Policy == taskgraph.FirstExecution && r.p.copiedIn[key] {
				klog.V(2).Infof("plan %s: %s already on %s", r.p.id, key.id, device)
				continue
			}
			start := time.Now()
			if err = r.p.rt.backend.CopyToDevice(buf.buffer, taskgraph.FlatOf(arg)); err != nil {
				return errors.WithMessagef(err, "transfer #%d argument #%d to %s", action.Transfer, ii, device)
			}
			r.copyInTime[action.Task] += time.Since(start)
			r.p.copiedIn[key] = true
			keys = append(keys, key)
			r.copyIns++
			bytes := int64(buf.shape.Memory())
			r.prof.AddValueToMetric(profiler.CopyInBytes, name, bytes)
			r.prof.Sum(profiler.TotalCopyInBytes, bytes)
		}
		if len(keys) > 0 {
			r.p.markCopiedIn(id, keys...)
		}
	}
	return nil
}

// devicesUsing returns the distinct devices of the tasks, from the one at index from on, that
// reference the array. It defaults to the device of the task at index from.
func (r *run) devicesUsing(id taskgraph.Identity, from int) []backends.DeviceDescriptor {
	var devices []backends.DeviceDescriptor
	for ii := from; ii < len(r.devices); ii++ {
		task := r.p.graph.TaskAt(ii)
		if references(&task, id) && !slices.Contains(devices, r.devices[ii]) {
			devices = append(devices, r.devices[ii])
		}
	}
	if len(devices) == 0 {
		devices = append(devices, r.devices[from])
	}
	return devices
}

func (r *run) transferToHost(task *taskgraph.Task, action taskgraph.Action) error {
	switch {
	case action.Policy == taskgraph.UserManaged:
		return nil
	case action.Policy == taskgraph.FirstExecution && !r.first:
		klog.V(2).Infof("plan %s: skipping transfer #%d to host after the first execution", r.p.id, action.Transfer)
		return nil
	}
	name := r.taskName(task)
	for ii, arg := range action.Args {
		id, _ := taskgraph.IdentityOf(arg)
		device := r.devices[action.Task]
		if home, found := r.p.home[id]; found {
			device = home
		} else if !references(task, id) {
			device, _ = r.p.lastDeviceOf(id)
		}
		buf, _, err := r.p.lockedBuffer(device, arg)
		if err != nil {
			return errors.WithMessagef(err, "transfer #%d argument #%d", action.Transfer, ii)
		}
		start := time.Now()
		if err = r.p.rt.backend.CopyToHost(buf.buffer, taskgraph.FlatOf(arg)); err != nil {
			return errors.WithMessagef(err, "transfer #%d argument #%d from %s", action.Transfer, ii, device)
		}
		r.copyOutTime[action.Task] += time.Since(start)
		r.copyOuts++
		bytes := int64(buf.shape.Memory())
		r.prof.AddValueToMetric(profiler.CopyOutBytes, name, bytes)
		r.prof.Sum(profiler.TotalCopyOutBytes, bytes)
	}
	return nil
}
