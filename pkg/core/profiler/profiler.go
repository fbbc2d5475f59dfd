// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler records the timing, size and power metrics of the execution of task graphs.
//
// Metrics are either global (e.g. TotalTaskGraphTime) or scoped to a task, identified by its name.
// The TimeProfiler is safe for concurrent use: each task has its own lock, so workers profiling
// different tasks don't contend.
//
// Snapshot returns a read-only Record of the current metrics, which can be merged with other records
// and serialized (see Record.Report) as a JSON document with one entry per task, in the order tasks
// were first seen.
package profiler

import (
	"sync"
	"time"

	"github.com/gomlx/accel/pkg/core/accelerr"
)

// Profiler is the interface used by the execution engine to record metrics.
// Values of timers are in nanoseconds.
type Profiler interface {
	// Start a global timer.
	Start(kind MetricKind)

	// StartTask starts a timer of the task.
	StartTask(kind MetricKind, task string)

	// Stop a global timer, recording the time since the matching Start.
	// It fails with accelerr.ProfilerState if the timer was not started.
	Stop(kind MetricKind) error

	// StopTask is like Stop, for a timer of the task.
	StopTask(kind MetricKind, task string) error

	// Sum accumulates the value into a global metric.
	Sum(kind MetricKind, value int64)

	// AddValueToMetric accumulates the value into a metric of the task.
	AddValueToMetric(kind MetricKind, task string, value int64)

	// SetTimer sets the value of a global timer.
	SetTimer(kind MetricKind, value int64)

	// SetTaskTimer sets the value of a timer of the task.
	SetTaskTimer(kind MetricKind, task string, value int64)

	// Timer returns the value of a global metric, or 0 if it was not recorded.
	Timer(kind MetricKind) int64

	// TaskTimer returns the value of a timer of the task, or 0 if it was not recorded.
	TaskTimer(kind MetricKind, task string) int64

	// Size returns the sum of a size metric over all tasks.
	Size(kind MetricKind) int64

	RegisterMethod(task, method string)
	RegisterDeviceID(task, deviceID string)
	RegisterDeviceName(task, device string)
	RegisterBackend(task, backend string)

	// SetTaskPowerUsage records the power usage of the task's device. Values <= 0 are recorded as "n/a".
	SetTaskPowerUsage(task string, milliWatts int64)

	// SetSystemPowerConsumption records the power consumption of the system. Values <= 0 are recorded as "n/a".
	SetSystemPowerConsumption(task string, watts int64)

	// SetSystemVoltage records the voltage of the system. Values <= 0 are recorded as "n/a".
	SetSystemVoltage(task string, volts int64)

	// Snapshot returns a copy of the current metrics.
	Snapshot() *Record

	// Clean removes all metrics and tasks.
	Clean()
}

// taskMetrics holds the metrics of one task.
type taskMetrics struct {
	mu      sync.Mutex
	timers  map[MetricKind]int64
	started map[MetricKind]time.Time
	sizes   map[MetricKind]int64
	power   map[MetricKind]string
	info    map[MetricKind]string
}

func newTaskMetrics() *taskMetrics {
	return &taskMetrics{
		timers:  make(map[MetricKind]int64),
		started: make(map[MetricKind]time.Time),
		sizes:   make(map[MetricKind]int64),
		power:   make(map[MetricKind]string),
		info:    make(map[MetricKind]string),
	}
}

// TimeProfiler is the Profiler that records all metrics.
type TimeProfiler struct {
	globalMu sync.Mutex
	global   map[MetricKind]int64
	started  map[MetricKind]time.Time

	tasksMu sync.RWMutex
	tasks   map[string]*taskMetrics
	order   []string

	now func() time.Time
}

var _ Profiler = (*TimeProfiler)(nil)

// New creates an empty TimeProfiler.
func New() *TimeProfiler {
	p := &TimeProfiler{now: time.Now}
	p.reset()
	return p
}

func (p *TimeProfiler) reset() {
	p.globalMu.Lock()
	p.global = make(map[MetricKind]int64)
	p.started = make(map[MetricKind]time.Time)
	p.globalMu.Unlock()

	p.tasksMu.Lock()
	p.tasks = make(map[string]*taskMetrics)
	p.order = nil
	p.tasksMu.Unlock()
}

// task returns the metrics of the task, creating them if needed.
func (p *TimeProfiler) task(name string) *taskMetrics {
	p.tasksMu.RLock()
	t, found := p.tasks[name]
	p.tasksMu.RUnlock()
	if found {
		return t
	}
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	if t, found = p.tasks[name]; !found {
		t = newTaskMetrics()
		p.tasks[name] = t
		p.order = append(p.order, name)
	}
	return t
}

// lookupTask returns the metrics of the task, or nil if it was never seen.
func (p *TimeProfiler) lookupTask(name string) *taskMetrics {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	return p.tasks[name]
}

// Start implements Profiler.
func (p *TimeProfiler) Start(kind MetricKind) {
	now := p.now()
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	p.started[kind] = now
}

// StartTask implements Profiler.
func (p *TimeProfiler) StartTask(kind MetricKind, task string) {
	now := p.now()
	t := p.task(task)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[kind] = now
}

// Stop implements Profiler.
func (p *TimeProfiler) Stop(kind MetricKind) error {
	now := p.now()
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	start, found := p.started[kind]
	if !found {
		return accelerr.Newf(accelerr.ProfilerState, "profiler: Stop(%s) without a matching Start", kind)
	}
	delete(p.started, kind)
	p.global[kind] = int64(now.Sub(start))
	return nil
}

// StopTask implements Profiler.
func (p *TimeProfiler) StopTask(kind MetricKind, task string) error {
	now := p.now()
	t := p.lookupTask(task)
	if t == nil {
		return accelerr.Newf(accelerr.ProfilerState, "profiler: StopTask(%s, %q) for a task never started", kind, task)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start, found := t.started[kind]
	if !found {
		return accelerr.Newf(accelerr.ProfilerState, "profiler: StopTask(%s, %q) without a matching StartTask", kind, task)
	}
	delete(t.started, kind)
	t.timers[kind] = int64(now.Sub(start))
	return nil
}

// Sum implements Profiler.
func (p *TimeProfiler) Sum(kind MetricKind, value int64) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	p.global[kind] += value
}

// AddValueToMetric implements Profiler.
func (p *TimeProfiler) AddValueToMetric(kind MetricKind, task string, value int64) {
	t := p.task(task)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes[kind] += value
}

// SetTimer implements Profiler.
func (p *TimeProfiler) SetTimer(kind MetricKind, value int64) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	p.global[kind] = value
}

// SetTaskTimer implements Profiler.
func (p *TimeProfiler) SetTaskTimer(kind MetricKind, task string, value int64) {
	t := p.task(task)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timers[kind] = value
}

// Timer implements Profiler.
func (p *TimeProfiler) Timer(kind MetricKind) int64 {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	return p.global[kind]
}

// TaskTimer implements Profiler.
func (p *TimeProfiler) TaskTimer(kind MetricKind, task string) int64 {
	t := p.lookupTask(task)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timers[kind]
}

// Size implements Profiler.
func (p *TimeProfiler) Size(kind MetricKind) int64 {
	p.tasksMu.RLock()
	tasks := make([]*taskMetrics, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.tasksMu.RUnlock()
	var total int64
	for _, t := range tasks {
		t.mu.Lock()
		total += t.sizes[kind]
		t.mu.Unlock()
	}
	return total
}

func (p *TimeProfiler) setInfo(task string, kind MetricKind, value string) {
	t := p.task(task)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info[kind] = value
}

// RegisterMethod implements Profiler.
func (p *TimeProfiler) RegisterMethod(task, method string) { p.setInfo(task, Method, method) }

// RegisterDeviceID implements Profiler.
func (p *TimeProfiler) RegisterDeviceID(task, deviceID string) { p.setInfo(task, DeviceID, deviceID) }

// RegisterDeviceName implements Profiler.
func (p *TimeProfiler) RegisterDeviceName(task, device string) { p.setInfo(task, Device, device) }

// RegisterBackend implements Profiler.
func (p *TimeProfiler) RegisterBackend(task, backend string) { p.setInfo(task, Backend, backend) }

func (p *TimeProfiler) setPower(task string, kind MetricKind, value int64) {
	t := p.task(task)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.power[kind] = powerString(value)
}

// SetTaskPowerUsage implements Profiler.
func (p *TimeProfiler) SetTaskPowerUsage(task string, milliWatts int64) {
	p.setPower(task, PowerUsageMilliWatts, milliWatts)
}

// SetSystemPowerConsumption implements Profiler.
func (p *TimeProfiler) SetSystemPowerConsumption(task string, watts int64) {
	p.setPower(task, SystemPowerConsumptionWatts, watts)
}

// SetSystemVoltage implements Profiler.
func (p *TimeProfiler) SetSystemVoltage(task string, volts int64) {
	p.setPower(task, SystemVoltageVolts, volts)
}

// Snapshot implements Profiler.
func (p *TimeProfiler) Snapshot() *Record {
	r := newRecord()
	p.globalMu.Lock()
	for kind, value := range p.global {
		r.Global[kind] = value
	}
	p.globalMu.Unlock()

	p.tasksMu.RLock()
	order := append([]string(nil), p.order...)
	tasks := make([]*taskMetrics, len(order))
	for ii, name := range order {
		tasks[ii] = p.tasks[name]
	}
	p.tasksMu.RUnlock()

	for ii, t := range tasks {
		tr := r.task(order[ii])
		t.mu.Lock()
		for kind, value := range t.timers {
			tr.Timers[kind] = value
		}
		for kind, value := range t.sizes {
			tr.Sizes[kind] = value
		}
		for kind, value := range t.power {
			tr.Power[kind] = value
		}
		tr.Backend, tr.Method = t.info[Backend], t.info[Method]
		tr.DeviceID, tr.Device = t.info[DeviceID], t.info[Device]
		t.mu.Unlock()
	}
	return r
}

// Clean implements Profiler.
func (p *TimeProfiler) Clean() {
	p.reset()
}

// EmptyProfiler records nothing: it's used when profiling is disabled.
type EmptyProfiler struct{}

var _ Profiler = EmptyProfiler{}

func (EmptyProfiler) Start(MetricKind)                           {}
func (EmptyProfiler) StartTask(MetricKind, string)               {}
func (EmptyProfiler) Stop(MetricKind) error                      { return nil }
func (EmptyProfiler) StopTask(MetricKind, string) error          { return nil }
func (EmptyProfiler) Sum(MetricKind, int64)                      {}
func (EmptyProfiler) AddValueToMetric(MetricKind, string, int64) {}
func (EmptyProfiler) SetTimer(MetricKind, int64)                 {}
func (EmptyProfiler) SetTaskTimer(MetricKind, string, int64)     {}
func (EmptyProfiler) Timer(MetricKind) int64                     { return 0 }
func (EmptyProfiler) TaskTimer(MetricKind, string) int64         { return 0 }
func (EmptyProfiler) Size(MetricKind) int64                      { return 0 }
func (EmptyProfiler) RegisterMethod(string, string)              {}
func (EmptyProfiler) RegisterDeviceID(string, string)            {}
func (EmptyProfiler) RegisterDeviceName(string, string)          {}
func (EmptyProfiler) RegisterBackend(string, string)             {}
func (EmptyProfiler) SetTaskPowerUsage(string, int64)            {}
func (EmptyProfiler) SetSystemPowerConsumption(string, int64)    {}
func (EmptyProfiler) SetSystemVoltage(string, int64)             {}
func (EmptyProfiler) Snapshot() *Record                          { return newRecord() }
func (EmptyProfiler) Clean()                                     {}
