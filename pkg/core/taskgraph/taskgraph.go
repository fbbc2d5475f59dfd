// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package taskgraph describes a computation: an ordered list of tasks (routines bound to
// their arguments, and optionally to a device) and the declarations of the data transfers between the host
// and the devices.
//
// A TaskGraph is a builder: tasks and transfers are appended to it, and Snapshot returns an
// ImmutableTaskGraph with a copy of what was declared so far. The builder can continue to be used
// afterwards, without affecting previous snapshots.
//
// Example:
//
//	graph := taskgraph.New("s0").
//		TransferToDevice(taskgraph.EveryExecution, a, b).
//		Task("t0", vectorAdd, a, b, c, int32(len(c))).
//		TransferToHost(taskgraph.EveryExecution, c)
//	snapshot, err := graph.Snapshot()
//
// The execution of snapshots is done by package execution.
package taskgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Task is a routine bound to its concrete arguments.
type Task struct {
	// Name is unique within the graph.
	Name string

	// Method to execute. If nil, Symbol is resolved at execution time.
	Method *frontend.Method
	Symbol string

	// Args bound to the routine, including the receiver for instance methods. Arrays are
	// host slices or vector arrays (see package vectors), referenced and not copied.
	Args []any

	// Device the task runs on. If zero, the execution plan decides.
	Device backends.DeviceDescriptor
}

// MethodName returns the name of the task's routine.
func (t *Task) MethodName() string {
	if t.Method != nil {
		return t.Method.Name()
	}
	return t.Symbol
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	s := fmt.Sprintf("%s=%s(%d args)", t.Name, t.MethodName(), len(t.Args))
	if !t.Device.IsZero() {
		s += "@" + t.Device.String()
	}
	return s
}

// References returns the identities of the array arguments of the task.
func (t *Task) References() []Identity {
	var ids []Identity
	for _, arg := range t.Args {
		if id, ok := IdentityOf(arg); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Task) clone() *Task {
	t2 := *t
	t2.Args = slices.Clone(t.Args)
	return &t2
}

// Transfer is the declaration of data transfers of arrays with a policy.
type Transfer struct {
	Direction Direction
	Policy    TransferPolicy
	Args      []any

	// Task is the index of the task the transfer is attached to: transfers to the device happen
	// before the task is launched, and transfers to the host after.
	Task int
}

// String implements fmt.Stringer.
func (tr *Transfer) String() string {
	return fmt.Sprintf("%s(%s, %d arrays, task #%d)", tr.Direction, tr.Policy, len(tr.Args), tr.Task)
}

func (tr *Transfer) clone() *Transfer {
	tr2 := *tr
	tr2.Args = slices.Clone(tr.Args)
	return &tr2
}

// TaskGraph builds the description of a computation. It is not safe for concurrent use.
type TaskGraph struct {
	name      string
	tasks     []*Task
	transfers []*Transfer
	err       error
}

// New creates an empty TaskGraph with the given name.
func New(name string) *TaskGraph {
	return &TaskGraph{name: name}
}

// Name of the graph.
func (g *TaskGraph) Name() string { return g.name }

// Err returns the problems found so far in the declarations. They are also returned by Snapshot.
func (g *TaskGraph) Err() error { return g.err }

func (g *TaskGraph) addTask(t *Task) *TaskGraph {
	if t.Name == "" {
		g.err = multierr.Append(g.err, errors.Errorf("task #%d has no name", len(g.tasks)))
	}
	if t.Method == nil && t.Symbol == "" {
		g.err = multierr.Append(g.err, errors.Errorf("task %q has no method", t.Name))
	}
	g.tasks = append(g.tasks, t)
	return g
}

// Task appends a task running m with the given arguments.
func (g *TaskGraph) Task(name string, m *frontend.Method, args ...any) *TaskGraph {
	return g.addTask(&Task{Name: name, Method: m, Args: args})
}

// TaskSymbol appends a task running the routine with the given symbol, resolved at execution time.
func (g *TaskGraph) TaskSymbol(name, symbol string, args ...any) *TaskGraph {
	return g.addTask(&Task{Name: name, Symbol: symbol, Args: args})
}

// TaskOn appends a task running m with the given arguments on the given device.
func (g *TaskGraph) TaskOn(name string, device backends.DeviceDescriptor, m *frontend.Method, args ...any) *TaskGraph {
	return g.addTask(&Task{Name: name, Method: m, Args: args, Device: device})
}

// TransferToDevice declares the transfer of the arrays before the next task appended is launched. They are
// copied to the devices of all the tasks that use them from that task on.
func (g *TaskGraph) TransferToDevice(policy TransferPolicy, args ...any) *TaskGraph {
	g.transfers = append(g.transfers, &Transfer{Direction: ToDevice, Policy: policy, Args: args, Task: len(g.tasks)})
	return g
}

// TransferToHost declares the transfer of the arrays back to the host, after the last task appended is executed.
func (g *TaskGraph) TransferToHost(policy TransferPolicy, args ...any) *TaskGraph {
	if len(g.tasks) == 0 {
		g.err = multierr.Append(g.err, errors.New("TransferToHost declared before any task"))
	}
	g.transfers = append(g.transfers, &Transfer{Direction: ToHost, Policy: policy, Args: args, Task: len(g.tasks) - 1})
	return g
}

// Snapshot validates the declarations and returns an immutable copy of them.
// All the problems found are returned together (see go.uber.org/multierr).
func (g *TaskGraph) Snapshot() (*ImmutableTaskGraph, error) {
	err := g.err
	if len(g.tasks) == 0 {
		err = multierr.Append(err, errors.Errorf("task graph %q has no tasks", g.name))
	}
	names := make(map[string]int, len(g.tasks))
	referenced := make(map[Identity]bool)
	for ii, t := range g.tasks {
		if previous, found := names[t.Name]; found && t.Name != "" {
			err = multierr.Append(err, errors.Errorf("task name %q used by tasks #%d and #%d", t.Name, previous, ii))
		}
		names[t.Name] = ii
		for _, id := range t.References() {
			referenced[id] = true
		}
	}
	for ii, tr := range g.transfers {
		if !tr.Policy.IsValid() {
			err = multierr.Append(err, errors.Errorf("transfer #%d has invalid policy %s", ii, tr.Policy))
		}
		if tr.Direction == ToDevice && tr.Task >= len(g.tasks) && len(g.tasks) > 0 {
			err = multierr.Append(err, errors.Errorf("transfer #%d to device declared after the last task", ii))
		}
		for jj, arg := range tr.Args {
			id, ok := IdentityOf(arg)
			if !ok {
				err = multierr.Append(err, errors.Errorf("transfer #%d argument #%d (%T) is not an array", ii, jj, arg))
				continue
			}
			if !referenced[id] {
				err = multierr.Append(err, errors.Errorf("transfer #%d argument #%d (%s) is not used by any task", ii, jj, id))
			}
		}
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid task graph %q", g.name)
	}

	snapshot := &ImmutableTaskGraph{
		name:      g.name,
		tasks:     make([]*Task, len(g.tasks)),
		transfers: make([]*Transfer, len(g.transfers)),
		index:     names,
	}
	for ii, t := range g.tasks {
		snapshot.tasks[ii] = t.clone()
	}
	for ii, tr := range g.transfers {
		snapshot.transfers[ii] = tr.clone()
	}
	return snapshot, nil
}

// ImmutableTaskGraph is a validated, read-only snapshot of a TaskGraph. It can be executed by
// many execution plans.
type ImmutableTaskGraph struct {
	name      string
	tasks     []*Task
	transfers []*Transfer
	index     map[string]int
}

// Name of the graph.
func (g *ImmutableTaskGraph) Name() string { return g.name }

// NumTasks returns the number of tasks.
func (g *ImmutableTaskGraph) NumTasks() int { return len(g.tasks) }

// Tasks returns copies of the tasks, in execution order.
func (g *ImmutableTaskGraph) Tasks() []Task {
	tasks := make([]Task, len(g.tasks))
	for ii, t := range g.tasks {
		tasks[ii] = *t.clone()
	}
	return tasks
}

// TaskAt returns a copy of the task at the given position.
func (g *ImmutableTaskGraph) TaskAt(idx int) Task {
	return *g.tasks[idx].clone()
}

// Task returns a copy of the task with the given name and its position.
func (g *ImmutableTaskGraph) Task(name string) (task Task, idx int, found bool) {
	idx, found = g.index[name]
	if !found {
		return Task{}, -1, false
	}
	return *g.tasks[idx].clone(), idx, true
}

// Transfers returns copies of the transfer declarations, in declaration order.
func (g *ImmutableTaskGraph) Transfers() []Transfer {
	transfers := make([]Transfer, len(g.transfers))
	for ii, tr := range g.transfers {
		transfers[ii] = *tr.clone()
	}
	return transfers
}

// String implements fmt.Stringer.
func (g *ImmutableTaskGraph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TaskGraph %q:\n", g.name)
	for _, action := range g.Schedule() {
		fmt.Fprintf(&sb, "  %s\n", action)
	}
	return sb.String()
}
