// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"fmt"
	"slices"
)

// ActionKind is the type of a scheduled action.
type ActionKind int

const (
	ActionTransferToDevice ActionKind = iota
	ActionLaunch
	ActionTransferToHost
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case ActionTransferToDevice:
		return "TransferToDevice"
	case ActionLaunch:
		return "Launch"
	case ActionTransferToHost:
		return "TransferToHost"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is one step of the execution of a task graph.
type Action struct {
	Kind ActionKind

	// Task is the index of the task launched, or the task the transfer is attached to.
	Task int

	// Transfer is the index of the transfer declaration, for transfer actions, and -1 for launches.
	Transfer int
	Policy   TransferPolicy
	Args     []any
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if a.Kind == ActionLaunch {
		return fmt.Sprintf("%s(task #%d)", a.Kind, a.Task)
	}
	return fmt.Sprintf("%s(%s, %d arrays, task #%d)", a.Kind, a.Policy, len(a.Args), a.Task)
}

// Schedule returns the ordered list of actions to execute the graph: for each task, in order, the transfers
// to the device attached to it, its launch, and the transfers to the host attached to it.
// Transfers attached to the same task keep their declaration order.
func (g *ImmutableTaskGraph) Schedule() []Action {
	actions := make([]Action, 0, len(g.tasks)+len(g.transfers))
	appendTransfers := func(taskIdx int, direction Direction, kind ActionKind) {
		for ii, tr := range g.transfers {
			if tr.Task == taskIdx && tr.Direction == direction {
				actions = append(actions, Action{Kind: kind, Task: taskIdx, Transfer: ii, Policy: tr.Policy, Args: slices.Clone(tr.Args)})
			}
		}
	}
	for taskIdx := range g.tasks {
		appendTransfers(taskIdx, ToDevice, ActionTransferToDevice)
		actions = append(actions, Action{Kind: ActionLaunch, Task: taskIdx, Transfer: -1})
		appendTransfers(taskIdx, ToHost, ActionTransferToHost)
	}
	return actions
}
