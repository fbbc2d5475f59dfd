// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TransferPolicy defines when declared data transfers happen.
type TransferPolicy int

const (
	// PolicyInvalid is the zero value, never valid.
	PolicyInvalid TransferPolicy = iota

	// FirstExecution transfers the data only on the first execution of an execution plan: later executions
	// reuse what is already on the device, even if the host data changed.
	FirstExecution

	// EveryExecution transfers the data on every execution.
	EveryExecution

	// UserManaged performs no implicit transfer: the user transfers the data explicitly, with the
	// execution plan's TransferToDevice and TransferToHost.
	UserManaged
)

var policyNames = map[TransferPolicy]string{
	FirstExecution: "FIRST_EXECUTION",
	EveryExecution: "EVERY_EXECUTION",
	UserManaged:    "USER_MANAGED",
}

// String implements fmt.Stringer.
func (p TransferPolicy) String() string {
	if name, found := policyNames[p]; found {
		return name
	}
	return fmt.Sprintf("TransferPolicy(%d)", int(p))
}

// IsValid returns whether p is one of the defined policies.
func (p TransferPolicy) IsValid() bool {
	_, found := policyNames[p]
	return found
}

// ParsePolicy converts a policy name (e.g. "EVERY_EXECUTION" or "every_execution") to a TransferPolicy.
func ParsePolicy(name string) (TransferPolicy, error) {
	for p, pName := range policyNames {
		if strings.EqualFold(name, pName) {
			return p, nil
		}
	}
	return PolicyInvalid, errors.Errorf("unknown transfer policy %q", name)
}

// Direction of a data transfer.
type Direction int

const (
	ToDevice Direction = iota
	ToHost
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == ToHost {
		return "ToHost"
	}
	return "ToDevice"
}

// Identity of a host array: two values with the same identity refer to the same host memory.
// It is comparable and used as a map key.
type Identity struct {
	Data  uintptr
	Len   int
	Lanes int
	Type  reflect.Type
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	if id.Lanes > 1 {
		return fmt.Sprintf("%s[%dx%d]@%#x", id.Type.Elem(), id.Len/id.Lanes, id.Lanes, id.Data)
	}
	return fmt.Sprintf("%s@%#x", id.Type, id.Data)
}

// IdentityOf returns the identity of a host array (a slice or a shapes.VectorValue).
// It returns false for values that are not arrays: scalars and opaque objects are never transferred.
func IdentityOf(value any) (Identity, bool) {
	lanes := 1
	if vv, ok := value.(shapes.VectorValue); ok {
		value, lanes = vv.FlatValue(), vv.VectorLanes()
	}
	if value == nil {
		return Identity{}, false
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice {
		return Identity{}, false
	}
	return Identity{Data: v.Pointer(), Len: v.Len(), Lanes: lanes, Type: v.Type()}, true
}

// FlatOf returns the flat slice holding the data of a host array: the value itself for slices,
// or the flat data of vector arrays.
func FlatOf(value any) any {
	if vv, ok := value.(shapes.VectorValue); ok {
		return vv.FlatValue()
	}
	return value
}
