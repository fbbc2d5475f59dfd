// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceType is the class of a device, which drives device-specific lowering decisions
// (e.g. which math intrinsics to use).
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
	FPGA
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case FPGA:
		return "FPGA"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// DeviceDescriptor identifies a compute device. It's an immutable and comparable value.
type DeviceDescriptor struct {
	// Backend is the name of the backend managing the device.
	Backend string

	// ID is the number of the device within its backend.
	ID int

	// Description is human-readable.
	Description string

	Type DeviceType

	// MaxWorkGroupSize is the maximum number of work items in a work-group (tile).
	MaxWorkGroupSize int
}

// String returns "<backend>:<id>".
func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s:%d", d.Backend, d.ID)
}

// IsZero returns whether d is the zero value, used as "no device chosen".
func (d DeviceDescriptor) IsZero() bool {
	return d == DeviceDescriptor{}
}

// ParseDeviceRef parses a device reference in the format "<backend>:<id>" or "<id>".
// The returned backend name is empty in the second case.
func ParseDeviceRef(ref string) (backend string, id int, err error) {
	idStr := ref
	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		backend, idStr = ref[:idx], ref[idx+1:]
	}
	id, err = strconv.Atoi(idStr)
	if err != nil || id < 0 {
		return "", 0, errors.Errorf("invalid device reference %q, expected \"<backend>:<device number>\"", ref)
	}
	return backend, id, nil
}

// FindDevice returns the device of the backend matching the reference (see ParseDeviceRef).
// An empty reference returns the first device.
func FindDevice(backend Backend, ref string) (DeviceDescriptor, error) {
	devices := backend.Devices()
	if ref == "" {
		if len(devices) == 0 {
			return DeviceDescriptor{}, errors.Errorf("backend %q has no devices", backend.Name())
		}
		return devices[0], nil
	}
	name, id, err := ParseDeviceRef(ref)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	if name != "" && name != backend.Name() {
		return DeviceDescriptor{}, errors.Errorf("device %q is not managed by backend %q", ref, backend.Name())
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return DeviceDescriptor{}, errors.Errorf("backend %q has no device #%d (%d devices available)", backend.Name(), id, len(devices))
}
