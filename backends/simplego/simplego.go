// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend: it "emits" the device IR
// itself (serialized and compressed) and interprets it on the CPU, running the work-groups (tiles) of a launch
// in parallel.
//
// Device memory is emulated with separate Go slices, so transfers between host and device are real copies.
//
// The configuration string is a comma-separated list of "key=value" options:
//
//   - devices: number of (emulated) devices, default 1.
//   - workgroup: maximum work-group size, default 256.
//   - type: device type reported, "cpu" (default), "gpu" or "fpga".
//
// E.g.: ACCEL_BACKEND="simplego:devices=2,workgroup=64".
package simplego

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/accel/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in ACCEL_BACKEND to specify this backend.
const BackendName = "simplego"

// DefaultWorkGroupSize is the maximum work-group size reported by the devices, if not configured.
const DefaultWorkGroupSize = 256

// Registers New() as the default constructor for "simplego" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend. It panics if the configuration is invalid.
func New(config string) backends.Backend {
	b, err := NewBackend(config)
	if err != nil {
		panic(err)
	}
	return b
}

// NewBackend constructs a new SimpleGo Backend, returning an error if the configuration is invalid.
func NewBackend(config string) (*Backend, error) {
	numDevices, workGroup, devType := 1, DefaultWorkGroupSize, backends.CPU
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("simplego: invalid configuration %q, expected key=value", part)
		}
		switch key {
		case "devices", "workgroup":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("simplego: invalid value for %q: %q", key, value)
			}
			if key == "devices" {
				numDevices = n
			} else {
				workGroup = n
			}
		case "type":
			switch strings.ToLower(value) {
			case "cpu":
				devType = backends.CPU
			case "gpu":
				devType = backends.GPU
			case "fpga":
				devType = backends.FPGA
			default:
				return nil, errors.Errorf("simplego: unknown device type %q", value)
			}
		default:
			return nil, errors.Errorf("simplego: unknown configuration key %q", key)
		}
	}
	b := &Backend{
		devices:     make([]backends.DeviceDescriptor, numDevices),
		unavailable: make(map[int]bool),
		parallelism: runtime.NumCPU(),
	}
	for ii := range b.devices {
		b.devices[ii] = backends.DeviceDescriptor{
			Backend:          BackendName,
			ID:               ii,
			Description:      fmt.Sprintf("SimpleGo emulated %s device #%d (%d cores)", devType, ii, runtime.NumCPU()),
			Type:             devType,
			MaxWorkGroupSize: workGroup,
		}
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	devices []backends.DeviceDescriptor

	mu          sync.Mutex
	unavailable map[int]bool
	finalized   bool

	// parallelism is the maximum number of tiles run concurrently by a launch.
	parallelism int

	// programs caches the decoded programs, by binary hash.
	programs sync.Map

	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map
}

// Compile-time check that simplego.Backend implements backends.Backend.
var (
	_ backends.Backend      = &Backend{}
	_ backends.PowerMonitor = &Backend{}
)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Backend"
}

// Devices implements backends.Backend.
func (b *Backend) Devices() []backends.DeviceDescriptor {
	return b.devices
}

// DeviceAvailable implements backends.Backend.
func (b *Backend) DeviceAvailable(device backends.DeviceDescriptor) bool {
	if device.Backend != BackendName || device.ID < 0 || device.ID >= len(b.devices) || b.devices[device.ID] != device {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.finalized && !b.unavailable[device.ID]
}

// SetDeviceAvailable marks the device as available or not. Launches and allocations on unavailable
// devices fail.
func (b *Backend) SetDeviceAvailable(id int, available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if available {
		delete(b.unavailable, id)
	} else {
		b.unavailable[id] = true
	}
}

// SetParallelism sets the maximum number of tiles run concurrently by a launch. If <= 0, tiles
// run sequentially.
func (b *Backend) SetParallelism(parallelism int) {
	b.parallelism = parallelism
}

// PowerUsage implements backends.PowerMonitor. Emulated devices have no power readings, so it
// always returns 0, which is reported as "n/a".
func (b *Backend) PowerUsage(device backends.DeviceDescriptor) (float64, error) {
	if !b.DeviceAvailable(device) {
		return 0, errors.Errorf("simplego: device %s not available", device)
	}
	return 0, nil
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	b.programs.Clear()
	b.bufferPools.Clear()
}
