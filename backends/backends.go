// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device backend needs to implement to compile and run kernels:
// it emits native code for a kernel.Program (the lowered device IR), allocates device buffers,
// transfers data and launches kernels.
//
// The core treats backends as black boxes: emission returns an opaque Binary, and launches
// only report success or failure.
//
// Backends register themselves (usually in an init function) with Register, and are
// instantiated with New or NewWithConfig:
//
//	import _ "github.com/gomlx/accel/backends/default"
//
//	backend := backends.New() // Uses $ACCEL_BACKEND, if set.
//
// To simplify error handling in constructors, New and NewWithConfig throw (panic) with a stack trace
// in case of errors. See package github.com/gomlx/exceptions. All other methods return errors.
package backends

import (
	"os"
	"sort"
	"strings"

	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/exceptions"
)

// Binary is the opaque native code emitted by a backend for one kernel and one device.
type Binary []byte

// Backend is the API that needs to be implemented by a device backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "simplego".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Devices returns the devices managed by the backend.
	Devices() []DeviceDescriptor

	// DeviceAvailable returns whether the device can be used now.
	DeviceAvailable(device DeviceDescriptor) bool

	// Emit native code for the program, for the given device.
	Emit(program *kernel.Program, device DeviceDescriptor) (Binary, error)

	// Launch the binary on the device, with the given arguments, and wait for its completion.
	//
	// Arguments are positional, one per parameter of the program: a Buffer (see DataInterface.Allocate) for
	// array parameters, a Go scalar of the parameter dtype for scalar parameters, and nil for opaque objects.
	Launch(device DeviceDescriptor, binary Binary, args []any) error

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from devices.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// PowerMonitor is optionally implemented by backends that can read the power usage of their devices.
type PowerMonitor interface {
	// PowerUsage returns the current power usage of the device in milliwatts.
	PowerUsage(device DeviceDescriptor) (milliWatts float64, err error)
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simplego") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "ACCEL_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment ACCEL_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found && config != "" {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simplego") and
// "<backend_configuration>" is backend specific. If config has no ":", it's taken as the
// backend name if one is registered with that name, otherwise as the configuration of the
// first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/accel/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given, registered backends: %v", backendName, config, List())
	}
	return constructor(backendConfig)
}
