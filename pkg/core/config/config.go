// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the runtime, read from the environment and optionally from
// ".env" files (see github.com/joho/godotenv).
//
// Variables:
//
//   - ACCEL_BACKEND: backend to use, in the format "<backend>:<config>" (e.g. "simplego:devices=2").
//   - ACCEL_PROFILER: enables profiling of executions.
//   - ACCEL_PROFILER_DUMP: logs the profiler report after each execution.
//   - ACCEL_PRINT_KERNEL: logs the source of every compiled kernel.
//   - ACCEL_SKETCH_PARALLELISM: number of sketches built in parallel: 0 builds them inline, -1 is unlimited.
//   - ACCEL_SHARED_ARTIFACT_CACHE: if > 0, size of the artifact cache shared by all execution plans.
//   - ACCEL_STRICT_ARGUMENTS: arguments of unknown kinds in parameter files are errors (the default), or
//     are bound to nil if false.
//   - ACCEL_INLINE_THRESHOLD: maximum number of nodes of invoked routines to be inlined.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the environment variables.
const (
	EnvBackend             = "ACCEL_BACKEND"
	EnvProfiler            = "ACCEL_PROFILER"
	EnvProfilerDump        = "ACCEL_PROFILER_DUMP"
	EnvPrintKernel         = "ACCEL_PRINT_KERNEL"
	EnvSketchParallelism   = "ACCEL_SKETCH_PARALLELISM"
	EnvSharedArtifactCache = "ACCEL_SHARED_ARTIFACT_CACHE"
	EnvStrictArguments     = "ACCEL_STRICT_ARGUMENTS"
	EnvInlineThreshold     = "ACCEL_INLINE_THRESHOLD"
)

// Names returns the names of all the variables read.
func Names() []string {
	return []string{EnvBackend, EnvProfiler, EnvProfilerDump, EnvPrintKernel, EnvSketchParallelism,
		EnvSharedArtifactCache, EnvStrictArguments, EnvInlineThreshold}
}

// DefaultInlineThreshold is the default value of Config.InlineThreshold.
const DefaultInlineThreshold = 16

// Config of the runtime.
type Config struct {
	// Backend configuration, "<backend>:<config>". If empty the default backend is used.
	Backend string

	Profiler     bool
	ProfilerDump bool
	PrintKernel  bool

	SketchParallelism   int
	SharedArtifactCache int
	StrictArguments     bool
	InlineThreshold     int
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		SketchParallelism: runtime.NumCPU(),
		StrictArguments:   true,
		InlineThreshold:   DefaultInlineThreshold,
	}
}

// Load reads the given ".env" files (or ".env" in the current directory, if none is given) and the process
// environment, which takes precedence. Missing files are ignored.
//
// The process environment is not modified.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	env := make(map[string]string)
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			klog.V(2).Infof("config: skipping %q: %v", file, err)
			continue
		}
		fileEnv, err := godotenv.Read(file)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: failed to read %q", file)
		}
		for key, value := range fileEnv {
			if _, found := env[key]; !found {
				env[key] = value
			}
		}
	}
	for _, kv := range os.Environ() {
		if key, value, found := strings.Cut(kv, "="); found && strings.HasPrefix(key, "ACCEL_") {
			env[key] = value
		}
	}
	return FromMap(env)
}

// Parse the contents of a ".env" file.
func Parse(contents string) (Config, error) {
	env, err := godotenv.Unmarshal(contents)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: failed to parse")
	}
	return FromMap(env)
}

// FromMap builds the configuration from the given variables. Variables not set take their default value.
func FromMap(env map[string]string) (Config, error) {
	return Default().With(env)
}

// With returns a copy of c with the given variables set. Variables not in env keep the value they have in c.
func (c Config) With(env map[string]string) (Config, error) {
	if backend, found := env[EnvBackend]; found {
		c.Backend = backend
	}
	var err error
	for _, b := range []struct {
		name  string
		value *bool
	}{
		{EnvProfiler, &c.Profiler},
		{EnvProfilerDump, &c.ProfilerDump},
		{EnvPrintKernel, &c.PrintKernel},
		{EnvStrictArguments, &c.StrictArguments},
	} {
		if s, found := env[b.name]; found && s != "" {
			if *b.value, err = strconv.ParseBool(s); err != nil {
				return Config{}, errors.Wrapf(err, "config: invalid value for %s", b.name)
			}
		}
	}
	for _, i := range []struct {
		name     string
		value    *int
		minValue int
	}{
		{EnvSketchParallelism, &c.SketchParallelism, -1},
		{EnvSharedArtifactCache, &c.SharedArtifactCache, 0},
		{EnvInlineThreshold, &c.InlineThreshold, -1},
	} {
		if s, found := env[i.name]; found && s != "" {
			if *i.value, err = strconv.Atoi(s); err != nil {
				return Config{}, errors.Wrapf(err, "config: invalid value for %s", i.name)
			}
			if *i.value < i.minValue {
				return Config{}, errors.Errorf("config: %s must be >= %d, got %d", i.name, i.minValue, *i.value)
			}
		}
	}
	return c, nil
}
