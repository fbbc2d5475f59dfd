// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/accel/pkg/core/config"
	"github.com/pkg/errors"
)

// settingNames maps the names accepted in settings to their configuration variables.
var settingNames = map[string]string{
	"backend":               config.EnvBackend,
	"profiler":              config.EnvProfiler,
	"profiler_dump":         config.EnvProfilerDump,
	"print_kernel":          config.EnvPrintKernel,
	"sketch_parallelism":    config.EnvSketchParallelism,
	"shared_artifact_cache": config.EnvSharedArtifactCache,
	"strict_arguments":      config.EnvStrictArguments,
	"inline_threshold":      config.EnvInlineThreshold,
}

// SettingNames returns the sorted names accepted by ParseConfigSettings.
func SettingNames() []string {
	names := make([]string, 0, len(settingNames))
	for name := range settingNames {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseConfigSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "inline_threshold=4;print_kernel=true".
// Names can also be given as their environment variable (e.g. "ACCEL_INLINE_THRESHOLD").
//
// For integer settings, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000 = 1000.
//
// It returns the updated configuration and the names of the settings that were set, in order.
func ParseConfigSettings(cfg config.Config, settings string) (config.Config, []string, error) {
	env := make(map[string]string)
	var names []string
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		name, value, found := strings.Cut(setting, "=")
		if !found {
			return cfg, nil, errors.Errorf("can't parse setting %q: it must be of the form \"<name>=<value>\"", setting)
		}
		name = strings.TrimSpace(name)
		envName, known := settingNames[strings.ToLower(name)]
		if !known {
			if !slices.Contains(config.Names(), name) {
				return cfg, nil, errors.Errorf("unknown setting %q in %q, known settings: %v", name, setting, SettingNames())
			}
			envName = name
		}
		value = strings.TrimSpace(value)
		if envName != config.EnvBackend {
			value = strings.ReplaceAll(value, "_", "")
		}
		env[envName] = value
		names = append(names, name)
	}
	cfg, err := cfg.With(env)
	if err != nil {
		return cfg, nil, errors.WithMessagef(err, "parsing settings %q", settings)
	}
	return cfg, names, nil
}

// CreateConfigSettingsFlag defines a "-set" flag (or the given name) with the settings to apply on the configuration.
// Use ParseConfigSettings with its value after flag.Parse().
func CreateConfigSettingsFlag(name string) *string {
	if name == "" {
		name = "set"
	}
	return flag.String(name, "", fmt.Sprintf(
		"Configuration settings separated by \";\", e.g. \"inline_threshold=4;print_kernel=true\". Known settings: %s",
		strings.Join(SettingNames(), ", ")))
}

// SprintConfig returns a multi-line description of the configuration.
func SprintConfig(cfg config.Config) string {
	table := newPlainTable(true).Headers("Setting", "Value")
	table.Row("backend", cfg.Backend)
	table.Row("profiler", fmt.Sprint(cfg.Profiler))
	table.Row("profiler_dump", fmt.Sprint(cfg.ProfilerDump))
	table.Row("print_kernel", fmt.Sprint(cfg.PrintKernel))
	table.Row("sketch_parallelism", humanizeInt(cfg.SketchParallelism))
	table.Row("shared_artifact_cache", humanizeInt(cfg.SharedArtifactCache))
	table.Row("strict_arguments", fmt.Sprint(cfg.StrictArguments))
	table.Row("inline_threshold", humanizeInt(cfg.InlineThreshold))
	return table.Render()
}
