// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"os"
	"strings"

	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/accel/pkg/support/fsutil"
	"gopkg.in/yaml.v3"
)

// ParameterFile describes the concrete arguments to compile (and optionally run) a routine with.
// It's usually read from a YAML file like:
//
//	method: kernels.VectorAdd
//	device: simplego:0
//	arguments:
//	  - {name: a, kind: array, dtype: int32, length: 1024, value: 1}
//	  - {name: b, kind: array, dtype: int32, length: 1024, value: 2}
//	  - {name: c, kind: array, dtype: int32, length: 1024}
//
// Scalars take their value from "value", arrays and vectors are filled with it (zero if omitted).
type ParameterFile struct {
	// Method is the symbol of the routine, resolved with a Resolver.
	Method string `yaml:"method"`

	// Device is optional, in the format "<backend>:<device number>" or just "<device number>".
	Device string `yaml:"device,omitempty"`

	Arguments []ArgumentSpec `yaml:"arguments"`
}

// ArgumentSpec describes one concrete argument.
type ArgumentSpec struct {
	Name   string  `yaml:"name,omitempty"`
	Kind   string  `yaml:"kind"`
	DType  string  `yaml:"dtype,omitempty"`
	Length int     `yaml:"length,omitempty"`
	Lanes  int     `yaml:"lanes,omitempty"`
	Value  float64 `yaml:"value,omitempty"`
}

// ParseParameterFile parses the YAML contents of a parameter file.
// Malformed contents fail with an accelerr.ParameterFile error.
func ParseParameterFile(contents []byte) (*ParameterFile, error) {
	pf := &ParameterFile{}
	if err := yaml.Unmarshal(contents, pf); err != nil {
		return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "failed to parse parameter file")
	}
	if pf.Method == "" {
		return nil, accelerr.Newf(accelerr.ParameterFile, "parameter file doesn't define the \"method\" to compile")
	}
	for ii, arg := range pf.Arguments {
		if arg.Kind == "" {
			return nil, accelerr.Newf(accelerr.ParameterFile, "argument #%d (%q) has no kind", ii, arg.Name)
		}
		if arg.Length < 0 || arg.Lanes < 0 {
			return nil, accelerr.Newf(accelerr.ParameterFile, "argument #%d (%q) has a negative length or number of lanes", ii, arg.Name)
		}
	}
	return pf, nil
}

// LoadParameterFile reads and parses a parameter file. A "~" prefix in the path is expanded to the home directory.
func LoadParameterFile(path string) (*ParameterFile, error) {
	path, err := fsutil.ResolvePath(path)
	if err != nil {
		return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "invalid parameter file path")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "failed to read parameter file")
	}
	pf, err := ParseParameterFile(contents)
	if err != nil {
		return nil, accelerr.Wrapf(accelerr.ParameterFile, err, "parameter file %q", path)
	}
	return pf, nil
}

// Marshal the parameter file back to YAML.
func (pf *ParameterFile) Marshal() ([]byte, error) {
	return yaml.Marshal(pf)
}

// TemplateFor returns a parameter file for method m, with arrays of the given length and zero values.
// It's the starting point of a parameter file written by hand.
func TemplateFor(m *Method, length int) *ParameterFile {
	pf := &ParameterFile{Method: m.Name()}
	for _, p := range m.Params {
		spec := ArgumentSpec{Name: p.Name, Kind: p.Kind.String(), DType: strings.ToLower(p.DType.String())}
		if p.Kind.IsReference() {
			spec.Length = length
		}
		if p.Kind == methods.KindVector {
			spec.Lanes = p.Lanes
		}
		pf.Arguments = append(pf.Arguments, spec)
	}
	return pf
}
