// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// NotAvailable is recorded for power readings that are not provided by the device.
const NotAvailable = "n/a"

func powerString(value int64) string {
	if value <= 0 {
		return NotAvailable
	}
	return strconv.FormatInt(value, 10)
}

// TaskRecord holds the metrics of one task.
type TaskRecord struct {
	Name                              string
	Backend, Method, DeviceID, Device string

	Timers map[MetricKind]int64
	Sizes  map[MetricKind]int64
	Power  map[MetricKind]string
}

// Record is a snapshot of the metrics of a profiler.
type Record struct {
	// Global metrics (timers and sums).
	Global map[MetricKind]int64

	// Tasks in the order they were first seen.
	Tasks []*TaskRecord
}

func newRecord() *Record {
	return &Record{Global: make(map[MetricKind]int64)}
}

// Task returns the record of the task with the given name, or nil.
func (r *Record) Task(name string) *TaskRecord {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// task returns the record of the task, creating it if needed.
func (r *Record) task(name string) *TaskRecord {
	if t := r.Task(name); t != nil {
		return t
	}
	t := &TaskRecord{
		Name:   name,
		Timers: make(map[MetricKind]int64),
		Sizes:  make(map[MetricKind]int64),
		Power:  make(map[MetricKind]string),
	}
	r.Tasks = append(r.Tasks, t)
	return t
}

// Timer returns the value of a global metric, or 0.
func (r *Record) Timer(kind MetricKind) int64 { return r.Global[kind] }

// TaskTimer returns the value of a timer of the task, or 0.
func (r *Record) TaskTimer(kind MetricKind, task string) int64 {
	if t := r.Task(task); t != nil {
		return t.Timers[kind]
	}
	return 0
}

// Size returns the sum of the size metric over all tasks.
func (r *Record) Size(kind MetricKind) int64 {
	var total int64
	for _, t := range r.Tasks {
		total += t.Sizes[kind]
	}
	return total
}

// Merge other into r: global metrics, timers and sizes are added, tasks not in r are appended in order,
// and the information and power readings of other take precedence.
func (r *Record) Merge(other *Record) *Record {
	for kind, value := range other.Global {
		r.Global[kind] += value
	}
	for _, ot := range other.Tasks {
		t := r.task(ot.Name)
		for kind, value := range ot.Timers {
			t.Timers[kind] += value
		}
		for kind, value := range ot.Sizes {
			t.Sizes[kind] += value
		}
		maps.Copy(t.Power, ot.Power)
		for _, pair := range []struct{ dst, src *string }{
			{&t.Backend, &ot.Backend}, {&t.Method, &ot.Method}, {&t.DeviceID, &ot.DeviceID}, {&t.Device, &ot.Device},
		} {
			if *pair.src != "" {
				*pair.dst = *pair.src
			}
		}
	}
	return r
}

// object is a JSON object that keeps the order of its keys. Setting a key twice keeps its first position.
type object struct {
	keys   []string
	values map[string]any
}

func newObject() *object {
	return &object{values: make(map[string]any)}
}

func (o *object) set(key string, value any) {
	if _, found := o.values[key]; !found {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// MarshalJSON implements json.Marshaler.
func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for ii, key := range o.keys {
		if ii > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		encodedValue, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortedKinds[V any](m map[MetricKind]V) []MetricKind {
	return slices.Sorted(maps.Keys(m))
}

// tree returns the structure of the report.
func (r *Record) tree(section string) *object {
	body := newObject()
	for _, kind := range sortedKinds(r.Global) {
		body.set(kind.String(), strconv.FormatInt(r.Global[kind], 10))
	}
	for _, t := range r.Tasks {
		task := newObject()
		task.set(Backend.String(), t.Backend)
		task.set(Method.String(), t.Method)
		task.set(DeviceID.String(), t.DeviceID)
		task.set(Device.String(), t.Device)
		for _, kind := range sortedKinds(t.Sizes) {
			task.set(kind.String(), strconv.FormatInt(t.Sizes[kind], 10))
		}
		for _, kind := range sortedKinds(t.Power) {
			task.set(kind.String(), t.Power[kind])
		}
		for _, kind := range sortedKinds(t.Timers) {
			task.set(kind.String(), strconv.FormatInt(t.Timers[kind], 10))
		}
		body.set(t.Name, task)
	}
	root := newObject()
	root.set(section, body)
	return root
}

// Report returns the JSON document with the metrics: the section holds the global metrics followed by one
// object per task, in order. Each task object holds its backend, method, device id, device, and then its
// size, power and timer metrics. All values are strings.
func (r *Record) Report(section string) ([]byte, error) {
	data, err := json.MarshalIndent(r.tree(section), "", "    ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize profiler report %q", section)
	}
	return data, nil
}

// Dump writes the metrics in a human-readable format.
func (r *Record) Dump(w io.Writer) error {
	for _, kind := range sortedKinds(r.Global) {
		if _, err := fmt.Fprintf(w, "[PROFILER] %s: %s\n", kind.Description(), kind.Format(r.Global[kind])); err != nil {
			return err
		}
	}
	for _, t := range r.Tasks {
		if _, err := fmt.Fprintf(w, "[PROFILER-TASK] %s (%s on %s):\n", t.Name, t.Method, t.DeviceID); err != nil {
			return err
		}
		for _, m := range []map[MetricKind]int64{t.Sizes, t.Timers} {
			for _, kind := range sortedKinds(m) {
				if _, err := fmt.Fprintf(w, "    %s: %s\n", kind.Description(), kind.Format(m[kind])); err != nil {
					return err
				}
			}
		}
		for _, kind := range sortedKinds(t.Power) {
			if _, err := fmt.Fprintf(w, "    %s: %s\n", kind.Description(), t.Power[kind]); err != nil {
				return err
			}
		}
	}
	return nil
}
