// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// MetricKind enumerates the metrics recorded by the profiler.
type MetricKind int

const (
	// Timers, in nanoseconds.
	TotalTaskGraphTime MetricKind = iota
	CopyInTime
	CopyOutTime
	TaskCompileSketchTime
	TaskCompileDriverTime
	TaskKernelTime
	TotalKernelTime
	TotalDispatchTime
	TotalCompileTime

	// Sizes, in bytes.
	CopyInBytes
	CopyOutBytes
	TotalCopyInBytes
	TotalCopyOutBytes

	// Power metrics.
	PowerUsageMilliWatts
	SystemPowerConsumptionWatts
	SystemVoltageVolts

	// Task information.
	Backend
	Method
	DeviceID
	Device

	numMetricKinds
)

var metricNames = [numMetricKinds]struct{ name, description string }{
	TotalTaskGraphTime:          {"TOTAL_TASK_GRAPH_TIME", "Total time of the task graph execution"},
	CopyInTime:                  {"COPY_IN_TIME", "Time transferring data to the device"},
	CopyOutTime:                 {"COPY_OUT_TIME", "Time transferring data to the host"},
	TaskCompileSketchTime:       {"TASK_COMPILE_SKETCH_TIME", "Time building the sketch of the task"},
	TaskCompileDriverTime:       {"TASK_COMPILE_DRIVER_TIME", "Time compiling the task with the backend"},
	TaskKernelTime:              {"TASK_KERNEL_TIME", "Time running the task kernel"},
	TotalKernelTime:             {"TOTAL_KERNEL_TIME", "Total time running kernels"},
	TotalDispatchTime:           {"TOTAL_DISPATCH_TIME", "Total time dispatching kernels"},
	TotalCompileTime:            {"TOTAL_COMPILE_TIME", "Total time compiling"},
	CopyInBytes:                 {"COPY_IN_BYTES", "Bytes transferred to the device"},
	CopyOutBytes:                {"COPY_OUT_BYTES", "Bytes transferred to the host"},
	TotalCopyInBytes:            {"TOTAL_COPY_IN_BYTES", "Total bytes transferred to the devices"},
	TotalCopyOutBytes:           {"TOTAL_COPY_OUT_BYTES", "Total bytes transferred to the host"},
	PowerUsageMilliWatts:        {"POWER_USAGE_mW", "Power usage of the device (mW)"},
	SystemPowerConsumptionWatts: {"SYSTEM_POWER_CONSUMPTION_W", "Power consumption of the system (W)"},
	SystemVoltageVolts:          {"SYSTEM_VOLTAGE_V", "Voltage of the system (V)"},
	Backend:                     {"BACKEND", "Backend"},
	Method:                      {"METHOD", "Method"},
	DeviceID:                    {"DEVICE_ID", "Device identifier"},
	Device:                      {"DEVICE", "Device"},
}

// String implements fmt.Stringer. It is the key used in reports.
func (k MetricKind) String() string {
	if k >= 0 && k < numMetricKinds {
		return metricNames[k].name
	}
	return fmt.Sprintf("MetricKind(%d)", int(k))
}

// Description is a human-readable description of the metric.
func (k MetricKind) Description() string {
	if k >= 0 && k < numMetricKinds {
		return metricNames[k].description
	}
	return k.String()
}

// IsTimer returns whether the metric is a duration in nanoseconds.
func (k MetricKind) IsTimer() bool { return k >= TotalTaskGraphTime && k <= TotalCompileTime }

// IsSize returns whether the metric is a number of bytes.
func (k MetricKind) IsSize() bool { return k >= CopyInBytes && k <= TotalCopyOutBytes }

// IsPower returns whether the metric is a power reading.
func (k MetricKind) IsPower() bool { return k >= PowerUsageMilliWatts && k <= SystemVoltageVolts }

// Format a value of the metric for humans.
func (k MetricKind) Format(value int64) string {
	switch {
	case k.IsTimer():
		return time.Duration(value).String()
	case k.IsSize():
		return humanize.IBytes(uint64(max(value, 0)))
	}
	return humanize.Comma(value)
}
