// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one millisecond per call.
func fakeClock() func() time.Time {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestTimers(t *testing.T) {
	p := New()
	p.StartTask(TaskKernelTime, "t0")
	require.NoError(t, p.StopTask(TaskKernelTime, "t0"))
	assert.GreaterOrEqual(t, p.TaskTimer(TaskKernelTime, "t0"), int64(0))

	p.now = fakeClock()
	p.Start(TotalTaskGraphTime)
	require.NoError(t, p.Stop(TotalTaskGraphTime))
	assert.Equal(t, int64(time.Millisecond), p.Timer(TotalTaskGraphTime))
	p.StartTask(TaskKernelTime, "t0")
	require.NoError(t, p.StopTask(TaskKernelTime, "t0"))
	assert.Equal(t, int64(time.Millisecond), p.TaskTimer(TaskKernelTime, "t0"))

	// Unmatched stops.
	err := p.Stop(TotalTaskGraphTime)
	assert.True(t, errors.Is(err, accelerr.ErrProfilerState))
	err = p.StopTask(TaskKernelTime, "t0")
	assert.True(t, errors.Is(err, accelerr.ErrProfilerState))
	err = p.StopTask(CopyInTime, "unknown")
	assert.True(t, errors.Is(err, accelerr.ErrProfilerState))

	p.Clean()
	assert.Equal(t, int64(0), p.TaskTimer(TaskKernelTime, "t0"))
	assert.Equal(t, int64(0), p.Timer(TotalTaskGraphTime))
	assert.Empty(t, p.Snapshot().Tasks)
}

func TestSums(t *testing.T) {
	p := New()
	p.AddValueToMetric(CopyInBytes, "t0", 100)
	p.AddValueToMetric(CopyInBytes, "t0", 50)
	p.AddValueToMetric(CopyInBytes, "t1", 10)
	p.Sum(TotalCopyInBytes, 100)
	p.Sum(TotalCopyInBytes, 60)
	p.SetTimer(TotalKernelTime, 42)
	p.SetTaskTimer(TaskKernelTime, "t1", 7)

	assert.Equal(t, int64(160), p.Size(CopyInBytes))
	assert.Equal(t, int64(160), p.Timer(TotalCopyInBytes))
	r := p.Snapshot()
	assert.Equal(t, int64(150), r.Task("t0").Sizes[CopyInBytes])
	assert.Equal(t, int64(160), r.Size(CopyInBytes))
	assert.Equal(t, int64(42), r.Timer(TotalKernelTime))
	assert.Equal(t, int64(7), r.TaskTimer(TaskKernelTime, "t1"))

	// Snapshots are not affected by later changes.
	p.AddValueToMetric(CopyInBytes, "t0", 1)
	assert.Equal(t, int64(150), r.Task("t0").Sizes[CopyInBytes])
}

func TestConcurrency(t *testing.T) {
	p := New()
	const numWorkers, numIterations = 8, 100
	var wg sync.WaitGroup
	for worker := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := fmt.Sprintf("t%d", worker%2)
			for range numIterations {
				p.AddValueToMetric(CopyOutBytes, task, 1)
				p.Sum(TotalCopyOutBytes, 1)
				p.StartTask(TaskKernelTime, fmt.Sprintf("w%d", worker))
				_ = p.StopTask(TaskKernelTime, fmt.Sprintf("w%d", worker))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(numWorkers*numIterations), p.Size(CopyOutBytes))
	assert.Equal(t, int64(numWorkers*numIterations), p.Timer(TotalCopyOutBytes))
	assert.Len(t, p.Snapshot().Tasks, 2+numWorkers)
}

func TestReport(t *testing.T) {
	p := New()
	for _, task := range []string{"s0.t1", "s0.t0"} {
		p.RegisterBackend(task, "simplego")
		p.RegisterMethod(task, "examples.VectorAdd")
		p.RegisterDeviceID(task, "simplego:0")
		p.RegisterDeviceName(task, "CPU #0")
		p.AddValueToMetric(CopyInBytes, task, 4096)
		p.SetTaskTimer(TaskKernelTime, task, 1000)
		p.SetTaskPowerUsage(task, 0)
	}
	p.SetSystemVoltage("s0.t0", 12)
	p.SetTimer(TotalTaskGraphTime, 5000)

	data, err := p.Snapshot().Report("section")
	require.NoError(t, err)
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	section := decoded["section"]
	assert.Equal(t, "5000", section["TOTAL_TASK_GRAPH_TIME"])
	task := section["s0.t0"].(map[string]any)
	assert.Equal(t, "simplego", task["BACKEND"])
	assert.Equal(t, "examples.VectorAdd", task["METHOD"])
	assert.Equal(t, "simplego:0", task["DEVICE_ID"])
	assert.Equal(t, "CPU #0", task["DEVICE"])
	assert.Equal(t, "4096", task["COPY_IN_BYTES"])
	assert.Equal(t, "1000", task["TASK_KERNEL_TIME"])
	assert.Equal(t, NotAvailable, task["POWER_USAGE_mW"])
	assert.Equal(t, "12", task["SYSTEM_VOLTAGE_V"])

	// Tasks are in insertion order, and no key is repeated.
	text := string(data)
	assert.Less(t, strings.Index(text, `"s0.t1"`), strings.Index(text, `"s0.t0"`))
	assert.Equal(t, 2, strings.Count(text, `"BACKEND"`))
}

func TestMergeAndDump(t *testing.T) {
	p1, p2 := New(), New()
	p1.SetTaskTimer(TaskKernelTime, "t0", 10)
	p1.Sum(TotalCopyInBytes, 1024)
	p2.SetTaskTimer(TaskKernelTime, "t0", 5)
	p2.SetTaskTimer(TaskKernelTime, "t1", 3)
	p2.RegisterMethod("t1", "examples.Saxpy")
	p2.Sum(TotalCopyInBytes, 1024)

	r := p1.Snapshot().Merge(p2.Snapshot())
	assert.Equal(t, int64(15), r.TaskTimer(TaskKernelTime, "t0"))
	assert.Equal(t, int64(3), r.TaskTimer(TaskKernelTime, "t1"))
	assert.Equal(t, "examples.Saxpy", r.Task("t1").Method)
	assert.Equal(t, int64(2048), r.Timer(TotalCopyInBytes))

	var sb strings.Builder
	require.NoError(t, r.Dump(&sb))
	assert.Contains(t, sb.String(), "Total bytes transferred to the devices: 2.0 KiB")
	assert.Contains(t, sb.String(), "[PROFILER-TASK] t1 (examples.Saxpy on ):")
}

func TestEmptyProfiler(t *testing.T) {
	var p Profiler = EmptyProfiler{}
	p.Start(TotalTaskGraphTime)
	assert.NoError(t, p.Stop(CopyInTime))
	p.AddValueToMetric(CopyInBytes, "t0", 10)
	assert.Equal(t, int64(0), p.Size(CopyInBytes))
	assert.Empty(t, p.Snapshot().Tasks)
}

func TestMetricKinds(t *testing.T) {
	assert.Equal(t, "COPY_IN_BYTES", CopyInBytes.String())
	assert.True(t, CopyInTime.IsTimer())
	assert.True(t, CopyInBytes.IsSize())
	assert.True(t, SystemVoltageVolts.IsPower())
	assert.False(t, Backend.IsTimer())
	assert.Equal(t, "1.5ms", TaskKernelTime.Format(1_500_000))
	assert.Equal(t, "MetricKind(99)", MetricKind(99).String())
}
