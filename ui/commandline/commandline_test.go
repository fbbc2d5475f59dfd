package commandline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/accel/backends/simplego"
	"github.com/gomlx/accel/examples/kernels"
	"github.com/gomlx/accel/pkg/core/config"
	"github.com/gomlx/accel/pkg/core/execution"
	"github.com/gomlx/accel/pkg/core/profiler"
	"github.com/gomlx/accel/pkg/core/taskgraph"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.25ms", FormatDuration(2250*time.Microsecond))
	assert.Equal(t, "12.00µs", FormatDuration(12*time.Microsecond))
	assert.Equal(t, "300ns", FormatDuration(300))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3400*time.Millisecond))
}

func TestParseConfigSettings(t *testing.T) {
	cfg, names, err := ParseConfigSettings(config.Default(),
		"inline_threshold=1_000;print_kernel=true; backend=simplego:devices=2 ;ACCEL_PROFILER=true;")
	require.NoError(t, err)
	assert.Equal(t, []string{"inline_threshold", "print_kernel", "backend", "ACCEL_PROFILER"}, names)
	assert.Equal(t, 1000, cfg.InlineThreshold)
	assert.True(t, cfg.PrintKernel)
	assert.True(t, cfg.Profiler)
	assert.Equal(t, "simplego:devices=2", cfg.Backend)
	assert.True(t, cfg.StrictArguments, "settings not given keep their values")

	_, _, err = ParseConfigSettings(cfg, "unknown=1")
	assert.ErrorContains(t, err, "unknown setting")
	_, _, err = ParseConfigSettings(cfg, "inline_threshold")
	assert.Error(t, err)
	_, _, err = ParseConfigSettings(cfg, "inline_threshold=many")
	assert.Error(t, err)

	assert.Contains(t, SprintConfig(cfg), "simplego:devices=2")
}

func executeVectorAdd(t *testing.T, runs int) []*execution.Result {
	backend := must.M1(simplego.NewBackend(""))
	t.Cleanup(backend.Finalize)
	rt := execution.NewRuntime(backend, kernels.Registry())
	t.Cleanup(rt.Finalize)
	a, b, c := make([]int32, 64), make([]int32, 64), make([]int32, 64)
	graph := must.M1(taskgraph.New("s0").
		TransferToDevice(taskgraph.EveryExecution, a, b).
		Task("t0", kernels.VectorAdd, a, b, c).
		TransferToHost(taskgraph.EveryExecution, c).
		Snapshot())
	plan := rt.NewPlan(graph).WithProfiler(true)
	t.Cleanup(plan.Finalize)
	var results []*execution.Result
	for range runs {
		results = append(results, must.M1(plan.Execute()))
	}
	return results
}

func TestProfileTable(t *testing.T) {
	result := executeVectorAdd(t, 1)[0]
	table := ProfileTable(result.Profile)
	assert.Contains(t, table, "s0.t0")
	assert.Contains(t, table, "kernels.VectorAdd on simplego:0 (simplego)")
	assert.Contains(t, table, profiler.CopyInBytes.Description())
	assert.Contains(t, table, "512 B")
	assert.Contains(t, table, profiler.NotAvailable)

	var buf bytes.Buffer
	require.NoError(t, ReportResult(&buf, result))
	firstLine, _, _ := strings.Cut(buf.String(), "\n")
	assert.Contains(t, firstLine, `Run #1 of "s0": 1 launches`)
	assert.True(t, strings.HasSuffix(firstLine, ": ok"), firstLine)
}

func TestProgressBar(t *testing.T) {
	results := executeVectorAdd(t, 3)
	var buf bytes.Buffer
	calls := 0
	pBar := NewProgressBar(&buf, len(results), "vectorAdd", func() (string, string) {
		calls++
		return "extra", "42"
	})
	for _, result := range results {
		pBar.Update(result)
	}
	pBar.Done()
	assert.Equal(t, 0, pBar.Failures())
	assert.Equal(t, 3, calls)
	assert.Contains(t, buf.String(), "vectorAdd")
	assert.Contains(t, buf.String(), "[extra=42]")
}
