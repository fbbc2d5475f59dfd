// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/accel/pkg/core/execution"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of repeated executions of a plan.
type ProgressBar struct {
	bar         *progressbar.ProgressBar
	out         *termenv.Output
	description string
	failures    int

	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates a progress bar for numRuns executions, written to w.
func NewProgressBar(w io.Writer, numRuns int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		out:            termenv.NewOutput(w),
		description:    description,
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.out.HideCursor()
	return pBar
}

// Update the progress bar with the result of one execution.
func (pBar *ProgressBar) Update(result *execution.Result) {
	if !result.Ok() {
		pBar.failures++
	}
	parts := []string{pBar.description, fmt.Sprintf("[run=%d]", result.Run), fmt.Sprintf("[last=%s]", FormatDuration(result.Elapsed))}
	if pBar.failures > 0 {
		parts = append(parts, fmt.Sprintf("[failures=%d]", pBar.failures))
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		parts = append(parts, fmt.Sprintf("[%s=%s]", name, value))
	}
	pBar.bar.Describe(strings.Join(parts, " "))
	_ = pBar.bar.Add(1)
}

// Failures returns the number of failed executions reported.
func (pBar *ProgressBar) Failures() int { return pBar.failures }

// Done finishes the progress bar and restores the cursor.
func (pBar *ProgressBar) Done() {
	_ = pBar.bar.Finish()
	pBar.out.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}
