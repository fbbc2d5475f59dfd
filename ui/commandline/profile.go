// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/accel/pkg/core/profiler"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	taskRowStyle = lipgloss.NewStyle().Bold(true).
			PaddingLeft(1).PaddingRight(1)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	}
	return d.String()
}

func formatMetric(kind profiler.MetricKind, value int64) string {
	if kind.IsTimer() {
		return FormatDuration(time.Duration(value))
	}
	return kind.Format(value)
}

// ProfileTable renders the metrics of the record as a table: the global metrics first, and then the
// metrics of each task, in the order they were executed.
func ProfileTable(record *profiler.Record) string {
	var taskRows []int
	table := newPlainTable(true).Headers("Metric", "Value")
	numRows := 0
	addRow := func(cells ...string) {
		table.Row(cells...)
		numRows++
	}
	for _, kind := range slices.Sorted(maps.Keys(record.Global)) {
		addRow(kind.Description(), formatMetric(kind, record.Global[kind]))
	}
	for _, task := range record.Tasks {
		taskRows = append(taskRows, numRows)
		addRow(task.Name, fmt.Sprintf("%s on %s (%s)", task.Method, task.DeviceID, task.Backend))
		for _, m := range []map[profiler.MetricKind]int64{task.Sizes, task.Timers} {
			for _, kind := range slices.Sorted(maps.Keys(m)) {
				addRow(kind.Description(), formatMetric(kind, m[kind]))
			}
		}
		for _, kind := range slices.Sorted(maps.Keys(task.Power)) {
			addRow(kind.Description(), task.Power[kind])
		}
	}
	table.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == lgtable.HeaderRow:
			return headerRowStyle
		case slices.Contains(taskRows, row):
			return taskRowStyle
		case col == 0:
			return rightAlignedStyle
		}
		return normalStyle
	})
	return table.Render()
}
