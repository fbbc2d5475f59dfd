// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for command line programs that compile and run task graphs.
package commandline

import (
	"fmt"
	"io"

	"github.com/gomlx/accel/pkg/core/execution"
)

// ReportResult writes a one-line summary of the execution result, and its profile table if it was profiled.
func ReportResult(w io.Writer, result *execution.Result) error {
	status := "ok"
	if !result.Ok() {
		status = fmt.Sprintf("failed: %v", result.Err)
	}
	_, err := fmt.Fprintf(w, "Run #%s of %q: %s launches, %s transfers to device, %s to host in %s: %s\n",
		humanizeInt(result.Run), result.Plan.Graph().Name(), humanizeInt(result.Launches),
		humanizeInt(result.CopyIns), humanizeInt(result.CopyOuts), FormatDuration(result.Elapsed), status)
	if err != nil || result.Profile == nil {
		return err
	}
	_, err = fmt.Fprintln(w, ProfileTable(result.Profile))
	return err
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
