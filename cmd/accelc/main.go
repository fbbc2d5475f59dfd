// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// accelc compiles a routine for a device, from a parameter file with the concrete arguments, and optionally
// executes it.
//
// Usage:
//
//	accelc -list
//	accelc -template kernels.VectorAdd -length 1024 > vectoradd.yaml
//	accelc -params vectoradd.yaml -print -execute -runs 10
//
// The configuration is read from the environment (and from a ".env" file, if present), see package config,
// and can be changed with -set.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/backends"
	_ "github.com/gomlx/accel/backends/default"
	"github.com/gomlx/accel/examples/kernels"
	"github.com/gomlx/accel/pkg/core/accelerr"
	"github.com/gomlx/accel/pkg/core/config"
	"github.com/gomlx/accel/pkg/core/execution"
	"github.com/gomlx/accel/pkg/core/frontend"
	"github.com/gomlx/accel/pkg/core/taskgraph"
	"github.com/gomlx/accel/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagParams   = flag.String("params", "", "Parameter file (YAML) with the routine and its arguments.")
	flagMethod   = flag.String("method", "", "Routine to compile, overrides the one in the parameter file.")
	flagDevice   = flag.String("device", "", "Device to compile for, as \"<backend>:<device number>\". Defaults to the parameter file's, or the first device.")
	flagPrint    = flag.Bool("print", false, "Print the source of the compiled kernel.")
	flagExecute  = flag.Bool("execute", false, "Execute the compiled routine with the arguments of the parameter file.")
	flagRuns     = flag.Int("runs", 1, "Number of executions, with -execute.")
	flagList     = flag.Bool("list", false, "List the routines that can be compiled.")
	flagTemplate = flag.String("template", "", "Print a template parameter file for the given routine.")
	flagLength   = flag.Int("length", frontend.DefaultLength, "Length of the arrays in the template parameter file.")
	flagConfig   = flag.Bool("config", false, "Print the configuration.")
)

func main() {
	klog.InitFlags(nil)
	settings := commandline.CreateConfigSettingsFlag("")
	flag.Parse()

	cfg, err := config.Load()
	if err == nil {
		cfg, _, err = commandline.ParseConfigSettings(cfg, *settings)
	}
	if err == nil {
		err = run(cfg, kernels.Registry())
	}
	if err != nil {
		klog.Errorf("%+v", err)
		fmt.Fprintf(os.Stderr, "accelc: %s: %v\n", accelerr.KindOf(err), err)
		os.Exit(1)
	}
}

func run(cfg config.Config, registry *frontend.Registry) error {
	if *flagConfig {
		fmt.Println(commandline.SprintConfig(cfg))
	}
	if *flagList {
		for _, symbol := range registry.Symbols() {
			m, _ := registry.Resolve(symbol)
			fmt.Printf("%s%s\n", symbol, m.Handle.Signature)
		}
		return nil
	}
	if *flagTemplate != "" {
		m, err := registry.Resolve(*flagTemplate)
		if err != nil {
			return err
		}
		contents, err := frontend.TemplateFor(m, *flagLength).Marshal()
		if err != nil {
			return errors.Wrap(err, "failed to write template")
		}
		fmt.Print(string(contents))
		return nil
	}
	if *flagParams == "" {
		return errors.New("missing -params, see accelc -help")
	}
	pf, err := frontend.LoadParameterFile(*flagParams)
	if err != nil {
		return err
	}
	rt, err := execution.NewRuntimeFromConfig(cfg, registry)
	if err != nil {
		return err
	}
	defer rt.Finalize()

	var device backends.DeviceDescriptor
	if *flagDevice != "" {
		if device, err = backends.FindDevice(rt.Backend(), *flagDevice); err != nil {
			return accelerr.Wrapf(accelerr.DeviceUnavailable, err, "-device")
		}
	}
	artifact, args, err := rt.CompileMethod(*flagMethod, device, pf)
	if err != nil {
		return err
	}
	fmt.Printf("Compiled %s: %s binary, lowered in %s, emitted in %s\n", artifact.Key,
		humanize.IBytes(uint64(len(artifact.Binary))),
		commandline.FormatDuration(artifact.LowerTime), commandline.FormatDuration(artifact.EmitTime))
	if *flagPrint {
		fmt.Println(artifact.Source)
	}
	if !*flagExecute {
		return nil
	}
	return execute(rt, artifact.Key.Handle.Name, artifact.Key.Device, args)
}

// execute the compiled routine as a single-task graph: all arrays are copied to the device on every
// execution and back to the host.
func execute(rt *execution.Runtime, symbol string, device backends.DeviceDescriptor, args []any) error {
	var arrays []any
	for _, arg := range args {
		if _, ok := taskgraph.IdentityOf(arg); ok {
			arrays = append(arrays, arg)
		}
	}
	builder := taskgraph.New("accelc")
	if len(arrays) > 0 {
		builder.TransferToDevice(taskgraph.EveryExecution, arrays...)
	}
	builder.TaskSymbol("task", symbol, args...)
	if len(arrays) > 0 {
		builder.TransferToHost(taskgraph.EveryExecution, arrays...)
	}
	graph, err := builder.Snapshot()
	if err != nil {
		return err
	}
	plan := rt.NewPlan(graph).WithDefaultDevice(device).WithProfiler(true)
	defer plan.Finalize()

	pBar := commandline.NewProgressBar(os.Stdout, *flagRuns, "accelc")
	var last *execution.Result
	for range *flagRuns {
		last, err = plan.Execute()
		pBar.Update(last)
		if err != nil {
			pBar.Done()
			return err
		}
	}
	pBar.Done()
	fmt.Printf("Plan %s: %d executions\n", plan.ID(), plan.Executions())
	return commandline.ReportResult(os.Stdout, &execution.Result{
		Plan: plan, Run: last.Run, Profile: plan.Profile(),
		CopyIns: last.CopyIns, CopyOuts: last.CopyOuts, Launches: last.Launches, Elapsed: last.Elapsed,
	})
}
