// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tp_plan resolves and applies a tensor-parallel plan to a synthetic decoder model, simulating every
// device of the mesh in-process, and prints how the parameters are distributed.
//
// Usage:
//
//	tp_plan [-config plan.yaml] [-set "lm_head=colwise;..."] [-mesh dp=2,tp=4] [-device 0]
//
// Without a configuration it uses a 4-device "tp" mesh and the decoder's default plan.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/distributed/inprocess"
	"github.com/gomlx/tparallel/pkg/ml/models/decoder"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/gomlx/tparallel/pkg/support/fsutil"
	"github.com/gomlx/tparallel/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "Configuration file (.yaml, .yml or .json) with the mesh, the plans and optionally the \"model\" section with the decoder configuration.")
	flagSet      = flag.String("set", "", "Plan entries overriding the configuration's override_plan, separated by \";\". E.g.: \"lm_head=colwise_rep;layers.*.mlp.up=colwise\". Use \"file:<path>\" to read entries from a file.")
	flagMesh     = flag.String("mesh", "", "Mesh axes overriding the configuration's mesh, e.g. \"dp=2,tp=4\".")
	flagLayers   = flag.Int("layers", 0, "If > 0, overrides the number of layers of the model.")
	flagDevice   = flag.Int("device", 0, "Device whose view of the parameters is reported.")
	flagPlain    = flag.Bool("plain", false, "Disable colors in the output.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar while applying the plan.")
	flagNoVerify = flag.Bool("no_verify", false, "Disable the cross-device layout agreement check.")
	flagTimeout  = flag.Duration("timeout", time.Minute, "Maximum time for the simulation, after which a mismatched collective is reported.")
)

// configFile is the tp.PlanFile plus the model configuration.
type configFile struct {
	tp.PlanFile `yaml:",inline"`
	Model       *decoder.Config `yaml:"model,omitempty" json:"model,omitempty"`
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'tp_plan -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagPlain {
		commandline.DisableColors()
	}
	cfg := must.M1(loadConfig(*flagConfig))
	if err := run(cfg); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if given, and applies the flags on top of it.
func loadConfig(path string) (*configFile, error) {
	cfg := &configFile{}
	if path != "" {
		fullPath, err := fsutil.ReplaceTilde(path)
		if err != nil {
			return nil, err
		}
		exists, err := fsutil.FileExists(fullPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("config file %q not found", fullPath)
		}
		if err = tp.LoadConfig(fullPath, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Model == nil {
		model := decoder.DefaultConfig()
		cfg.Model = &model
	}
	if *flagLayers > 0 {
		cfg.Model.NumLayers = *flagLayers
	}
	if cfg.BasePlan == nil && cfg.OverridePlan == nil {
		cfg.BasePlan = decoder.DefaultPlan()
	}
	if *flagSet != "" {
		override, err := commandline.ParsePlanSettings(cfg.OverridePlan, *flagSet)
		if err != nil {
			return nil, err
		}
		cfg.OverridePlan = override
	}
	if *flagMesh != "" {
		axes, err := parseMesh(*flagMesh)
		if err != nil {
			return nil, err
		}
		cfg.Mesh, cfg.Devices = axes, nil
	}
	if len(cfg.Mesh) == 0 {
		cfg.Mesh = []tp.MeshAxis{{Name: tp.DefaultAxis, Size: 4}}
	}
	return cfg, nil
}

// parseMesh parses "name=size,name=size,...".
func parseMesh(spec string) ([]tp.MeshAxis, error) {
	var axes []tp.MeshAxis
	for _, part := range strings.Split(spec, ",") {
		name, sizeStr, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil, errors.Errorf("invalid mesh axis %q in %q, it should be <name>=<size>", part, spec)
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size for mesh axis %q", name)
		}
		axes = append(axes, tp.MeshAxis{Name: name, Size: size})
	}
	return axes, nil
}

// deviceResult is what the reported device collects.
type deviceResult struct {
	rows     []tp.ReportRow
	resolved *tp.Resolved
}

func run(cfg *configFile) error {
	mesh, err := cfg.DeviceMesh()
	if err != nil {
		return err
	}
	if *flagDevice < 0 || *flagDevice >= mesh.NumDevices() {
		return errors.Errorf("-device=%d is out of range for %s", *flagDevice, mesh)
	}
	tpConfig := cfg.Config(tp.DefaultConfig())
	tpConfig.SkipVerification = *flagNoVerify

	var pBar *commandline.LayersProgressBar
	if *flagProgress {
		pBar = commandline.NewLayersProgressBar(os.Stdout, cfg.Model.NumLayers)
	}

	registry := prometheus.NewRegistry()
	hub := inprocess.New(mesh.NumDevices(), inprocess.WithMetrics(registry))
	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		result deviceResult
	)
	start := time.Now()
	err = inprocess.Run(ctx, hub, mesh, func(ctx context.Context, p *distributed.Participant) error {
		tree, err := decoder.Build(*cfg.Model)
		if err != nil {
			return err
		}
		if err = cfg.Tie(tree); err != nil {
			return err
		}
		deviceConfig := tpConfig
		if pBar != nil && p.Device() == *flagDevice {
			deviceConfig.Progress = pBar.Update
		}
		resolved, err := tp.Parallelize(ctx, p, tree, cfg.BasePlan, cfg.OverridePlan, deviceConfig)
		if err != nil {
			return errors.WithMessagef(err, "device #%d", p.Device())
		}
		if p.Device() == *flagDevice {
			mu.Lock()
			result = deviceResult{rows: tp.Report(tree, resolved), resolved: resolved}
			mu.Unlock()
		}
		return nil
	})
	elapsed := time.Since(start)
	if pBar != nil {
		pBar.Done()
	}
	if err != nil {
		return err
	}

	printSummary(mesh, tpConfig, result, elapsed, collectiveStats(registry))
	fmt.Println(commandline.TitleStyle.Render(fmt.Sprintf("Parameters of device #%d", *flagDevice)))
	fmt.Println(commandline.ReportTable(result.rows).Render())
	return nil
}

func printSummary(mesh *distributed.DeviceMesh, config tp.Config, result deviceResult, elapsed time.Duration, stats collectives) {
	fmt.Println(commandline.TitleStyle.Render("Summary"))
	totals := commandline.ReportTotals(result.rows)
	table := commandline.NewTable()
	table.Row("mesh", mesh.String())
	table.Row("axis", config.Axis)
	table.Row("plan entries", fmt.Sprintf("%d model, %d layer, %d tied",
		result.resolved.Model.Len(), result.resolved.Layer.Len(), result.resolved.Tied.Len()))
	table.Row("# parameters", fmt.Sprintf("%s (%s distributed, %s sharded)",
		humanize.Comma(int64(totals.NumParams)), humanize.Comma(int64(totals.NumDistributed)),
		humanize.Comma(int64(totals.NumSharded))))
	table.Row("model bytes", humanize.Bytes(totals.LogicalBytes))
	table.Row("device bytes", humanize.Bytes(totals.DeviceBytes))
	table.Row("collectives", fmt.Sprintf("%s (%s exchanged)", humanize.Comma(int64(stats.count)), humanize.Bytes(uint64(stats.bytes))))
	table.Row("elapsed", commandline.FormatDuration(elapsed))
	fmt.Println(table.Render())
}
