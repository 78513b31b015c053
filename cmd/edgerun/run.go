// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/engine"
	"github.com/gomlx/edgeinfer/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// runFlags of the "run" command. Zero values leave the configuration untouched.
type runFlags struct {
	model, weights, config string
	device, gpuPrecision   string
	threads                int
	inputs                 map[string]string
	outputDir              string
	rounds, retries        int
	restartRounds          int
	warmup, profile        bool
	seed                   uint64
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Creates an engine for a model and runs it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(cmd.Context(), &f, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.model, "model", "", "Serialized graph of the model.")
	flags.StringVar(&f.weights, "weights", "", "Weights file referenced by the constants of the model.")
	flags.StringVar(&f.config, "config", "", "YAML engine configuration. Flags below override it.")
	flags.StringVar(&f.device, "device", "", "Device to run on: cpu, gpu, dsp or npu.")
	flags.StringVar(&f.gpuPrecision, "gpu-precision", "", "Precision of float32 tensors on the GPU: float32 or float16.")
	flags.IntVar(&f.threads, "threads", 0, "Number of CPU threads, -1 for automatic.")
	flags.StringToStringVar(&f.inputs, "input", nil,
		"Raw little-endian float32 file for an input, as name=path. Inputs not given are filled with random values.")
	flags.StringVar(&f.outputDir, "output-dir", "", "Directory where each output is written as <name>.bin, in raw float32.")
	flags.IntVar(&f.rounds, "rounds", 10, "Number of runs to time.")
	flags.IntVar(&f.retries, "retries", engine.DefaultRetryPolicy.MaxAttempts,
		"Attempts to create the engine on backend errors, and times it is created again when a run fails with one.")
	flags.IntVar(&f.restartRounds, "restart-rounds", 1, "Number of times the whole create, warmup and run sequence is repeated.")
	flags.BoolVar(&f.warmup, "warmup", true, "Run the model once before timing it.")
	flags.BoolVar(&f.profile, "profile", false, "Report the latency of each operator.")
	flags.Uint64Var(&f.seed, "seed", 42, "Seed of the random inputs.")
	must.M(cmd.MarkFlagRequired("model"))
	return cmd
}

// engineConfig loads the --config file, if any, and applies the flags on top.
func engineConfig(f *runFlags) (*engine.Config, error) {
	cfg := engine.NewConfig()
	if f.config != "" {
		var err error
		if cfg, err = engine.LoadConfig(f.config); err != nil {
			return nil, err
		}
	}
	if f.device != "" {
		device, err := backends.ParseDeviceType(f.device)
		if err != nil {
			return nil, err
		}
		cfg.WithDevice(device)
	}
	if f.gpuPrecision != "" {
		dtype, err := dtypes.Parse(f.gpuPrecision)
		if err != nil {
			return nil, err
		}
		cfg.WithGPUPrecision(dtype)
	}
	if f.threads != 0 {
		cfg.WithCPU(f.threads, cfg.CPUAffinity)
	}
	return cfg, cfg.Validate()
}

func runModel(ctx context.Context, f *runFlags, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	cfg, err := engineConfig(f)
	if err != nil {
		return err
	}
	if cfg.GPUContext != nil {
		defer func() {
			if err := cfg.GPUContext.Close(); err != nil {
				klog.Warningf("closing GPU context: %v", err)
			}
		}()
	}
	var cpuPerformance float32
	if capability, err := engine.GetCapability(backends.CPU); err != nil {
		klog.Warningf("querying the CPU capability: %v", err)
	} else {
		cpuPerformance = capability.Float32Performance
	}
	for round := range max(f.restartRounds, 1) {
		if f.restartRounds > 1 {
			klog.Infof("restart round %d of %d", round+1, f.restartRounds)
		}
		if err := runRound(ctx, f, cfg, cpuPerformance, w); err != nil {
			return err
		}
	}
	return nil
}

// runRound creates an engine, warms it up, times the runs and reports.
func runRound(ctx context.Context, f *runFlags, cfg *engine.Config, cpuPerformance float32, w io.Writer) error {
	s := &session{ctx: ctx, f: f, cfg: cfg}
	if err := s.create(); err != nil {
		return err
	}
	defer s.destroy()

	inputs, err := loadInputs(s.e, f.inputs, f.seed)
	if err != nil {
		return err
	}
	defer finalizeAll(inputs)
	outputs := allocateOutputs(s.e)
	defer finalizeAll(outputs)

	var warmupLatency time.Duration
	if f.warmup {
		err = s.do("warmup", func(e *engine.Engine) error {
			if err := e.Warmup(inputs, outputs); err != nil {
				return err
			}
			warmupLatency = e.Stats().WarmupLatency
			return nil
		})
		if err != nil {
			return err
		}
	}

	prof := newProfile()
	var md *engine.RunMetadata
	if f.profile {
		md = &engine.RunMetadata{}
	}
	bar := progressbar.NewOptions(f.rounds,
		progressbar.OptionSetDescription("running"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	var total time.Duration
	for i := range f.rounds {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "interrupted after %d runs", i)
		}
		err = s.do("run", func(e *engine.Engine) error {
			start := time.Now()
			if err := e.Run(inputs, outputs, md); err != nil {
				return err
			}
			total += time.Since(start)
			return nil
		})
		if err != nil {
			return err
		}
		if md != nil {
			prof.add(md)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	printSummary(w, s, summary{
		rounds:         f.rounds,
		cpuPerformance: cpuPerformance,
		warmup:         warmupLatency,
		total:          total,
	})
	if f.profile {
		printProfile(w, prof)
	}
	if f.outputDir != "" {
		return writeOutputs(w, f.outputDir, outputs)
	}
	return nil
}

// session holds the engine of a round, and creates it again after backend errors.
type session struct {
	ctx context.Context
	f   *runFlags
	cfg *engine.Config
	e   *engine.Engine

	// numRecreated counts the engines created after a backend error.
	numRecreated int
}

func (s *session) create() error {
	policy := engine.DefaultRetryPolicy
	policy.MaxAttempts = max(s.f.retries, 1)
	e, err := engine.CreateWithRetry(s.ctx, policy, func() (*engine.Engine, error) {
		return engine.CreateFromFiles(s.cfg, s.f.model, s.f.weights, nil, nil)
	})
	if err != nil {
		return err
	}
	s.e = e
	return nil
}

func (s *session) destroy() {
	if s.e == nil {
		return
	}
	if err := s.e.Destroy(); err != nil {
		klog.Errorf("destroying engine: %v", err)
	}
	s.e = nil
}

// do calls fn with the engine. If fn fails with a BackendError, the engine is destroyed, created
// again and fn retried, at most f.retries times.
func (s *session) do(what string, fn func(e *engine.Engine) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(s.e)
		if err == nil || !status.Is(err, status.BackendError) || attempt >= s.f.retries {
			return err
		}
		klog.Errorf("%s failed, creating the engine again (%d of %d): %v", what, attempt+1, s.f.retries, err)
		s.destroy()
		if err = s.create(); err != nil {
			return err
		}
		s.numRecreated++
	}
}

// allocateOutputs creates float32 host tensors for the outputs of e. Outputs without declared
// dimensions are left for the engine to allocate.
func allocateOutputs(e *engine.Engine) map[string]*tensors.Tensor {
	outputs := make(map[string]*tensors.Tensor)
	for _, info := range e.Outputs() {
		outputs[info.Name] = nil
		if len(info.Dimensions) > 0 {
			outputs[info.Name] = newFloat32Tensor(info.Name, info.Dimensions, info.Layout)
		}
	}
	return outputs
}

func finalizeAll(ts map[string]*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Finalize()
		}
	}
}

func writeOutputs(w io.Writer, dir string, outputs map[string]*tensors.Tensor) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %q", dir)
	}
	for _, name := range xslices.SortedKeys(outputs) {
		t := outputs[name]
		path := filepath.Join(dir, name+".bin")
		if err := writeRawFloat32(path, t); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s written to %s\n", name, t.Shape(), path)
	}
	return nil
}

// summary of a round, measured by the harness: engines created again after backend errors
// start their own statistics.
type summary struct {
	rounds         int
	cpuPerformance float32
	warmup, total  time.Duration
}

func printSummary(w io.Writer, s *session, sum summary) {
	e := s.e
	stats := e.Stats()
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s on %s", e.Graph().Name, e.Devices()[0])))
	table := newPlainTable(false)
	table.Row("engine", e.ID().String())
	table.Row("capability(CPU)", fmt.Sprintf("%.2f GFLOPs", sum.cpuPerformance))
	table.Row("# ops", fmt.Sprintf("%d (%d conversions, %d computed at creation)",
		stats.NumOps, stats.NumSyntheticOps, stats.NumStaticOps))
	table.Row("constants in place", humanize.Comma(int64(stats.NumBorrowedConstants)))
	table.Row("create", stats.CreateLatency.String())
	if s.numRecreated > 0 {
		table.Row("created again", humanize.Comma(int64(s.numRecreated)))
	}
	if sum.warmup > 0 {
		table.Row("warmup", sum.warmup.String())
	}
	if sum.rounds > 0 {
		table.Row("runs", humanize.Comma(int64(sum.rounds)))
		table.Row("mean run", (sum.total / time.Duration(sum.rounds)).String())
		table.Row("last run", stats.LastRunLatency.String())
	}
	fmt.Fprintln(w, table.Render())
}
