// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine executes a serialized model on the configured devices.
//
// An Engine is created once per model (Create or CreateFromFiles): it decodes and validates the
// graph, instantiates the backends, plans where each tensor lives, inserts the conversions between
// placements, binds every operator to a kernel and allocates the workspace. Run then only copies the
// inputs in, walks the operators in topological order and copies the outputs out.
//
// Example:
//
//	cfg := engine.NewConfig().WithDevice(backends.GPU)
//	e, err := engine.CreateWithRetry(ctx, engine.DefaultRetryPolicy, func() (*engine.Engine, error) {
//		return engine.Create(cfg, graphBytes, weights, nil, nil)
//	})
//	if err != nil { ... }
//	defer e.Destroy()
//	outputs := map[string]*tensors.Tensor{"output": nil}
//	err = e.Run(map[string]*tensors.Tensor{"input": input}, outputs, nil)
//
// An Engine is not reentrant: a Run (or Warmup, or Destroy) while another is executing fails with
// a ConcurrentUse error.
package engine

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/gomlx/edgeinfer/pkg/support/xslices"
	"github.com/gomlx/edgeinfer/pkg/tuning"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	// Kernels.
	_ "github.com/gomlx/edgeinfer/pkg/ops/cpuops"
	_ "github.com/gomlx/edgeinfer/pkg/ops/gpuops"

	// Backends.
	_ "github.com/gomlx/edgeinfer/backends/cpu"
	_ "github.com/gomlx/edgeinfer/backends/gpu"
	_ "github.com/gomlx/edgeinfer/backends/npu"
)

// Stats of an Engine.
type Stats struct {
	CreateLatency, WarmupLatency    time.Duration
	LastRunLatency, TotalRunLatency time.Duration
	NumRuns                         int

	// NumOps executed by each Run, of which NumSyntheticOps are conversions inserted by the planner.
	NumOps, NumSyntheticOps int

	// NumStaticOps were executed once at creation, because they only depend on constants.
	NumStaticOps int

	// NumBorrowedConstants are used in place from the weights region, the others were copied
	// because they were not aligned.
	NumBorrowedConstants int
}

// binding of a graph input or output to its workspace slot.
type binding struct {
	info graph.IOInfo
	slot int
}

func (b binding) IOInfo() graph.IOInfo { return b.info }

// Engine executes one model. See package documentation.
type Engine struct {
	id    uuid.UUID
	cfg   *Config
	graph *graph.Graph
	arena *memory.ReadOnlyRegion

	backends     map[backends.DeviceType]backends.Backend
	backendOrder []backends.DeviceType
	tuning       *tuning.Cache

	// workspace holds every tensor of the plan, nodes refer to them by index.
	workspace []slot
	nodes     []*node

	inputs, outputs []binding

	// cleanup is unwound in reverse order by Destroy, or when Create fails.
	cleanup []func()

	running   atomic.Bool
	failed    atomic.Bool
	destroyed bool

	muStats sync.Mutex
	stats   Stats
}

// Create an Engine for the serialized graph, whose constants point into weights.
// weights must not be modified while the Engine exists.
//
// inputNames selects the graph inputs fed by Run, and must list all of them (in any order); outputNames
// selects the graph outputs computed. Nil means all declared inputs or outputs.
//
// A BackendError is worth retrying, see CreateWithRetry.
func Create(cfg *Config, graphBytes, weights []byte, inputNames, outputNames []string) (*Engine, error) {
	return create(cfg, graphBytes, memory.RegionFromBytes(weights), false, inputNames, outputNames)
}

// CreateFromFiles is like Create, but reads the graph and maps the weights from files.
// An empty weightsPath is accepted for models without constants.
func CreateFromFiles(cfg *Config, graphPath, weightsPath string, inputNames, outputNames []string) (*Engine, error) {
	graphRegion, err := memory.MapFile(graphPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = graphRegion.Close() }()
	arena := memory.RegionFromBytes(nil)
	if weightsPath != "" {
		if arena, err = memory.MapFile(weightsPath); err != nil {
			return nil, err
		}
	}
	return create(cfg, graphRegion.Bytes(), arena, true, inputNames, outputNames)
}

func create(cfg *Config, graphBytes []byte, arena *memory.ReadOnlyRegion, ownsArena bool, inputNames, outputNames []string) (e *Engine, err error) {
	start := time.Now()
	if cfg == nil {
		cfg = NewConfig()
	}
	e = &Engine{
		id:       uuid.New(),
		cfg:      cfg,
		arena:    arena,
		backends: make(map[backends.DeviceType]backends.Backend),
	}
	if ownsArena {
		e.pushCleanup(func() {
			if err := arena.Close(); err != nil {
				klog.Warningf("engine %s: closing weights: %v", e.id, err)
			}
		})
	}
	defer func() {
		if err != nil {
			e.releaseAll()
			e = nil
		}
	}()

	if err = cfg.Validate(); err != nil {
		return
	}
	if e.graph, err = graph.Decode(graphBytes); err != nil {
		return
	}
	if err = e.graph.Validate(arena.Len()); err != nil {
		return
	}
	if e.inputs, err = selectIO(e.graph.Inputs, inputNames, "input", true); err != nil {
		return
	}
	if e.outputs, err = selectIO(e.graph.Outputs, outputNames, "output", false); err != nil {
		return
	}

	primary, err := e.backend(cfg.Device)
	if err != nil {
		return
	}
	if preparer, ok := primary.(backends.Preparer); ok {
		if err = preparer.Prepare(graphBytes); err != nil {
			return
		}
	}
	// Kernels may panic on shapes the validation didn't anticipate: report those as bad models,
	// and let the deferred cleanup release what was acquired so far.
	if exception := exceptions.Try(func() { err = newPlanner(e).plan() }); exception != nil {
		err = status.Errorf(status.InvalidArgument, "planning %q: %v", e.graph.Name, exception)
	}
	if err != nil {
		return
	}

	e.stats.CreateLatency = time.Since(start)
	klog.Infof("engine %s: created %q on %s in %s: %d ops (%d conversions), %d static ops, %d tensors",
		e.id, e.graph.Name, cfg.Device, e.stats.CreateLatency, e.stats.NumOps, e.stats.NumSyntheticOps,
		e.stats.NumStaticOps, len(e.workspace))
	return e, nil
}

// selectIO returns the bindings of the named graph inputs or outputs, all of them if names is nil.
func selectIO(declared []graph.IOInfo, names []string, kind string, requireAll bool) ([]binding, error) {
	if names == nil {
		names = make([]string, len(declared))
		for i, io := range declared {
			names[i] = io.Name
		}
	}
	bindings := make([]binding, 0, len(names))
	for _, name := range names {
		idx := slices.IndexFunc(declared, func(io graph.IOInfo) bool { return io.Name == name })
		if idx < 0 {
			return nil, status.Errorf(status.InvalidArgument, "%q is not a graph %s", name, kind)
		}
		if slices.ContainsFunc(bindings, func(b binding) bool { return b.info.Name == name }) {
			return nil, status.Errorf(status.InvalidArgument, "graph %s %q listed twice", kind, name)
		}
		bindings = append(bindings, binding{info: declared[idx], slot: -1})
	}
	if requireAll && len(bindings) != len(declared) {
		return nil, status.Errorf(status.InvalidArgument, "all %d graph %ss must be fed, got %d names", len(declared), kind, len(names))
	}
	return bindings, nil
}

// ID identifies the Engine in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Graph returns the model. It must not be modified.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Inputs returns the declarations of the inputs fed by Run.
func (e *Engine) Inputs() []graph.IOInfo { return xslices.Map(e.inputs, binding.IOInfo) }

// Outputs returns the declarations of the outputs computed by Run.
func (e *Engine) Outputs() []graph.IOInfo { return xslices.Map(e.outputs, binding.IOInfo) }

// Devices used by the Engine, in the order their backends were created.
func (e *Engine) Devices() []backends.DeviceType { return slices.Clone(e.backendOrder) }

// Stats returns a snapshot of the Engine statistics.
func (e *Engine) Stats() Stats {
	e.muStats.Lock()
	defer e.muStats.Unlock()
	return e.stats
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	return fmt.Sprintf("Engine %s (%q on %s)", e.id, e.graph.Name, e.cfg.Device)
}

// Destroy releases all tensors, operators and backends, in the reverse order they were acquired.
// It is idempotent, and fails with ConcurrentUse if a Run is executing.
func (e *Engine) Destroy() error {
	if !e.running.CompareAndSwap(false, true) {
		return status.Errorf(status.ConcurrentUse, "engine %s: Destroy called while running", e.id)
	}
	defer e.running.Store(false)
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	e.releaseAll()
	klog.V(1).Infof("engine %s destroyed", e.id)
	return nil
}

func (e *Engine) pushCleanup(fn func()) {
	e.cleanup = append(e.cleanup, fn)
}

func (e *Engine) releaseAll() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	e.cleanup = nil
	e.nodes = nil
	e.workspace = nil
	clear(e.backends)
}

// backend returns the backend for device, creating it on first use.
func (e *Engine) backend(device backends.DeviceType) (backends.Backend, error) {
	if b, found := e.backends[device]; found {
		return b, nil
	}
	var store backends.TuningStore
	if device == backends.GPU && e.cfg.GPUContext != nil {
		cache, err := e.cfg.GPUContext.TuningCache()
		if err != nil {
			return nil, err
		}
		e.tuning = cache
		store = cache
		// Runs after the backend is finalized.
		e.pushCleanup(func() {
			if err := cache.Flush(); err != nil {
				klog.Warningf("engine %s: writing tuning cache: %v", e.id, err)
			}
		})
	}
	b, err := backends.New(device, e.cfg.backendOptions(store))
	if err != nil {
		return nil, err
	}
	e.backends[device] = b
	e.backendOrder = append(e.backendOrder, device)
	e.pushCleanup(b.Finalize)
	klog.V(1).Infof("engine %s: backend %s", e.id, b.Description())
	return b, nil
}

// newTensor allocates a workspace tensor on device.
func (e *Engine) newTensor(name string, device backends.DeviceType, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error) {
	b, err := e.backend(device)
	if err != nil {
		return nil, err
	}
	var t *tensors.Tensor
	if layout == layouts.Image {
		t, err = tensors.NewImage(name, shape, device, b.Allocator())
	} else {
		t, err = tensors.New(name, shape, layout, device, b.Allocator())
	}
	if err != nil {
		return nil, err
	}
	e.pushCleanup(t.Finalize)
	return t, nil
}
