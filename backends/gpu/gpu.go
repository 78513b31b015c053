// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpu implements an emulated GPU backend with the programming model of portable compute
// APIs: device memory separate from host memory, opaque RGBA images, an in-order asynchronous
// command queue, kernels launched over work-groups, a compiled-program cache and auto-tuning of
// work-group sizes.
//
// Work-groups run concurrently on host goroutines, limited by the number of compute units scaled
// by the performance and priority hints.
package gpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/backends/cpu"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// BackendName is the short name of the backend.
const BackendName = "gpu"

// Alignment of device buffers, and required alignment of constants used in place.
const Alignment = 128

func init() {
	backends.Register(backends.GPU, New)
}

// New constructs a GPU backend. It implements backends.Constructor.
func New(opts backends.Options) (backends.Backend, error) {
	return NewBackend(opts)
}

// Backend implements backends.Backend with an emulated GPU.
type Backend struct {
	opts         backends.Options
	queue        *commandQueue
	allocator    *Allocator
	programs     *programCache
	computeUnits int
	concurrency  int
	fingerprint  string
	finalized    atomic.Bool

	numLaunches, numTuned atomic.Int64
}

// Compile-time check that gpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// NewBackend creates the GPU backend: its queue, allocator and program cache.
func NewBackend(opts backends.Options) (*Backend, error) {
	computeUnits := runtime.NumCPU()
	b := &Backend{
		opts:         opts,
		computeUnits: computeUnits,
		concurrency:  Concurrency(computeUnits, opts.GPUPerfHint, opts.GPUPriorityHint),
		fingerprint:  fmt.Sprintf("emulated-gpu/%s/cu=%d", cpuid.CPU.BrandName, computeUnits),
	}
	b.queue = newCommandQueue()
	b.allocator = newAllocator(opts.GPUMemoryLimit, b.queue)
	b.programs = newProgramCache(opts.ProgramCachePath, b.fingerprint)
	klog.V(1).Infof("gpu backend: %d compute units, %d concurrent work-groups (perf %s, priority %s)",
		computeUnits, b.concurrency, opts.GPUPerfHint, opts.GPUPriorityHint)
	return b, nil
}

// Concurrency returns how many work-groups run at the same time for the given hints:
// a LOW performance hint uses a quarter of the compute units, NORMAL half, and a LOW priority
// halves it again.
func Concurrency(computeUnits int, perf, priority backends.Hint) int {
	n := computeUnits
	switch perf {
	case backends.HintLow:
		n /= 4
	case backends.HintNormal:
		n /= 2
	}
	if priority == backends.HintLow {
		n /= 2
	}
	return max(n, 1)
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("Emulated GPU (%d compute units, %d concurrent work-groups)", b.computeUnits, b.concurrency)
}

// Device implements backends.Backend.
func (b *Backend) Device() backends.DeviceType { return backends.GPU }

// Allocator implements backends.Backend.
func (b *Backend) Allocator() memory.Allocator { return b.allocator }

// Concurrency returns the number of work-groups run at the same time.
func (b *Backend) Concurrency() int { return b.concurrency }

// ProgramStats returns the compiled-program cache counters.
func (b *Backend) ProgramStats() ProgramStats { return b.programs.Stats() }

// NumTuned returns the number of launches that were auto-tuned.
func (b *Backend) NumTuned() int64 { return b.numTuned.Load() }

// Launch implements backends.Backend. The kernel is enqueued and the call returns immediately:
// failures are reported by the next Synchronize.
func (b *Backend) Launch(spec backends.LaunchSpec, fn backends.KernelFunc) error {
	if b.finalized.Load() {
		return status.Errorf(status.BackendError, "gpu backend: launch of %q after Finalize", spec.Name)
	}
	for axis := range spec.Global {
		if spec.Global[axis] <= 0 {
			spec.Global[axis] = 1
		}
	}
	b.programs.ensureCompiled(spec.Name)
	b.numLaunches.Add(1)
	err := b.queue.enqueue(command{name: spec.Name, run: func() error {
		local := spec.Local
		if local == [3]int{} {
			var err error
			local, err = b.chooseLocal(spec, fn)
			if err != nil {
				return err
			}
			if local == [3]int{} {
				// Tuning already ran the kernel with the winner.
				return nil
			}
		}
		return b.dispatch(spec, local, fn)
	}})
	if err != nil {
		return status.WithCode(err, status.BackendError)
	}
	return nil
}

// dispatch runs fn over all work-groups of the global range.
func (b *Backend) dispatch(spec backends.LaunchSpec, local [3]int, fn backends.KernelFunc) error {
	for axis := range local {
		local[axis] = min(max(local[axis], 1), spec.Global[axis])
	}
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for x := 0; x < spec.Global[0]; x += local[0] {
		for y := 0; y < spec.Global[1]; y += local[1] {
			for z := 0; z < spec.Global[2]; z += local[2] {
				r := backends.WorkRange{
					Offset: [3]int{x, y, z},
					Size: [3]int{
						min(local[0], spec.Global[0]-x),
						min(local[1], spec.Global[1]-y),
						min(local[2], spec.Global[2]-z),
					},
				}
				g.Go(func() error { return runWorkGroup(spec.Name, fn, r) })
			}
		}
	}
	return g.Wait()
}

// runWorkGroup runs one work-group, converting failures and panics into BackendError.
func runWorkGroup(name string, fn backends.KernelFunc, r backends.WorkRange) error {
	var err error
	if exception := exceptions.Try(func() { err = fn(r) }); exception != nil {
		return status.Errorf(status.BackendError, "gpu kernel %q panicked in work-group %v: %v", name, r.Offset, exception)
	}
	if err != nil && status.CodeOf(err) == status.Unknown {
		err = status.WithCode(err, status.BackendError)
	}
	if err != nil {
		return status.Wrapf(err, status.CodeOf(err), "gpu kernel %q", name)
	}
	return nil
}

// DefaultLocal returns the work-group size used when no tuned value is available: whole extents on
// the minor axes, and the first axis split so every concurrent slot gets a few groups.
func DefaultLocal(global [3]int, concurrency int) [3]int {
	l0 := (global[0] + 4*concurrency - 1) / (4 * concurrency)
	return [3]int{max(l0, 1), global[1], global[2]}
}

// chooseLocal returns the work-group size for the launch: the tuned one if known, otherwise
// the default. If tuning is enabled and the key was never tuned, it tunes now: it runs the kernel
// with each candidate, records the fastest, and returns the zero value because the output is
// already computed.
func (b *Backend) chooseLocal(spec backends.LaunchSpec, fn backends.KernelFunc) ([3]int, error) {
	defaultLocal := DefaultLocal(spec.Global, b.concurrency)
	store := b.opts.Tuning
	if store == nil || spec.TuningKey == "" {
		return defaultLocal, nil
	}
	if params, found := store.Lookup(b.fingerprint, spec.TuningKey); found && len(params) == 3 {
		return [3]int{params[0], params[1], params[2]}, nil
	}
	candidates := [][3]int{defaultLocal}
	for _, l0 := range []int{defaultLocal[0] / 4, defaultLocal[0] * 4, 1} {
		c := [3]int{min(max(l0, 1), spec.Global[0]), spec.Global[1], spec.Global[2]}
		isNew := true
		for _, prev := range candidates {
			isNew = isNew && prev != c
		}
		if isNew {
			candidates = append(candidates, c)
		}
	}
	best, bestTime := -1, time.Duration(0)
	for i, candidate := range candidates {
		start := time.Now()
		if err := b.dispatch(spec, candidate, fn); err != nil {
			return [3]int{}, err
		}
		if elapsed := time.Since(start); best < 0 || elapsed < bestTime {
			best, bestTime = i, elapsed
		}
	}
	winner := candidates[best]
	store.Record(b.fingerprint, spec.TuningKey, winner[:])
	b.numTuned.Add(1)
	klog.V(1).Infof("gpu: tuned %q (%s): local=%v in %s among %d candidates", spec.Name, spec.TuningKey, winner, bestTime, len(candidates))
	return [3]int{}, nil
}

// Synchronize implements backends.Backend: it waits for the queue to drain and returns the first
// kernel error since the last call.
func (b *Backend) Synchronize() error {
	if b.finalized.Load() {
		return nil
	}
	return b.queue.Synchronize()
}

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		Device:             backends.GPU,
		DTypes:             sets.MakeWith(dtypes.Float32, dtypes.Float16),
		Layouts:            sets.MakeWith(layouts.Image, layouts.NHWC, layouts.None),
		Alignment:          Alignment,
		NumComputeUnits:    b.computeUnits,
		Float32Performance: float32(cpu.Float32GFlops() * float64(b.concurrency)),
	}
}

// Fingerprint implements backends.Backend.
func (b *Backend) Fingerprint() string { return b.fingerprint }

// Finalize implements backends.Backend: it drains the queue and persists the program cache.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	b.queue.Close()
	if err := b.programs.Save(); err != nil {
		klog.Warningf("failed to save gpu program cache: %v", err)
	}
}
