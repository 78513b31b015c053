// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the CPU backend: host memory and a pool of OS-thread-bound workers
// optionally pinned to the big or little cores.
//
// Kernel launches are synchronous: Launch splits the first axis of the global range among the
// workers and returns when all of them finish.
package cpu

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/internal/workerspool"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/sets"
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// BackendName is the short name of the backend.
const BackendName = "cpu"

// Alignment of the buffers allocated by the CPU backend.
const Alignment = 64

func init() {
	backends.Register(backends.CPU, New)
}

// New constructs a CPU backend. It implements backends.Constructor.
func New(opts backends.Options) (backends.Backend, error) {
	return NewBackend(opts)
}

// Backend implements backends.Backend for the host CPU.
type Backend struct {
	opts      backends.Options
	allocator *memory.HostAllocator
	pool      *workerspool.Pool
	cores     []int
	caps      backends.Capabilities
	finalized atomic.Bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// NewBackend creates the CPU backend with its thread pool.
//
// The thread count defaults to the number of selected cores: all of them, or only the big (or
// little) ones if the affinity policy asks so.
func NewBackend(opts backends.Options) (*Backend, error) {
	cores, pinEach := SelectCores(DetectCores(SysfsCPUDir, runtime.NumCPU()), opts.CPUAffinity)
	numThreads := opts.CPUThreadCount
	if numThreads <= 0 {
		numThreads = len(cores)
		if opts.CPUAffinity == backends.AffinityNone {
			numThreads = runtime.NumCPU()
		}
	}
	b := &Backend{
		opts:      opts,
		allocator: memory.NewHostAllocator(Alignment, 0),
		cores:     cores,
	}
	var threadInit workerspool.ThreadInitFn
	if opts.CPUAffinity != backends.AffinityNone && len(cores) > 0 {
		threadInit = func(workerIdx int) error {
			if pinEach {
				return setAffinity([]int{cores[workerIdx%len(cores)]})
			}
			return setAffinity(cores)
		}
	}
	b.pool = workerspool.New(numThreads, threadInit)
	b.caps = backends.Capabilities{
		Device:             backends.CPU,
		DTypes:             sets.MakeWith(dtypes.Float32, dtypes.Float16, dtypes.BFloat16, dtypes.Int32, dtypes.Uint8),
		Layouts:            sets.MakeWith(layouts.None, layouts.NHWC, layouts.NCHW, layouts.OIHW),
		Alignment:          Alignment,
		NumComputeUnits:    b.pool.MaxParallelism(),
		Float32Performance: 1,
	}
	klog.V(1).Infof("cpu backend: %d threads, affinity %s, cores %v", b.pool.MaxParallelism(), opts.CPUAffinity, cores)
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("CPU %s (%d threads, affinity %s)", cpuid.CPU.BrandName, b.pool.MaxParallelism(), b.opts.CPUAffinity)
}

// Device implements backends.Backend.
func (b *Backend) Device() backends.DeviceType { return backends.CPU }

// Allocator implements backends.Backend.
func (b *Backend) Allocator() memory.Allocator { return b.allocator }

// NumThreads in the pool.
func (b *Backend) NumThreads() int { return b.pool.MaxParallelism() }

// Cores the pool is bound to.
func (b *Backend) Cores() []int { return b.cores }

// Launch implements backends.Backend. It runs synchronously, splitting spec.Global[0] among the workers.
func (b *Backend) Launch(spec backends.LaunchSpec, fn backends.KernelFunc) error {
	if b.finalized.Load() {
		return status.Errorf(status.BackendError, "cpu backend: launch of %q after Finalize", spec.Name)
	}
	global := spec.Global
	for axis := range global {
		if global[axis] <= 0 {
			global[axis] = 1
		}
	}
	err := b.pool.ParallelFor(global[0], func(start, end int) error {
		return fn(backends.WorkRange{
			Offset: [3]int{start, 0, 0},
			Size:   [3]int{end - start, global[1], global[2]},
		})
	})
	if err != nil {
		if status.CodeOf(err) == status.Unknown {
			err = status.WithCode(err, status.BackendError)
		}
		return status.Wrapf(err, status.CodeOf(err), "cpu kernel %q", spec.Name)
	}
	return nil
}

// Synchronize implements backends.Backend. CPU launches are synchronous, so there is nothing to wait for.
func (b *Backend) Synchronize() error { return nil }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	caps := b.caps.Clone()
	caps.Float32Performance = float32(Float32GFlops())
	return caps
}

// Fingerprint implements backends.Backend.
func (b *Backend) Fingerprint() string {
	return fmt.Sprintf("cpu/%s/%s/family=%d,model=%d/cores=%d",
		cpuid.CPU.VendorString, cpuid.CPU.BrandName, cpuid.CPU.Family, cpuid.CPU.Model, cpuid.CPU.LogicalCores)
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	b.pool.Close()
}
