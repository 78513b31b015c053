// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package npu implements the accelerator backends (DSP and NPU). Accelerators share host memory
// with the CPU and execute the model after a preparation step that produces an initialization
// blob, optionally persisted according to the accelerator cache policy:
//
//   - NONE: the blob is rebuilt at every creation;
//   - STORE: the blob is rebuilt and written to the cache;
//   - LOAD: the blob is read from the cache, and preparation is skipped if it matches the model.
package npu

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/internal/cachefile"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Alignment of accelerator buffers.
const Alignment = 64

// InitBlobFile is the file name of the initialization blob inside the storage path.
const InitBlobFile = "accelerator_init.bin"

const (
	initBlobKind    = "accelerator-init"
	initBlobVersion = 1
)

func init() {
	backends.Register(backends.DSP, func(opts backends.Options) (backends.Backend, error) {
		return NewBackend(backends.DSP, opts)
	})
	backends.Register(backends.NPU, func(opts backends.Options) (backends.Backend, error) {
		return NewBackend(backends.NPU, opts)
	})
}

// PrepareStats reports how the last Prepare obtained the initialization blob.
type PrepareStats struct {
	// Loaded is true if the blob was read from the cache and preparation was skipped.
	Loaded bool

	// Stored is true if the blob was written to the cache.
	Stored bool

	// Elapsed time of Prepare.
	Elapsed time.Duration
}

// Backend implements backends.Backend and backends.Preparer for an accelerator.
type Backend struct {
	device    backends.DeviceType
	opts      backends.Options
	allocator *memory.HostAllocator
	finalized atomic.Bool

	mu       sync.Mutex
	initBlob []byte
	stats    PrepareStats
}

var (
	_ backends.Backend  = &Backend{}
	_ backends.Preparer = &Backend{}
)

// NewBackend creates an accelerator backend for device (DSP or NPU).
func NewBackend(device backends.DeviceType, opts backends.Options) (*Backend, error) {
	if device != backends.DSP && device != backends.NPU {
		return nil, status.Errorf(status.InvalidArgument, "npu backend serves DSP or NPU, not %s", device)
	}
	return &Backend{device: device, opts: opts, allocator: memory.NewHostAllocator(Alignment, 0)}, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return fmt.Sprintf("%s-accelerator", b.device) }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("%s accelerator sharing host memory (cache policy %s)", b.device, b.opts.AcceleratorCachePolicy)
}

// Device implements backends.Backend.
func (b *Backend) Device() backends.DeviceType { return b.device }

// Allocator implements backends.Backend.
func (b *Backend) Allocator() memory.Allocator { return b.allocator }

// CachePath returns the file of the initialization blob, or "" if none is configured.
func (b *Backend) CachePath() string {
	if b.opts.AcceleratorBinaryPath != "" {
		return b.opts.AcceleratorBinaryPath
	}
	if b.opts.AcceleratorStoragePath != "" {
		return filepath.Join(b.opts.AcceleratorStoragePath, InitBlobFile)
	}
	return ""
}

// buildInitBlob emulates the model compilation for the accelerator.
func (b *Backend) buildInitBlob(model []byte) []byte {
	id := uuid.NewSHA1(uuid.NameSpaceOID, model)
	return []byte(fmt.Sprintf("%s/%s", b.Fingerprint(), id))
}

// Prepare implements backends.Preparer.
func (b *Backend) Prepare(model []byte) error {
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = PrepareStats{}
	expected := b.buildInitBlob(model)
	path := b.CachePath()
	policy := b.opts.AcceleratorCachePolicy
	if path == "" && policy != backends.CacheNone {
		klog.Warningf("%s: accelerator cache policy %s ignored, no binary or storage path configured", b.device, policy)
		policy = backends.CacheNone
	}

	if policy == backends.CacheLoad {
		entries, err := cachefile.Read(path, initBlobKind, initBlobVersion)
		switch {
		case err != nil && status.IsWarning(err):
			klog.Warningf("%s: initialization blob will be rebuilt: %v", b.device, err)
		case err != nil:
			return err
		case len(entries) != 1 || !bytes.Equal(entries[0], expected):
			klog.Warningf("%s: %v", b.device, status.Errorf(status.CacheMiss, "cached initialization blob %q is for another model", path))
		default:
			b.initBlob = entries[0]
			b.stats.Loaded = true
			b.stats.Elapsed = time.Since(start)
			klog.V(1).Infof("%s: initialization blob loaded from %q", b.device, path)
			return nil
		}
	}

	b.initBlob = expected
	if policy == backends.CacheStore {
		if err := cachefile.Write(path, initBlobKind, initBlobVersion, [][]byte{expected}); err != nil {
			return err
		}
		b.stats.Stored = true
	}
	b.stats.Elapsed = time.Since(start)
	klog.V(1).Infof("%s: model prepared in %s", b.device, b.stats.Elapsed)
	return nil
}

// PrepareStats returns the statistics of the last Prepare.
func (b *Backend) PrepareStats() PrepareStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Launch implements backends.Backend. Accelerator launches are synchronous and run the whole range
// at once.
func (b *Backend) Launch(spec backends.LaunchSpec, fn backends.KernelFunc) error {
	if b.finalized.Load() {
		return status.Errorf(status.BackendError, "%s: launch of %q after Finalize", b.device, spec.Name)
	}
	var size [3]int
	for axis, dim := range spec.Global {
		size[axis] = max(dim, 1)
	}
	var err error
	if exception := exceptions.Try(func() { err = fn(backends.WorkRange{Size: size}) }); exception != nil {
		return status.Errorf(status.BackendError, "%s kernel %q panicked: %v", b.device, spec.Name, exception)
	}
	if err != nil {
		if status.CodeOf(err) == status.Unknown {
			err = status.WithCode(err, status.BackendError)
		}
		return status.Wrapf(err, status.CodeOf(err), "%s kernel %q", b.device, spec.Name)
	}
	return nil
}

// Synchronize implements backends.Backend.
func (b *Backend) Synchronize() error { return nil }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		Device:             b.device,
		DTypes:             sets.MakeWith(dtypes.Float32, dtypes.Float16, dtypes.Uint8),
		Layouts:            sets.MakeWith(layouts.NHWC, layouts.None),
		Alignment:          Alignment,
		NumComputeUnits:    1,
		Float32Performance: 0,
	}
}

// Fingerprint implements backends.Backend.
func (b *Backend) Fingerprint() string {
	return fmt.Sprintf("emulated-%s/v%d", b.device, initBlobVersion)
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	b.mu.Lock()
	b.initBlob = nil
	b.mu.Unlock()
}
