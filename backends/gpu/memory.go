// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// Allocator of device memory. Buffers and images are not visible to the host: they must be mapped,
// which waits for the queued kernels and copies the contents to a staging area.
type Allocator struct {
	accounting *memory.HostAllocator
	queue      *commandQueue
}

var _ memory.Allocator = (*Allocator)(nil)

func newAllocator(limit int64, queue *commandQueue) *Allocator {
	return &Allocator{accounting: memory.NewHostAllocator(Alignment, limit), queue: queue}
}

// NewBuffer implements memory.Allocator.
func (a *Allocator) NewBuffer(nbytes int) (memory.Buffer, error) {
	if err := a.accounting.Reserve(nbytes); err != nil {
		return nil, err
	}
	return &deviceBuffer{deviceMemory{allocator: a, device: memory.AlignedBytes(nbytes, Alignment)}}, nil
}

// NewImage implements memory.Allocator. Texels have 4 channels of dtype Float32 or Float16.
func (a *Allocator) NewImage(width, height int, dtype dtypes.DType) (memory.Image, error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return nil, status.Errorf(status.Unsupported, "gpu images hold Float32 or Float16 texels, got %s", dtype)
	}
	if width <= 0 || height <= 0 {
		return nil, status.Errorf(status.InvalidArgument, "invalid image extent %dx%d", width, height)
	}
	nbytes := width * height * layouts.TexelChannels * dtype.Size()
	if err := a.accounting.Reserve(nbytes); err != nil {
		return nil, err
	}
	return &deviceImage{
		deviceMemory: deviceMemory{allocator: a, device: memory.AlignedBytes(nbytes, Alignment)},
		width:        width,
		height:       height,
		dtype:        dtype,
	}, nil
}

// SupportsImages implements memory.Allocator.
func (a *Allocator) SupportsImages() bool { return true }

// Alignment implements memory.Allocator.
func (a *Allocator) Alignment() int { return Alignment }

// Stats implements memory.Allocator.
func (a *Allocator) Stats() memory.Stats { return a.accounting.Stats() }

// deviceMemory holds the device-side bytes and the host staging copy of mapped memory.
type deviceMemory struct {
	allocator *Allocator
	device    []byte
	freed     atomic.Bool

	mu       sync.Mutex
	staging  []byte
	numMaps  int
	anyWrite bool
}

func (m *deviceMemory) Size() int { return len(m.device) }

// Map waits for the queue to finish all pending kernels and returns a host copy of the contents.
// Nested mappings share the same staging copy.
func (m *deviceMemory) Map(forWrite bool) ([]byte, error) {
	if m.freed.Load() {
		return nil, status.Errorf(status.InvalidArgument, "mapping freed device memory")
	}
	m.allocator.queue.Finish()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.numMaps == 0 {
		m.staging = make([]byte, len(m.device))
		copy(m.staging, m.device)
		m.anyWrite = false
	}
	m.numMaps++
	m.anyWrite = m.anyWrite || forWrite
	return m.staging, nil
}

// Unmap releases a mapping. The last one writes the staging copy back if any mapping was for writing.
func (m *deviceMemory) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.numMaps == 0 {
		return status.Errorf(status.InvalidArgument, "unmapping device memory that is not mapped")
	}
	m.numMaps--
	if m.numMaps > 0 {
		return nil
	}
	if m.anyWrite {
		copy(m.device, m.staging)
	}
	m.staging = nil
	return nil
}

func (m *deviceMemory) Free() {
	if m.freed.Swap(true) {
		return
	}
	m.allocator.accounting.Release(len(m.device))
	m.device = nil
}

type deviceBuffer struct {
	deviceMemory
}

var _ memory.Buffer = (*deviceBuffer)(nil)

type deviceImage struct {
	deviceMemory
	width, height int
	dtype         dtypes.DType
}

var _ memory.Image = (*deviceImage)(nil)

func (img *deviceImage) Width() int          { return img.width }
func (img *deviceImage) Height() int         { return img.height }
func (img *deviceImage) DType() dtypes.DType { return img.dtype }

// DeviceBytes returns the device-side storage of a buffer allocated by this backend.
//
// It must only be used from inside a KernelFunc launched on the GPU queue: the host must go
// through Map/Unmap.
func DeviceBytes(buf memory.Buffer) ([]byte, error) {
	b, ok := buf.(*deviceBuffer)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "buffer of type %T is not gpu device memory", buf)
	}
	if b.freed.Load() {
		return nil, status.Errorf(status.BackendError, "kernel accessed freed device buffer")
	}
	return b.device, nil
}

// ImageTexels returns the device-side texels of an image allocated by this backend, in row-major
// (y, x, channel) order. Like DeviceBytes, only for use inside kernels.
func ImageTexels(img memory.Image) ([]byte, error) {
	i, ok := img.(*deviceImage)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "image of type %T is not a gpu image", img)
	}
	if i.freed.Load() {
		return nil, status.Errorf(status.BackendError, "kernel accessed freed image")
	}
	return i.device, nil
}
