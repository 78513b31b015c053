// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HostAllocator serves aligned buffers from process memory.
//
// Freed buffers are kept in pools keyed by their size and reused, which matters for repeated
// Run calls that allocate the same temporaries.
type HostAllocator struct {
	alignment int
	limit     int64

	live, peak, numAllocations atomic.Int64

	// pools maps a size in bytes to a *sync.Pool of []byte.
	pools sync.Map
}

var _ Allocator = (*HostAllocator)(nil)

// NewHostAllocator creates an allocator with the given alignment (in bytes, a power of 2) and
// limit on live bytes. A limit <= 0 means unlimited.
func NewHostAllocator(alignment int, limit int64) *HostAllocator {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(errors.Errorf("memory.NewHostAllocator: alignment must be a power of 2, got %d", alignment))
	}
	return &HostAllocator{alignment: alignment, limit: limit}
}

func (a *HostAllocator) getPool(nbytes int) *sync.Pool {
	pool, ok := a.pools.Load(nbytes)
	if !ok {
		pool, _ = a.pools.LoadOrStore(nbytes, &sync.Pool{
			New: func() any {
				return AlignedBytes(nbytes, a.alignment)
			},
		})
	}
	return pool.(*sync.Pool)
}

// Reserve accounts nbytes of live memory, returning OutOfMemory if the limit would be exceeded.
// It is used by NewBuffer and by device allocators that delegate their accounting.
func (a *HostAllocator) Reserve(nbytes int) error {
	if nbytes < 0 {
		return status.Errorf(status.InvalidArgument, "cannot allocate negative size %d", nbytes)
	}
	newLive := a.live.Add(int64(nbytes))
	if a.limit > 0 && newLive > a.limit {
		a.live.Add(-int64(nbytes))
		return status.Errorf(status.OutOfMemory, "allocation of %s refused: %s live, limit is %s",
			humanize.IBytes(uint64(nbytes)), humanize.IBytes(uint64(newLive-int64(nbytes))), humanize.IBytes(uint64(a.limit)))
	}
	for {
		peak := a.peak.Load()
		if newLive <= peak || a.peak.CompareAndSwap(peak, newLive) {
			break
		}
	}
	a.numAllocations.Add(1)
	return nil
}

// Release returns nbytes previously accounted with Reserve.
func (a *HostAllocator) Release(nbytes int) {
	a.live.Add(-int64(nbytes))
}

// NewBuffer implements Allocator.
func (a *HostAllocator) NewBuffer(nbytes int) (Buffer, error) {
	if err := a.Reserve(nbytes); err != nil {
		return nil, err
	}
	data := a.getPool(nbytes).Get().([]byte)
	clear(data)
	if klog.V(3).Enabled() {
		klog.Infof("host allocator: %s", humanize.IBytes(uint64(nbytes)))
	}
	return &hostBuffer{allocator: a, data: data}, nil
}

// NewImage implements Allocator. Host memory has no image support.
func (a *HostAllocator) NewImage(width, height int, dtype dtypes.DType) (Image, error) {
	return nil, status.Errorf(status.Unsupported, "host memory doesn't support images (requested %dx%d %s)", width, height, dtype)
}

// SupportsImages implements Allocator.
func (a *HostAllocator) SupportsImages() bool { return false }

// Alignment implements Allocator.
func (a *HostAllocator) Alignment() int { return a.alignment }

// Limit returns the configured limit of live bytes, 0 if unlimited.
func (a *HostAllocator) Limit() int64 {
	if a.limit <= 0 {
		return 0
	}
	return a.limit
}

// Stats implements Allocator.
func (a *HostAllocator) Stats() Stats {
	return Stats{LiveBytes: a.live.Load(), PeakBytes: a.peak.Load(), NumAllocations: a.numAllocations.Load()}
}

// hostBuffer is a Buffer in process memory.
type hostBuffer struct {
	allocator *HostAllocator
	data      []byte
	freed     atomic.Bool
}

func (b *hostBuffer) Size() int { return len(b.data) }

func (b *hostBuffer) Map(bool) ([]byte, error) {
	if b.freed.Load() {
		return nil, status.Errorf(status.InvalidArgument, "mapping a freed buffer")
	}
	return b.data, nil
}

func (b *hostBuffer) Unmap() error { return nil }

func (b *hostBuffer) Free() {
	if b.freed.Swap(true) {
		return
	}
	b.allocator.Release(len(b.data))
	b.allocator.getPool(len(b.data)).Put(b.data)
	b.data = nil
}

// HostBytes returns the underlying storage of buffers living in host memory (created by a
// HostAllocator or by Wrap), and false for any other buffer.
func HostBytes(buf Buffer) ([]byte, bool) {
	switch b := buf.(type) {
	case *hostBuffer:
		return b.data, !b.freed.Load()
	case *wrappedBuffer:
		return b.data, true
	}
	return nil, false
}

// wrappedBuffer is a Buffer over memory the caller owns. Free is a no-op.
type wrappedBuffer struct {
	data []byte
}

// Wrap returns a Buffer backed by data. The buffer doesn't own data: Free does nothing, and the
// caller must keep data alive while the buffer is in use.
func Wrap(data []byte) Buffer {
	return &wrappedBuffer{data: data}
}

func (b *wrappedBuffer) Size() int                { return len(b.data) }
func (b *wrappedBuffer) Map(bool) ([]byte, error) { return b.data, nil }
func (b *wrappedBuffer) Unmap() error             { return nil }
func (b *wrappedBuffer) Free()                    {}
