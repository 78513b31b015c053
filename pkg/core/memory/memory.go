// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory defines the memory handles used by tensors and the allocators that create them.
//
// A Buffer is a linear block of bytes, an Image an opaque 2D array of RGBA texels. Both live on some
// device: host memory can be read directly, device memory must be mapped to be seen by the host.
// Mapping is always scoped: every Map is paired with an Unmap.
package memory

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
)

// Buffer is a linear block of memory owned by an Allocator.
type Buffer interface {
	// Size is the capacity in bytes.
	Size() int

	// Map returns a host view of the buffer contents. If forWrite is true, the view contents are
	// written back to the device on Unmap. For host memory the view is the buffer itself.
	Map(forWrite bool) ([]byte, error)

	// Unmap releases the view returned by Map.
	Unmap() error

	// Free returns the memory to its allocator. Using the buffer afterward is a bug.
	Free()
}

// Image is an opaque 2D array of texels with 4 channels (RGBA) of dtype Float32 or Float16.
type Image interface {
	// Width and Height in texels.
	Width() int
	Height() int

	// DType of each channel of a texel.
	DType() dtypes.DType

	// Map returns a host view of the texels in row-major order (y, x, channel).
	Map(forWrite bool) ([]byte, error)

	// Unmap releases the view returned by Map.
	Unmap() error

	// Free returns the memory to its allocator.
	Free()
}

// Allocator creates buffers (and optionally images) on one device.
type Allocator interface {
	// NewBuffer allocates nbytes. It returns an OutOfMemory error if the request can't be served.
	NewBuffer(nbytes int) (Buffer, error)

	// NewImage allocates an image of width x height texels. Allocators that don't support images
	// return an Unsupported error.
	NewImage(width, height int, dtype dtypes.DType) (Image, error)

	// SupportsImages returns whether NewImage is available.
	SupportsImages() bool

	// Alignment in bytes of the buffers returned by NewBuffer.
	Alignment() int

	// Stats returns the allocator usage counters.
	Stats() Stats
}

// Stats holds usage counters of an allocator.
type Stats struct {
	// LiveBytes currently allocated and not yet freed.
	LiveBytes int64

	// PeakBytes is the maximum LiveBytes ever reached.
	PeakBytes int64

	// NumAllocations served so far.
	NumAllocations int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("live=%s, peak=%s, allocations=%d",
		humanize.IBytes(uint64(s.LiveBytes)), humanize.IBytes(uint64(s.PeakBytes)), s.NumAllocations)
}

// AsSlice reinterprets raw bytes as a slice of T. len(data) should be a multiple of T's size,
// trailing bytes are ignored.
func AsSlice[T dtypes.Supported](data []byte) []T {
	var t T
	elemSize := int(unsafe.Sizeof(t))
	if len(data) < elemSize {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/elemSize)
}

// AsBytes reinterprets a slice of T as raw bytes.
func AsBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
}

// IsAligned returns whether the address of data[0] is a multiple of alignment.
// Empty slices are always aligned.
func IsAligned(data []byte, alignment int) bool {
	if len(data) == 0 || alignment <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(&data[0]))%uintptr(alignment) == 0
}

// AlignedBytes returns a zeroed slice of nbytes whose first element is aligned to alignment.
func AlignedBytes(nbytes, alignment int) []byte {
	if alignment <= 1 || nbytes == 0 {
		return make([]byte, nbytes)
	}
	raw := make([]byte, nbytes+alignment-1)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := int((uintptr(alignment) - addr%uintptr(alignment)) % uintptr(alignment))
	return raw[offset : offset+nbytes : offset+nbytes]
}
