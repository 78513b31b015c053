// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a named multidimensional array placed on a device.
//
// A Tensor is defined by its shape (dtype and logical dimensions), its layout (how the dimensions
// map to storage, see package layouts), the device holding it, and a memory handle: a linear
// memory.Buffer for dense layouts, or a memory.Image for the IMAGE layout.
//
// Tensors either own their memory (New, NewImage), in which case they can be resized and
// Finalize releases the memory, or borrow it (Borrow, FromFlatData), typically for caller inputs
// and outputs and for constants read directly from the weights region.
//
// The contents are accessed through scoped mappings:
//
//	err := tensors.ConstFlatData(t, func(flat []float32) {
//	    fmt.Println(flat[0])
//	})
//
// The mapping is released when the function returns, including on panics.
package tensors

import (
	"fmt"
	"sync"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/exceptions"
)

// Tensor represents a named multidimensional array on a device.
//
// The name, device and ownership are immutable. The shape only changes with Resize.
type Tensor struct {
	name   string
	device backends.DeviceType
	owned  bool

	// mu protects the fields below.
	mu        sync.Mutex
	shape     shapes.Shape
	layout    layouts.Layout
	allocator memory.Allocator
	buffer    memory.Buffer
	image     memory.Image
	quant     *dtypes.QuantParams
	numMaps   int
	numViews  int
	finalized bool
}

// hostAllocator serves tensors created with FromShape.
var hostAllocator = memory.NewHostAllocator(64, 0)

// New creates an owned tensor with a buffer from allocator, sized for shape.
//
// It returns an InvalidArgument error for invalid shapes or the IMAGE layout (see NewImage), and
// OutOfMemory if the allocator refuses the request.
func New(name string, shape shapes.Shape, layout layouts.Layout, device backends.DeviceType, allocator memory.Allocator) (*Tensor, error) {
	if err := checkShapeAndLayout(name, shape, layout); err != nil {
		return nil, err
	}
	if layout == layouts.Image {
		return nil, status.Errorf(status.InvalidArgument, "tensor %q: use NewImage for the %s layout", name, layout)
	}
	buf, err := allocator.NewBuffer(shape.Memory())
	if err != nil {
		return nil, status.Wrapf(err, status.CodeOf(err), "allocating tensor %q %s", name, shape)
	}
	return &Tensor{
		name: name, device: device, owned: true,
		shape: shape.Clone(), layout: layout, allocator: allocator, buffer: buf,
		quant: defaultQuantization(shape.DType),
	}, nil
}

// NewImage creates an owned tensor in the IMAGE layout. shape holds the logical NHWC dimensions
// (rank 4) or a vector (rank 1), and its dtype is the image texel precision (Float32 or Float16).
//
// It returns Unsupported if the allocator has no image support or the dtype can't be stored in an image.
func NewImage(name string, shape shapes.Shape, device backends.DeviceType, allocator memory.Allocator) (*Tensor, error) {
	if err := checkShapeAndLayout(name, shape, layouts.Image); err != nil {
		return nil, err
	}
	if !allocator.SupportsImages() {
		return nil, status.Errorf(status.Unsupported, "tensor %q: %s allocator has no image support", name, device)
	}
	img, err := allocateImage(name, shape, allocator)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		name: name, device: device, owned: true,
		shape: shape.Clone(), layout: layouts.Image, allocator: allocator, image: img,
	}, nil
}

// ImageKindFor returns how a tensor with the given logical dimensions is packed in an image.
func ImageKindFor(dims []int) layouts.ImageKind {
	if len(dims) == 1 {
		return layouts.Argument
	}
	return layouts.InOutChannel
}

func allocateImage(name string, shape shapes.Shape, allocator memory.Allocator) (memory.Image, error) {
	if shape.DType != dtypes.Float32 && shape.DType != dtypes.Float16 {
		return nil, status.Errorf(status.Unsupported, "tensor %q: images only hold Float32 or Float16, got %s", name, shape.DType)
	}
	width, height, err := layouts.ImageShapeFor(ImageKindFor(shape.Dimensions), shape.Dimensions)
	if err != nil {
		return nil, err
	}
	img, err := allocator.NewImage(width, height, shape.DType)
	if err != nil {
		return nil, status.Wrapf(err, status.CodeOf(err), "allocating image tensor %q %s", name, shape)
	}
	return img, nil
}

// Borrow creates a tensor over a buffer it doesn't own: Finalize won't free it and Resize is refused.
// The buffer must be large enough for shape.
func Borrow(name string, shape shapes.Shape, layout layouts.Layout, device backends.DeviceType, buffer memory.Buffer) (*Tensor, error) {
	if err := checkShapeAndLayout(name, shape, layout); err != nil {
		return nil, err
	}
	if layout == layouts.Image {
		return nil, status.Errorf(status.InvalidArgument, "tensor %q: can't borrow a buffer for the %s layout", name, layout)
	}
	if buffer.Size() < shape.Memory() {
		return nil, status.Errorf(status.InvalidArgument, "tensor %q %s needs %d bytes, buffer has %d",
			name, shape, shape.Memory(), buffer.Size())
	}
	return &Tensor{name: name, device: device, shape: shape.Clone(), layout: layout, buffer: buffer,
		quant: defaultQuantization(shape.DType)}, nil
}

// FromShape creates an owned, zero-initialized host tensor.
// It panics if the shape is invalid.
func FromShape(name string, shape shapes.Shape, layout layouts.Layout) *Tensor {
	t, err := New(name, shape, layout, backends.CPU, hostAllocator)
	if err != nil {
		exceptions.Panicf("tensors.FromShape(%q, %s): %+v", name, shape, err)
	}
	return t
}

// FromFlatData creates a host tensor borrowing the caller's flat slice: writes to the tensor are
// visible in flat. The product of dimensions must equal len(flat), otherwise it panics.
func FromFlatData[T dtypes.Supported](name string, flat []T, layout layouts.Layout, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlatData(%q): len(flat)=%d doesn't match dimensions %v", name, len(flat), dimensions)
	}
	t, err := Borrow(name, shape, layout, backends.CPU, memory.Wrap(memory.AsBytes(flat)))
	if err != nil {
		exceptions.Panicf("tensors.FromFlatData(%q): %+v", name, err)
	}
	return t
}

// defaultQuantization returns the identity parameters for quantized dtypes, nil for the others.
func defaultQuantization(dtype dtypes.DType) *dtypes.QuantParams {
	if !dtype.IsQuantized() {
		return nil
	}
	q := dtypes.DefaultQuantParams
	return &q
}

func checkShapeAndLayout(name string, shape shapes.Shape, layout layouts.Layout) error {
	if err := shape.Validate(); err != nil {
		return status.Wrapf(err, status.InvalidArgument, "tensor %q", name)
	}
	switch layout {
	case layouts.NHWC, layouts.NCHW, layouts.OIHW:
		if shape.Rank() != 4 {
			return status.Errorf(status.InvalidArgument, "tensor %q: layout %s requires rank 4, got shape %s", name, layout, shape)
		}
	case layouts.Image:
		if shape.Rank() != 4 && shape.Rank() != 1 {
			return status.Errorf(status.InvalidArgument, "tensor %q: layout %s requires rank 4 or 1, got shape %s", name, layout, shape)
		}
	case layouts.None:
	default:
		return status.Errorf(status.InvalidArgument, "tensor %q: unknown layout %s", name, layout)
	}
	return nil
}

// Name of the tensor.
func (t *Tensor) Name() string { return t.name }

// Device holding the tensor memory.
func (t *Tensor) Device() backends.DeviceType { return t.device }

// IsOwned returns whether the tensor owns its memory.
func (t *Tensor) IsOwned() bool { return t.owned }

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() shapes.Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.Clone()
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.DType
}

// Layout of the tensor storage.
func (t *Tensor) Layout() layouts.Layout {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.layout
}

// IsImage returns whether the tensor is stored as an image.
func (t *Tensor) IsImage() bool {
	return t.Layout() == layouts.Image
}

// Buffer returns the memory handle of dense tensors, nil for images.
func (t *Tensor) Buffer() memory.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer
}

// Image returns the memory handle of image tensors, nil for dense ones.
func (t *Tensor) Image() memory.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.image
}

// Quantization returns the quantization parameters of Uint8 tensors, and nil for other dtypes.
// Uint8 tensors start with dtypes.DefaultQuantParams.
func (t *Tensor) Quantization() *dtypes.QuantParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quant == nil {
		return nil
	}
	q := *t.quant
	return &q
}

// SetQuantization sets the quantization parameters. Only Uint8 tensors can carry them.
func (t *Tensor) SetQuantization(q dtypes.QuantParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.shape.DType.IsQuantized() {
		return status.Errorf(status.InvalidArgument, "tensor %q of dtype %s can't carry quantization parameters", t.name, t.shape.DType)
	}
	t.quant = &q
	return nil
}

// Retain registers a view on the tensor memory: while views are retained, Resize won't shrink
// or reallocate it. Each Retain must be paired with a Release.
func (t *Tensor) Retain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.numViews++
}

// Release a view registered with Retain.
func (t *Tensor) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numViews == 0 {
		exceptions.Panicf("tensor %q: Release without Retain", t.name)
	}
	t.numViews--
}

// Resize changes the dimensions of an owned tensor, keeping its dtype.
//
// The memory is reallocated (contents are not preserved) only if the new size exceeds the capacity.
// It returns an InvalidArgument error for borrowed tensors, for invalid dimensions, and for shrinking
// or reallocating while views are retained.
func (t *Tensor) Resize(dimensions ...int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	if !t.owned {
		return status.Errorf(status.InvalidArgument, "tensor %q doesn't own its memory and can't be resized", t.name)
	}
	newShape := shapes.Shape{DType: t.shape.DType, Dimensions: dimensions}.Clone()
	if err := checkShapeAndLayout(t.name, newShape, t.layout); err != nil {
		return err
	}
	if newShape.Equal(t.shape) {
		return nil
	}
	if t.numMaps > 0 {
		return status.Errorf(status.InvalidArgument, "tensor %q can't be resized while mapped", t.name)
	}
	if t.image != nil {
		if t.numViews > 0 {
			return status.Errorf(status.InvalidArgument, "tensor %q: can't resize image with %d views retained", t.name, t.numViews)
		}
		width, height, err := layouts.ImageShapeFor(ImageKindFor(newShape.Dimensions), newShape.Dimensions)
		if err != nil {
			return err
		}
		if width != t.image.Width() || height != t.image.Height() {
			img, err := allocateImage(t.name, newShape, t.allocator)
			if err != nil {
				return err
			}
			t.image.Free()
			t.image = img
		}
		t.shape = newShape
		return nil
	}
	newBytes := newShape.Memory()
	if t.numViews > 0 && (newBytes < t.shape.Memory() || newBytes > t.buffer.Size()) {
		return status.Errorf(status.InvalidArgument, "tensor %q: can't resize %s to %v with %d views retained",
			t.name, t.shape, dimensions, t.numViews)
	}
	if newBytes > t.buffer.Size() {
		buf, err := t.allocator.NewBuffer(newBytes)
		if err != nil {
			return status.Wrapf(err, status.CodeOf(err), "resizing tensor %q to %v", t.name, dimensions)
		}
		t.buffer.Free()
		t.buffer = buf
	}
	t.shape = newShape
	return nil
}

// Capacity returns the bytes available in the tensor buffer, 0 for images.
func (t *Tensor) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		return 0
	}
	return t.buffer.Size()
}

// IsFinalized returns whether Finalize was called.
func (t *Tensor) IsFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

func (t *Tensor) lockedCheckValid() error {
	if t == nil {
		return status.Errorf(status.InvalidArgument, "tensor is nil")
	}
	if t.finalized {
		return status.Errorf(status.InvalidArgument, "tensor %q has been finalized", t.name)
	}
	return nil
}

// Finalize releases the memory of owned tensors. Borrowed memory is left untouched.
// The tensor is invalid afterward. It is idempotent.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	if t.owned {
		if t.buffer != nil {
			t.buffer.Free()
		}
		if t.image != nil {
			t.image.Free()
		}
	}
	t.buffer = nil
	t.image = nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ownership string
	if !t.owned {
		ownership = ", borrowed"
	}
	if t.finalized {
		ownership += ", finalized"
	}
	return fmt.Sprintf("%q %s %s@%s%s", t.name, t.shape, t.layout, t.device, ownership)
}
