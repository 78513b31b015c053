// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNew(t *testing.T) {
	alloc := memory.NewHostAllocator(64, 0)
	tensor, err := New("x", shapes.Make(dtypes.Float32, 1, 2, 2, 9), layouts.NHWC, backends.CPU, alloc)
	require.NoError(t, err)
	assert.True(t, tensor.IsOwned())
	assert.Equal(t, 144, tensor.Capacity())
	assert.Equal(t, `"x" (Float32)[1 2 2 9] NHWC@CPU`, tensor.String())
	assert.Equal(t, int64(144), alloc.Stats().LiveBytes)

	// Layout/rank mismatch.
	_, err = New("y", shapes.Make(dtypes.Float32, 2, 9), layouts.NHWC, backends.CPU, alloc)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	_, err = New("y", shapes.Make(dtypes.Float32, 1, 2, 2, 9), layouts.Image, backends.CPU, alloc)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// Images are not supported on host memory.
	_, err = NewImage("img", shapes.Make(dtypes.Float32, 1, 2, 2, 9), backends.CPU, alloc)
	assert.Equal(t, status.Unsupported, status.CodeOf(err))

	tensor.Finalize()
	tensor.Finalize()
	assert.True(t, tensor.IsFinalized())
	assert.Equal(t, int64(0), alloc.Stats().LiveBytes)
	assert.Error(t, tensor.MapForRead(func([]byte) {}))
}

func TestOutOfMemory(t *testing.T) {
	alloc := memory.NewHostAllocator(64, 100)
	_, err := New("big", shapes.Make(dtypes.Float32, 1, 4, 4, 4), layouts.NHWC, backends.CPU, alloc)
	require.Error(t, err)
	assert.Equal(t, status.OutOfMemory, status.CodeOf(err))
	assert.Contains(t, err.Error(), `"big"`)
}

func TestFlatData(t *testing.T) {
	flat := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromFlatData("in", flat, layouts.None, 2, 3)
	assert.False(t, tensor.IsOwned())
	require.NoError(t, MutableFlatData(tensor, func(data []float32) {
		data[0] = 10
	}))
	assert.Equal(t, float32(10), flat[0], "borrowed tensors write to the caller's slice")
	assert.Equal(t, []float32{10, 2, 3, 4, 5, 6}, MustCopyFlatData[float32](tensor))

	err := ConstFlatData(tensor, func([]int32) {})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Panics(t, func() { FromFlatData("bad", flat, layouts.None, 4) })

	// Finalizing a borrowed tensor leaves the memory alone.
	tensor.Finalize()
	assert.Equal(t, float32(10), flat[0])

	require.NoError(t, AssignFlatData(FromShape("z", shapes.Make(dtypes.Int32, 2), layouts.None), []int32{1, 2}))
	assert.Error(t, AssignFlatData(FromShape("z", shapes.Make(dtypes.Int32, 2), layouts.None), []int32{1}))
}

func TestScopedMapping(t *testing.T) {
	tensor := FromShape("m", shapes.Make(dtypes.Float32, 3), layouts.None)
	require.NoError(t, tensor.MapForRead(func(data []byte) {
		assert.Len(t, data, 12)
		assert.True(t, tensor.IsMapped())
	}))
	assert.False(t, tensor.IsMapped())

	// Mapping is released on panics.
	assert.Panics(t, func() {
		_ = tensor.MapForWrite(func([]byte) { panic("kernel bug") })
	})
	assert.False(t, tensor.IsMapped())
}

func TestResize(t *testing.T) {
	tensor := FromShape("r", shapes.Make(dtypes.Float32, 4, 4), layouts.None)
	require.NoError(t, tensor.Resize(2, 2))
	assert.Equal(t, []int{2, 2}, tensor.Shape().Dimensions)
	assert.Equal(t, 64, tensor.Capacity(), "shrinking keeps the buffer")
	require.NoError(t, tensor.Resize(4, 8))
	assert.Equal(t, 128, tensor.Capacity())

	tensor.Retain()
	err := tensor.Resize(1, 1)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	require.NoError(t, tensor.Resize(8, 4), "same size with views is fine")
	tensor.Release()
	require.NoError(t, tensor.Resize(1, 1))
	assert.Panics(t, tensor.Release)

	borrowed := FromFlatData("b", []float32{1}, layouts.None, 1)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(borrowed.Resize(2)))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(tensor.Resize(-1)))
}

func TestQuantization(t *testing.T) {
	f := FromShape("f", shapes.Make(dtypes.Float32, 2), layouts.None)
	assert.Error(t, f.SetQuantization(dtypes.QuantParams{Scale: 1}))
	u := FromShape("u", shapes.Make(dtypes.Uint8, 2), layouts.None)
	require.NoError(t, u.SetQuantization(dtypes.QuantParams{Scale: 0.5, ZeroPoint: 2}))
	q := u.Quantization()
	q.Scale = 3
	assert.Equal(t, float32(0.5), u.Quantization().Scale, "Quantization returns a copy")

	// Uint8 tensors always carry parameters, other dtypes never do.
	assert.Nil(t, f.Quantization())
	for _, u8 := range []*Tensor{
		FromShape("owned", shapes.Make(dtypes.Uint8, 2), layouts.None),
		FromFlatData("flat", []uint8{1, 2}, layouts.None, 2),
	} {
		require.NotNilf(t, u8.Quantization(), "tensor %q", u8.Name())
		assert.Equal(t, dtypes.DefaultQuantParams, *u8.Quantization())
	}
	borrowed, err := Borrow("borrowed", shapes.Make(dtypes.Uint8, 4), layouts.None, backends.CPU, memory.Wrap(make([]byte, 4)))
	require.NoError(t, err)
	require.NotNil(t, borrowed.Quantization())
	assert.Equal(t, dtypes.DefaultQuantParams, *borrowed.Quantization())
}

func TestCopyFrom(t *testing.T) {
	src := FromFlatData("src", []float32{0.5, -1.25, 3, 1024}, layouts.None, 4)
	half := FromShape("half", shapes.Make(dtypes.Float16, 4), layouts.None)
	require.NoError(t, half.CopyFrom(src))
	got := MustCopyFlatData[float16.Float16](half)
	for i, want := range []float32{0.5, -1.25, 3, 1024} {
		assert.Equal(t, want, got[i].Float32())
	}
	back := FromShape("back", shapes.Make(dtypes.Float32, 4), layouts.None)
	require.NoError(t, back.CopyFrom(half))
	assert.Equal(t, []float32{0.5, -1.25, 3, 1024}, MustCopyFlatData[float32](back))

	// Quantized copy.
	u8 := FromShape("u8", shapes.Make(dtypes.Uint8, 4), layouts.None)
	require.NoError(t, u8.SetQuantization(dtypes.QuantParams{Scale: 0.25, ZeroPoint: 8}))
	require.NoError(t, u8.CopyFrom(FromFlatData("r", []float32{0, 1, -2, 100}, layouts.None, 4)))
	assert.Equal(t, []uint8{8, 12, 0, 255}, MustCopyFlatData[uint8](u8))

	// Same-type u8 copies keep the destination parameters: raw when they match, requantized otherwise.
	u8b := FromShape("u8b", shapes.Make(dtypes.Uint8, 4), layouts.None)
	require.NoError(t, u8b.SetQuantization(dtypes.QuantParams{Scale: 0.25, ZeroPoint: 8}))
	require.NoError(t, u8b.CopyFrom(u8))
	assert.Equal(t, []uint8{8, 12, 0, 255}, MustCopyFlatData[uint8](u8b))
	identity := FromShape("identity", shapes.Make(dtypes.Uint8, 4), layouts.None)
	require.NoError(t, identity.CopyFrom(u8))
	assert.Equal(t, dtypes.DefaultQuantParams, *identity.Quantization())
	assert.Equal(t, []uint8{0, 1, 0, 62}, MustCopyFlatData[uint8](identity))

	wrongDims := FromShape("w", shapes.Make(dtypes.Float32, 5), layouts.None)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(wrongDims.CopyFrom(src)))
}

func TestConvertFrom(t *testing.T) {
	// NHWC [1, 1, 2, 3] -> NCHW [1, 3, 1, 2]
	nhwc := FromFlatData("nhwc", []float32{1, 2, 3, 4, 5, 6}, layouts.NHWC, 1, 1, 2, 3)
	nchw := FromShape("nchw", shapes.Make(dtypes.Float16, 1, 3, 1, 2), layouts.NCHW)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(nchw.CopyFrom(nhwc)))
	require.NoError(t, nchw.ConvertFrom(nhwc))

	back := FromShape("back", shapes.Make(dtypes.Float32, 1, 3, 1, 2), layouts.NCHW)
	require.NoError(t, back.CopyFrom(nchw))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, MustCopyFlatData[float32](back))

	roundTrip := FromShape("rt", shapes.Make(dtypes.Float32, 1, 1, 2, 3), layouts.NHWC)
	require.NoError(t, roundTrip.ConvertFrom(nchw))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, MustCopyFlatData[float32](roundTrip))

	wrong := FromShape("wrong", shapes.Make(dtypes.Float32, 1, 2, 1, 3), layouts.NCHW)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(wrong.ConvertFrom(nhwc)))
}
