// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpuops registers the kernels of the GPU backend. They work on IMAGE tensors, with
// Float32 or Float16 texels, and are enqueued on the GPU command queue: device memory is only
// accessed from inside the kernels, through gpu.DeviceBytes and gpu.ImageTexels.
//
// Each kernel is launched with a tuning key made of the op type, the texel dtype and the input
// dimensions, so its work-group size is auto-tuned on first use.
package gpuops

import (
	"fmt"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/backends/gpu"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/ops"
	"github.com/gomlx/edgeinfer/pkg/tuning"
	"github.com/x448/float16"
)

// ImageDTypes are the texel precisions of GPU images.
var ImageDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float16}

func init() {
	for _, dtype := range ImageDTypes {
		ops.Register(ops.KernelSpec{OpType: ops.OpDepthToSpace, Device: backends.GPU, DType: dtype, Layout: layouts.Image,
			Priority: ops.PriorityTyped, Factory: newDepthToSpace})
		ops.Register(ops.KernelSpec{OpType: ops.OpSpaceToDepth, Device: backends.GPU, DType: dtype, Layout: layouts.Image,
			Priority: ops.PriorityTyped, Factory: newSpaceToDepth})
		ops.Register(ops.KernelSpec{OpType: ops.OpBiasAdd, Device: backends.GPU, DType: dtype, Layout: layouts.Image,
			Priority: ops.PriorityTyped, Factory: newBiasAdd})
		ops.Register(ops.KernelSpec{OpType: ops.OpBufferToImage, Device: backends.GPU, DType: dtype, Layout: layouts.Image,
			Priority: ops.PriorityTyped, Factory: newBufferToImage})
		ops.Register(ops.KernelSpec{OpType: ops.OpImageToBuffer, Device: backends.GPU, DType: dtype, Layout: layouts.NHWC,
			Priority: ops.PriorityTyped, Factory: newImageToBuffer})
	}
}

// launchSpec returns the launch of a kernel over global, keyed for tuning by the op type, the
// texel dtype and the input dimensions.
func launchSpec(ctx *ops.Context, dtype dtypes.DType, global [3]int, inDims []int) backends.LaunchSpec {
	name := fmt.Sprintf("%s_%s", ctx.Def.Type, dtype)
	return backends.LaunchSpec{
		Name:      name,
		Global:    global,
		TuningKey: tuning.Key(name, inDims),
	}
}

// imageLayout describes how an NHWC tensor (or a vector) is packed in an image.
type imageLayout struct {
	n, h, w, c int
	width      int
}

func newImageLayout(dims []int) imageLayout {
	if len(dims) == 1 {
		return imageLayout{n: 1, h: 1, w: 1, c: dims[0], width: layouts.ChannelBlocks(dims[0])}
	}
	return imageLayout{n: dims[0], h: dims[1], w: dims[2], c: dims[3], width: dims[2] * layouts.ChannelBlocks(dims[3])}
}

// index returns the element index in the texel data of channel c of pixel (n, y, x):
// texel (c/4 * W + x, n*H + y), lane c%4.
func (l imageLayout) index(n, y, x, c int) int {
	texel := (n*l.h+y)*l.width + (c/layouts.TexelChannels)*l.w + x
	return texel*layouts.TexelChannels + c%layouts.TexelChannels
}

// denseIndex returns the element index of (n, y, x, c) in NHWC order.
func (l imageLayout) denseIndex(n, y, x, c int) int {
	return ((n*l.h+y)*l.w+x)*l.c + c
}

// texels gives float32 access to image or buffer data of either image dtype.
type texels struct {
	f32 []float32
	f16 []float16.Float16
}

func asTexels(data []byte, dtype dtypes.DType) texels {
	if dtype == dtypes.Float16 {
		return texels{f16: memory.AsSlice[float16.Float16](data)}
	}
	return texels{f32: memory.AsSlice[float32](data)}
}

func (t texels) get(i int) float32 {
	if t.f16 != nil {
		return t.f16[i].Float32()
	}
	return t.f32[i]
}

func (t texels) set(i int, v float32) {
	if t.f16 != nil {
		t.f16[i] = float16.Fromfloat32(v)
		return
	}
	t.f32[i] = v
}

// copyElem copies element srcIdx of src into element dstIdx of dst.
func copyElem(dst []byte, dstIdx int, src []byte, srcIdx int, elemSize int) {
	copy(dst[dstIdx*elemSize:(dstIdx+1)*elemSize], src[srcIdx*elemSize:(srcIdx+1)*elemSize])
}

// imageData returns the texels of the image of a tensor, for use inside kernels.
func imageData(img memory.Image) ([]byte, error) {
	return gpu.ImageTexels(img)
}
