// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/backends/gpu"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// imageConversion implements BufferToImage (NHWC or vector buffer -> image) and
// ImageToBuffer (image -> NHWC or vector buffer). The dtype is kept: Float32 or Float16.
type imageConversion struct {
	toImage bool
	dtype   dtypes.DType
	dims    []int
	img     imageLayout
}

func newBufferToImage() ops.Operator { return &imageConversion{toImage: true} }

func newImageToBuffer() ops.Operator { return &imageConversion{} }

// Init implements ops.Operator.
func (op *imageConversion) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	shape := in.Shape()
	op.dtype, op.dims = shape.DType, shape.Dimensions
	if op.dtype != dtypes.Float32 && op.dtype != dtypes.Float16 {
		return ctx.Errorf(status.Unsupported, "images hold Float32 or Float16, got %s", op.dtype)
	}
	if shape.Rank() != 4 && shape.Rank() != 1 {
		return ctx.Errorf(status.InvalidArgument, "only rank 4 (NHWC) or rank 1 tensors convert to images, got %s", shape)
	}
	op.img = newImageLayout(shape.Dimensions)
	if op.toImage {
		if in.IsImage() || (shape.Rank() == 4 && in.Layout() != layouts.NHWC) {
			return ctx.Errorf(status.InvalidArgument, "input must be an NHWC or vector buffer, got %s", in.Layout())
		}
		_, err = ctx.NewOutput(0, shape, layouts.Image)
		return err
	}
	if !in.IsImage() {
		return ctx.Errorf(status.InvalidArgument, "input must be an image, got %s", in.Layout())
	}
	layout := layouts.NHWC
	if shape.Rank() == 1 {
		layout = layouts.None
	}
	_, err = ctx.NewOutput(0, shape, layout)
	return err
}

// Run implements ops.Operator.
func (op *imageConversion) Run(ctx *ops.Context) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	global := [3]int{op.img.w, op.img.n * op.img.h, layouts.ChannelBlocks(op.img.c)}
	elemSize := op.dtype.Size()
	return ctx.Backend.Launch(launchSpec(ctx, op.dtype, global, op.dims), func(r backends.WorkRange) error {
		var texelData, bufferData []byte
		var err error
		if op.toImage {
			if bufferData, err = gpu.DeviceBytes(in.Buffer()); err == nil {
				texelData, err = imageData(out.Image())
			}
		} else {
			if texelData, err = imageData(in.Image()); err == nil {
				bufferData, err = gpu.DeviceBytes(out.Buffer())
			}
		}
		if err != nil {
			return err
		}
		for x := r.Offset[0]; x < r.Offset[0]+r.Size[0]; x++ {
			for row := r.Offset[1]; row < r.Offset[1]+r.Size[1]; row++ {
				n, y := row/op.img.h, row%op.img.h
				for cb := r.Offset[2]; cb < r.Offset[2]+r.Size[2]; cb++ {
					for c := cb * layouts.TexelChannels; c < min((cb+1)*layouts.TexelChannels, op.img.c); c++ {
						texelIdx, denseIdx := op.img.index(n, y, x, c), op.img.denseIndex(n, y, x, c)
						if op.toImage {
							copyElem(texelData, texelIdx, bufferData, denseIdx, elemSize)
						} else {
							copyElem(bufferData, denseIdx, texelData, texelIdx, elemSize)
						}
					}
				}
			}
		}
		return nil
	})
}

var _ ops.Operator = (*imageConversion)(nil)
