// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// biasAdd adds a bias image (ARGUMENT packing) to an activation image, accumulating in float32.
type biasAdd struct {
	dtype  dtypes.DType
	inDims []int
	img    imageLayout
}

func newBiasAdd() ops.Operator { return &biasAdd{} }

// Init implements ops.Operator.
func (op *biasAdd) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	bias, err := ctx.Input(1)
	if err != nil {
		return err
	}
	if !in.IsImage() || !bias.IsImage() {
		return ctx.Errorf(status.InvalidArgument, "inputs must be images, got %s and %s", in.Layout(), bias.Layout())
	}
	inShape := in.Shape()
	if inShape.Rank() != 4 {
		return ctx.Errorf(status.InvalidArgument, "input must have rank 4, got %s", inShape)
	}
	outShapes, err := ops.InferShapes(ctx.Def, []shapes.Shape{inShape, bias.Shape()})
	if err != nil {
		return err
	}
	if _, err = ctx.NewOutput(0, outShapes[0], layouts.Image); err != nil {
		return err
	}
	op.dtype = inShape.DType
	op.inDims = inShape.Dimensions
	op.img = newImageLayout(inShape.Dimensions)
	return nil
}

// Run implements ops.Operator.
func (op *biasAdd) Run(ctx *ops.Context) error {
	inImg, biasImg, outImg := ctx.Inputs[0].Image(), ctx.Inputs[1].Image(), ctx.Outputs[0].Image()
	if inImg == nil || biasImg == nil || outImg == nil {
		return ctx.Errorf(status.InvalidArgument, "finalized tensors")
	}
	global := [3]int{op.img.w, op.img.n * op.img.h, layouts.ChannelBlocks(op.img.c)}
	return ctx.Backend.Launch(launchSpec(ctx, op.dtype, global, op.inDims), func(r backends.WorkRange) error {
		srcData, err := imageData(inImg)
		if err != nil {
			return err
		}
		biasData, err := imageData(biasImg)
		if err != nil {
			return err
		}
		dstData, err := imageData(outImg)
		if err != nil {
			return err
		}
		src, bias, dst := asTexels(srcData, op.dtype), asTexels(biasData, op.dtype), asTexels(dstData, op.dtype)
		for x := r.Offset[0]; x < r.Offset[0]+r.Size[0]; x++ {
			for row := r.Offset[1]; row < r.Offset[1]+r.Size[1]; row++ {
				n, y := row/op.img.h, row%op.img.h
				for cb := r.Offset[2]; cb < r.Offset[2]+r.Size[2]; cb++ {
					for c := cb * layouts.TexelChannels; c < min((cb+1)*layouts.TexelChannels, op.img.c); c++ {
						idx := op.img.index(n, y, x, c)
						dst.set(idx, src.get(idx)+bias.get(c))
					}
				}
			}
		}
		return nil
	})
}

var _ ops.Operator = (*biasAdd)(nil)
