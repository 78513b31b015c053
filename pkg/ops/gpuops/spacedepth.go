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

// spaceDepth implements DepthToSpace and SpaceToDepth on images: one work item per output texel.
type spaceDepth struct {
	toSpace   bool
	blockSize int
	dtype     dtypes.DType
	inDims    []int
	in, out   imageLayout
}

func newDepthToSpace() ops.Operator { return &spaceDepth{toSpace: true} }

func newSpaceToDepth() ops.Operator { return &spaceDepth{} }

// Init implements ops.Operator.
func (op *spaceDepth) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.IsImage() {
		return ctx.Errorf(status.InvalidArgument, "input must be an image, got %s", in.Layout())
	}
	if op.blockSize, err = ops.BlockSize(ctx.Def); err != nil {
		return err
	}
	inShape := in.Shape()
	outShapes, err := ops.InferShapes(ctx.Def, []shapes.Shape{inShape})
	if err != nil {
		return err
	}
	if _, err = ctx.NewOutput(0, outShapes[0], layouts.Image); err != nil {
		return err
	}
	op.dtype = inShape.DType
	op.inDims = inShape.Dimensions
	op.in, op.out = newImageLayout(inShape.Dimensions), newImageLayout(outShapes[0].Dimensions)
	return nil
}

// Run implements ops.Operator.
func (op *spaceDepth) Run(ctx *ops.Context) error {
	inImg, outImg := ctx.Inputs[0].Image(), ctx.Outputs[0].Image()
	if inImg == nil || outImg == nil {
		return ctx.Errorf(status.InvalidArgument, "finalized tensors")
	}
	global := [3]int{op.out.w, op.out.n * op.out.h, layouts.ChannelBlocks(op.out.c)}
	elemSize := op.dtype.Size()
	b := op.blockSize
	return ctx.Backend.Launch(launchSpec(ctx, op.dtype, global, op.inDims), func(r backends.WorkRange) error {
		src, err := imageData(inImg)
		if err != nil {
			return err
		}
		dst, err := imageData(outImg)
		if err != nil {
			return err
		}
		for x := r.Offset[0]; x < r.Offset[0]+r.Size[0]; x++ {
			for row := r.Offset[1]; row < r.Offset[1]+r.Size[1]; row++ {
				n, y := row/op.out.h, row%op.out.h
				for cb := r.Offset[2]; cb < r.Offset[2]+r.Size[2]; cb++ {
					for c := cb * layouts.TexelChannels; c < min((cb+1)*layouts.TexelChannels, op.out.c); c++ {
						var srcIdx int
						if op.toSpace {
							// out[n, y, x, c] = in[n, y/b, x/b, c + (b*(y%b) + x%b)*C]
							srcIdx = op.in.index(n, y/b, x/b, c+(b*(y%b)+x%b)*op.out.c)
						} else {
							// out[n, y, x, c + (b*dy + dx)*C] = in[n, y*b+dy, x*b+dx, c]
							k, inC := c/op.in.c, c%op.in.c
							srcIdx = op.in.index(n, y*b+k/b, x*b+k%b, inC)
						}
						copyElem(dst, op.out.index(n, y, x, c), src, srcIdx, elemSize)
					}
				}
			}
		}
		return nil
	})
}

var _ ops.Operator = (*spaceDepth)(nil)
