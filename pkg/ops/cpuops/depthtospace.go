// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// spaceDepth implements DepthToSpace and SpaceToDepth, in NHWC or NCHW.
//
// Both only move elements, so they work on any dtype by copying elements as bytes.
type spaceDepth struct {
	toSpace   bool
	blockSize int

	// inDims and outDims are in the kernel layout.
	inDims, outDims []int
	elemSize        int
}

func newDepthToSpace() ops.Operator { return &spaceDepth{toSpace: true} }

func newSpaceToDepth() ops.Operator { return &spaceDepth{} }

// Init implements ops.Operator.
func (op *spaceDepth) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if ctx.Layout != layouts.NHWC && ctx.Layout != layouts.NCHW {
		return ctx.Errorf(status.Unsupported, "layout %s not supported", ctx.Layout)
	}
	if op.blockSize, err = ops.BlockSize(ctx.Def); err != nil {
		return err
	}
	inShape := in.Shape()
	outShapes, err := ops.InferShapesIn(ctx.Def, ctx.Layout, []shapes.Shape{inShape})
	if err != nil {
		return err
	}
	out, err := ctx.NewOutput(0, outShapes[0], ctx.Layout)
	if err != nil {
		return err
	}
	op.inDims, op.outDims = inShape.Dimensions, outShapes[0].Dimensions
	op.elemSize = inShape.DType.Size()
	return copyQuantization(out, in)
}

// Run implements ops.Operator.
func (op *spaceDepth) Run(ctx *ops.Context) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	if op.blockSize == 1 {
		return mapInOut(in, out, func(src, dst []byte) error {
			copy(dst, src)
			return nil
		})
	}
	nchw := ctx.Layout == layouts.NCHW
	var rows int
	if nchw {
		rows = op.outDims[0] * op.outDims[1] * op.outDims[2] // N * C * H
	} else {
		rows = op.outDims[0] * op.outDims[1] // N * H
	}
	spec := backends.LaunchSpec{Name: ctx.Def.Type + "_" + ctx.Layout.String(), Global: [3]int{rows, 1, 1}}
	return mapInOut(in, out, func(src, dst []byte) error {
		return ctx.Backend.Launch(spec, func(r backends.WorkRange) error {
			for row := r.Offset[0]; row < r.Offset[0]+r.Size[0]; row++ {
				switch {
				case op.toSpace && nchw:
					op.depthToSpaceNCHW(dst, src, row)
				case op.toSpace:
					op.depthToSpaceNHWC(dst, src, row)
				case nchw:
					op.spaceToDepthNCHW(dst, src, row)
				default:
					op.spaceToDepthNHWC(dst, src, row)
				}
			}
			return nil
		})
	})
}

// depthToSpaceNHWC fills output row (n, y): out[n, y, x, c] = in[n, y/b, x/b, c + (b*(y%b) + x%b)*C].
// The C channels of each output pixel are contiguous in the input.
func (op *spaceDepth) depthToSpaceNHWC(dst, src []byte, row int) {
	b, es := op.blockSize, op.elemSize
	inH, inW, inC := op.inDims[1], op.inDims[2], op.inDims[3]
	outH, outW, outC := op.outDims[1], op.outDims[2], op.outDims[3]
	n, y := row/outH, row%outH
	chunk := outC * es
	for x := range outW {
		srcOff := (((n*inH+y/b)*inW+x/b)*inC + (b*(y%b)+x%b)*outC) * es
		dstOff := ((n*outH+y)*outW + x) * chunk
		copy(dst[dstOff:dstOff+chunk], src[srcOff:srcOff+chunk])
	}
}

// depthToSpaceNCHW fills output row (n, c, y).
func (op *spaceDepth) depthToSpaceNCHW(dst, src []byte, row int) {
	b, es := op.blockSize, op.elemSize
	inC, inH, inW := op.inDims[1], op.inDims[2], op.inDims[3]
	outC, outH, outW := op.outDims[1], op.outDims[2], op.outDims[3]
	y := row % outH
	c := (row / outH) % outC
	n := row / (outH * outC)
	dstOff := row * outW * es
	for x := range outW {
		srcC := c + (b*(y%b)+x%b)*outC
		srcOff := (((n*inC+srcC)*inH+y/b)*inW + x/b) * es
		copy(dst[dstOff+x*es:dstOff+(x+1)*es], src[srcOff:srcOff+es])
	}
}

// spaceToDepthNHWC fills output row (n, y): out[n, y, x, c + (b*dy + dx)*C] = in[n, y*b+dy, x*b+dx, c].
func (op *spaceDepth) spaceToDepthNHWC(dst, src []byte, row int) {
	b, es := op.blockSize, op.elemSize
	inH, inW, inC := op.inDims[1], op.inDims[2], op.inDims[3]
	outH, outW, outC := op.outDims[1], op.outDims[2], op.outDims[3]
	n, y := row/outH, row%outH
	chunk := inC * es
	for x := range outW {
		for dy := range b {
			for dx := range b {
				srcOff := ((n*inH+y*b+dy)*inW + x*b + dx) * chunk
				dstOff := (((n*outH+y)*outW+x)*outC + (b*dy+dx)*inC) * es
				copy(dst[dstOff:dstOff+chunk], src[srcOff:srcOff+chunk])
			}
		}
	}
}

// spaceToDepthNCHW fills output row (n, c', y), with c' = c + (b*dy + dx)*C.
func (op *spaceDepth) spaceToDepthNCHW(dst, src []byte, row int) {
	b, es := op.blockSize, op.elemSize
	inC, inH, inW := op.inDims[1], op.inDims[2], op.inDims[3]
	outC, outH, outW := op.outDims[1], op.outDims[2], op.outDims[3]
	y := row % outH
	outCh := (row / outH) % outC
	n := row / (outH * outC)
	c, k := outCh%inC, outCh/inC
	dy, dx := k/b, k%b
	dstOff := row * outW * es
	for x := range outW {
		srcOff := (((n*inC+c)*inH+y*b+dy)*inW + x*b + dx) * es
		copy(dst[dstOff+x*es:dstOff+(x+1)*es], src[srcOff:srcOff+es])
	}
}

var _ ops.Operator = (*spaceDepth)(nil)
