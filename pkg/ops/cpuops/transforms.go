// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/convert"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// castChunk is the number of elements converted by each launch item of Cast.
const castChunk = 1 << 14

func newTransformFactory(opType string) ops.Factory {
	switch opType {
	case ops.OpTranspose:
		return func() ops.Operator { return &transpose{} }
	case ops.OpCast:
		return func() ops.Operator { return &cast{} }
	case ops.OpTransfer:
		return func() ops.Operator { return &transfer{} }
	}
	panic("cpuops: no transform " + opType)
}

// transpose permutes the axes of a dense tensor, attribute "dims", and relabels it with the
// attribute "layout".
type transpose struct {
	perm   []int
	inDims []int
}

// Init implements ops.Operator.
func (op *transpose) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.Layout().IsDense() {
		return ctx.Errorf(status.InvalidArgument, "input layout %s is not dense", in.Layout())
	}
	dims, err := ctx.Def.IntsArg(ops.ArgDims)
	if err != nil {
		return err
	}
	inShape := in.Shape()
	if len(dims) != inShape.Rank() {
		return ctx.Errorf(status.InvalidArgument, "%s=%v doesn't match the rank of %s", ops.ArgDims, dims, inShape)
	}
	op.perm = make([]int, len(dims))
	seen := make([]bool, len(dims))
	for i, axis := range dims {
		if axis < 0 || int(axis) >= len(dims) || seen[axis] {
			return ctx.Errorf(status.InvalidArgument, "%s=%v is not a permutation", ops.ArgDims, dims)
		}
		seen[axis] = true
		op.perm[i] = int(axis)
	}
	layoutName, err := ctx.Def.StringArg(ops.ArgLayout, in.Layout().String())
	if err != nil {
		return err
	}
	layout, err := layouts.Parse(layoutName)
	if err != nil {
		return err
	}
	op.inDims = inShape.Dimensions
	out, err := ctx.NewOutput(0, inShape.Permute(op.perm), layout)
	if err != nil {
		return err
	}
	return copyQuantization(out, in)
}

// Run implements ops.Operator.
func (op *transpose) Run(ctx *ops.Context) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	elemSize := in.DType().Size()
	return mapInOut(in, out, func(src, dst []byte) error {
		return ctx.Backend.Launch(backends.LaunchSpec{Name: "Transpose", Global: [3]int{1, 1, 1}}, func(backends.WorkRange) error {
			return convert.Transpose(dst, src, elemSize, op.inDims, op.perm)
		})
	})
}

// cast converts the elements to the dtype in attribute "T". Uint8 outputs are quantized with the
// attributes "scale" (default 1) and "zero_point" (default 0).
type cast struct {
	size               int
	srcDType, dstDType dtypes.DType
}

// Init implements ops.Operator.
func (op *cast) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	inShape := in.Shape()
	op.srcDType = inShape.DType
	if op.dstDType, err = ctx.Def.DType(op.srcDType); err != nil {
		return err
	}
	if !convert.Supported(op.srcDType, op.dstDType) {
		return ctx.Errorf(status.Unsupported, "no conversion from %s to %s", op.srcDType, op.dstDType)
	}
	op.size = inShape.Size()
	out, err := ctx.NewOutput(0, inShape.WithDType(op.dstDType), in.Layout())
	if err != nil {
		return err
	}
	if op.dstDType.IsQuantized() {
		scale, err := ctx.Def.FloatArg("scale", 1)
		if err != nil {
			return err
		}
		zeroPoint, err := ctx.Def.IntArg("zero_point", 0)
		if err != nil {
			return err
		}
		return out.SetQuantization(dtypes.QuantParams{Scale: scale, ZeroPoint: int32(zeroPoint)})
	}
	return nil
}

// Run implements ops.Operator.
func (op *cast) Run(ctx *ops.Context) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	srcQuant, dstQuant := in.Quantization(), out.Quantization()
	srcSize, dstSize := op.srcDType.Size(), op.dstDType.Size()
	numChunks := (op.size + castChunk - 1) / castChunk
	spec := backends.LaunchSpec{Name: "Cast_" + op.srcDType.String() + "_" + op.dstDType.String(), Global: [3]int{numChunks, 1, 1}}
	return mapInOut(in, out, func(src, dst []byte) error {
		return ctx.Backend.Launch(spec, func(r backends.WorkRange) error {
			start := r.Offset[0] * castChunk
			end := min((r.Offset[0]+r.Size[0])*castChunk, op.size)
			return convert.Elements(dst[start*dstSize:], op.dstDType, dstQuant, src[start*srcSize:], op.srcDType, srcQuant, end-start)
		})
	})
}

// transfer copies a dense tensor to the device in attribute "device".
type transfer struct{}

// Init implements ops.Operator.
func (op *transfer) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.Layout().IsDense() {
		return ctx.Errorf(status.InvalidArgument, "can't transfer tensors in layout %s", in.Layout())
	}
	deviceName, err := ctx.Def.StringArg(ops.ArgDevice, "")
	if err != nil {
		return err
	}
	device, err := backends.ParseDeviceType(deviceName)
	if err != nil {
		return err
	}
	out, err := ctx.NewOutputOn(0, device, in.Shape(), in.Layout())
	if err != nil {
		return err
	}
	return copyQuantization(out, in)
}

// Run implements ops.Operator. The copy goes through host mappings of both tensors.
func (op *transfer) Run(ctx *ops.Context) error {
	return mapInOut(ctx.Inputs[0], ctx.Outputs[0], func(src, dst []byte) error {
		copy(dst, src)
		return nil
	})
}

var (
	_ ops.Operator = (*transpose)(nil)
	_ ops.Operator = (*cast)(nil)
	_ ops.Operator = (*transfer)(nil)
)
