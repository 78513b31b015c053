// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// addable are the element types BiasAdd is registered for.
type addable interface {
	float32 | int32
}

// biasAdd adds a per-channel bias: out[..., c] = in[..., c] + bias[c].
type biasAdd[T addable] struct {
	channels, rows int
}

func newBiasAdd[T addable]() ops.Operator { return &biasAdd[T]{} }

// Init implements ops.Operator.
func (op *biasAdd[T]) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	bias, err := ctx.Input(1)
	if err != nil {
		return err
	}
	inShape := in.Shape()
	outShapes, err := ops.InferShapes(ctx.Def, []shapes.Shape{inShape, bias.Shape()})
	if err != nil {
		return err
	}
	if _, err = ctx.NewOutput(0, outShapes[0], in.Layout()); err != nil {
		return err
	}
	op.channels = inShape.Dimensions[inShape.Rank()-1]
	if op.channels > 0 {
		op.rows = inShape.Size() / op.channels
	}
	return nil
}

// Run implements ops.Operator.
func (op *biasAdd[T]) Run(ctx *ops.Context) error {
	in, bias, out := ctx.Inputs[0], ctx.Inputs[1], ctx.Outputs[0]
	var innerErr error
	err := bias.MapForRead(func(biasData []byte) {
		biasFlat := memory.AsSlice[T](biasData)
		innerErr = mapInOut(in, out, func(src, dst []byte) error {
			srcFlat, dstFlat := memory.AsSlice[T](src), memory.AsSlice[T](dst)
			spec := backends.LaunchSpec{Name: "BiasAdd_" + dtypes.FromGenericsType[T]().String(), Global: [3]int{op.rows, 1, 1}}
			return ctx.Backend.Launch(spec, func(r backends.WorkRange) error {
				for row := r.Offset[0]; row < r.Offset[0]+r.Size[0]; row++ {
					base := row * op.channels
					for c, b := range biasFlat[:op.channels] {
						dstFlat[base+c] = srcFlat[base+c] + b
					}
				}
				return nil
			})
		})
	})
	if err != nil {
		return err
	}
	return innerErr
}
