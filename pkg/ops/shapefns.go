// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"
	"sync"

	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/graph"
)

// ShapeFn returns the output shapes of an operator given its input shapes.
// Rank-4 shapes are in NHWC order.
type ShapeFn func(def *graph.OpDef, inputs []shapes.Shape) ([]shapes.Shape, error)

var (
	muShapeFns sync.Mutex
	shapeFns   = map[string]ShapeFn{
		OpDepthToSpace: depthToSpaceShape,
		OpSpaceToDepth: spaceToDepthShape,
		OpBiasAdd:      biasAddShape,
	}
)

// RegisterShapeFn sets the shape function of opType, replacing any previous one.
func RegisterShapeFn(opType string, fn ShapeFn) {
	muShapeFns.Lock()
	defer muShapeFns.Unlock()
	shapeFns[opType] = fn
}

// InferShapes returns the NHWC output shapes of def for the given NHWC input shapes.
// It returns Unsupported for op types without a shape function.
func InferShapes(def *graph.OpDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	muShapeFns.Lock()
	fn, found := shapeFns[def.Type]
	muShapeFns.Unlock()
	if !found {
		return nil, status.Errorf(status.Unsupported, "no shape function for op type %q", def.Type)
	}
	if len(inputs) < len(def.Inputs) {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: %d inputs given, %d declared", def.Type, def.Name, len(inputs), len(def.Inputs))
	}
	return fn(def, inputs)
}

// InferShapesIn is InferShapes with rank-4 shapes in the given dense layout.
func InferShapesIn(def *graph.OpDef, layout layouts.Layout, inputs []shapes.Shape) ([]shapes.Shape, error) {
	toNHWC, fromNHWC, err := layoutPermutations(layout)
	if err != nil {
		return nil, err
	}
	nhwc := make([]shapes.Shape, len(inputs))
	for i, s := range inputs {
		nhwc[i] = s
		if s.Rank() == 4 && toNHWC != nil {
			nhwc[i] = s.Permute(toNHWC)
		}
	}
	outputs, err := InferShapes(def, nhwc)
	if err != nil {
		return nil, err
	}
	for i, s := range outputs {
		if s.Rank() == 4 && fromNHWC != nil {
			outputs[i] = s.Permute(fromNHWC)
		}
	}
	return outputs, nil
}

// layoutPermutations returns the permutations to/from NHWC, nil for layouts already in NHWC order.
func layoutPermutations(layout layouts.Layout) (toNHWC, fromNHWC []int, err error) {
	if layout == layouts.NHWC || layout == layouts.Image || layout == layouts.None {
		return nil, nil, nil
	}
	if toNHWC, err = layouts.Permutation(layout, layouts.NHWC); err != nil {
		return nil, nil, err
	}
	if fromNHWC, err = layouts.Permutation(layouts.NHWC, layout); err != nil {
		return nil, nil, err
	}
	return toNHWC, fromNHWC, nil
}

// MaxBlockSize is the largest block_size accepted by DepthToSpace and SpaceToDepth.
const MaxBlockSize = 1 << 12

// BlockSize returns the validated block_size attribute of def.
func BlockSize(def *graph.OpDef) (int, error) {
	b, err := def.IntArg(ArgBlockSize, 0)
	if err != nil {
		return 0, err
	}
	if b < 1 || b > MaxBlockSize {
		return 0, status.Errorf(status.InvalidArgument, "%s %q: %s must be in [1, %d], got %d",
			def.Type, def.Name, ArgBlockSize, MaxBlockSize, b)
	}
	return int(b), nil
}

func checkRank4(def *graph.OpDef, s shapes.Shape) error {
	if s.Rank() != 4 {
		return status.Errorf(status.InvalidArgument, "%s %q: input must have rank 4, got %s", def.Type, def.Name, s)
	}
	return nil
}

// depthToSpaceShape: [N, H, W, C*b*b] -> [N, H*b, W*b, C].
func depthToSpaceShape(def *graph.OpDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	b, err := BlockSize(def)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	if err := checkRank4(def, in); err != nil {
		return nil, err
	}
	n, h, w, c := in.Dimensions[0], in.Dimensions[1], in.Dimensions[2], in.Dimensions[3]
	if c%(b*b) != 0 {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: channels %d not divisible by %s^2=%d",
			def.Type, def.Name, c, ArgBlockSize, b*b)
	}
	return []shapes.Shape{shapes.Make(in.DType, n, h*b, w*b, c/(b*b))}, nil
}

// spaceToDepthShape: [N, H*b, W*b, C] -> [N, H, W, C*b*b].
func spaceToDepthShape(def *graph.OpDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	b, err := BlockSize(def)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	if err := checkRank4(def, in); err != nil {
		return nil, err
	}
	n, h, w, c := in.Dimensions[0], in.Dimensions[1], in.Dimensions[2], in.Dimensions[3]
	if h%b != 0 || w%b != 0 {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: spatial dimensions %dx%d not divisible by %s=%d",
			def.Type, def.Name, h, w, ArgBlockSize, b)
	}
	return []shapes.Shape{shapes.Make(in.DType, n, h/b, w/b, c*b*b)}, nil
}

// biasAddShape: [..., C] + [C] -> [..., C].
func biasAddShape(def *graph.OpDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: expected 2 inputs, got %d", def.Type, def.Name, len(inputs))
	}
	in, bias := inputs[0], inputs[1]
	if in.Rank() == 0 || bias.Rank() != 1 || bias.Dimensions[0] != in.Dimensions[in.Rank()-1] {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: bias %s doesn't match the channels of %s", def.Type, def.Name, bias, in)
	}
	if in.DType != bias.DType {
		return nil, status.Errorf(status.InvalidArgument, "%s %q: bias dtype %s differs from input %s", def.Type, def.Name, bias.DType, in.DType)
	}
	return []shapes.Shape{shapes.Make(in.DType, slices.Clone(in.Dimensions)...)}, nil
}
