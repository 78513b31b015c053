// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/x448/float16"
)

// Transpose writes into dst the elements of src (with dimensions srcDims) with the axes permuted:
// output axis i is input axis perm[i]. elemSize is the size in bytes of each element (1, 2 or 4).
func Transpose(dst, src []byte, elemSize int, srcDims, perm []int) error {
	rank := len(srcDims)
	if len(perm) != rank {
		return status.Errorf(status.InvalidArgument, "transpose permutation %v doesn't match rank %d", perm, rank)
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return status.Errorf(status.InvalidArgument, "invalid transpose permutation %v", perm)
		}
		seen[axis] = true
	}
	size := 1
	for _, d := range srcDims {
		size *= d
	}
	if len(src) < size*elemSize || len(dst) < size*elemSize {
		return status.Errorf(status.InvalidArgument, "transpose of %v needs %d bytes, got src=%d, dst=%d",
			srcDims, size*elemSize, len(src), len(dst))
	}
	if size == 0 {
		return nil
	}
	switch elemSize {
	case 1:
		transposeTyped(dst[:size], src[:size], srcDims, perm)
	case 2:
		transposeTyped(memory.AsSlice[float16.Float16](dst), memory.AsSlice[float16.Float16](src), srcDims, perm)
	case 4:
		transposeTyped(memory.AsSlice[int32](dst), memory.AsSlice[int32](src), srcDims, perm)
	default:
		return status.Errorf(status.Unsupported, "transpose of elements of %d bytes", elemSize)
	}
	return nil
}

func transposeTyped[T any](dst, src []T, srcDims, perm []int) {
	rank := len(srcDims)
	srcStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		srcStrides[axis] = stride
		stride *= srcDims[axis]
	}
	// Iterate over the output in order, tracking the source offset.
	dstDims := make([]int, rank)
	dstStridesInSrc := make([]int, rank)
	for i, axis := range perm {
		dstDims[i] = srcDims[axis]
		dstStridesInSrc[i] = srcStrides[axis]
	}
	indices := make([]int, rank)
	srcIdx := 0
	for dstIdx := range dst[:stride] {
		dst[dstIdx] = src[srcIdx]
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			srcIdx += dstStridesInSrc[axis]
			if indices[axis] < dstDims[axis] {
				break
			}
			srcIdx -= dstStridesInSrc[axis] * dstDims[axis]
			indices[axis] = 0
		}
	}
}

// Layout converts a 4D tensor from one dense layout to another. dims are the dimensions in the
// from layout. It returns the dimensions in the to layout.
func Layout(dst, src []byte, elemSize int, dims []int, from, to layouts.Layout) ([]int, error) {
	perm, err := layouts.Permutation(from, to)
	if err != nil {
		return nil, err
	}
	if len(dims) != 4 {
		return nil, status.Errorf(status.InvalidArgument, "layout conversion %s->%s requires rank 4, got %v", from, to, dims)
	}
	if err := Transpose(dst, src, elemSize, dims, perm); err != nil {
		return nil, err
	}
	outDims := make([]int, 4)
	for i, axis := range perm {
		outDims[i] = dims[axis]
	}
	return outDims, nil
}
