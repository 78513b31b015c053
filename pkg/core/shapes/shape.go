// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type and dimensions of a tensor.
//
// Dimensions are logical: their meaning (e.g. batch, height, width, channels) is given by the
// tensor layout, see package layouts. Zero-sized axes are allowed (empty tensors), negative
// dimensions are not.
//
// Example: a batch of 2 images of 4x4 pixels with 8 channels, stored as NHWC, has shape
// `(Float32)[2 4 4 8]`, created with `shapes.Make(dtypes.Float32, 2, 4, 4, 8)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/exceptions"
)

// MaxRank is the largest rank supported by the kernels.
const MaxRank = 6

// Shape represents the shape of a tensor: its DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics for negative dimensions or ranks above MaxRank, use Validate on untrusted input.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if err := s.Validate(); err != nil {
		exceptions.Panicf("shapes.Make(%s): %v", s, err)
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Validate returns an InvalidArgument error if the shape has an unsupported dtype,
// negative dimensions or a rank above MaxRank.
func (s Shape) Validate() error {
	if !s.DType.IsSupported() {
		return status.Errorf(status.InvalidArgument, "shape %s has unsupported dtype", s)
	}
	if s.Rank() > MaxRank {
		return status.Errorf(status.InvalidArgument, "shape %s has rank %d, max supported is %d", s, s.Rank(), MaxRank)
	}
	for axis, dim := range s.Dimensions {
		if dim < 0 {
			return status.Errorf(status.InvalidArgument, "shape %s has negative dimension %d for axis %d", s, dim, axis)
		}
	}
	return nil
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsZeroSize returns whether any of the axes has dimension 0.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Permute returns the shape with the axes permuted: output axis i takes the dimension of input axis perm[i].
// It panics if perm is not a permutation of the axes.
func (s Shape) Permute(perm []int) Shape {
	if len(perm) != s.Rank() {
		exceptions.Panicf("Shape.Permute(%v): permutation length doesn't match rank of %s", perm, s)
	}
	seen := make([]bool, len(perm))
	s2 := Shape{DType: s.DType, Dimensions: make([]int, len(perm))}
	for i, axis := range perm {
		if axis < 0 || axis >= len(perm) || seen[axis] {
			exceptions.Panicf("Shape.Permute(%v): invalid permutation for %s", perm, s)
		}
		seen[axis] = true
		s2.Dimensions[i] = s.Dimensions[axis]
	}
	return s2
}
