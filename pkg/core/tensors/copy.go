// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/edgeinfer/pkg/core/convert"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// CopyFrom copies the contents of src into t, converting the element type if needed
// (Float32, Float16, BFloat16, Int32 and Uint8 through the quantization parameters of each tensor).
//
// Both tensors must have the same dimensions and layout. Image tensors can only be copied from
// images of the same dtype and extent: packing between buffers and images belongs to the backend.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t == src {
		return nil
	}
	srcShape, dstShape := src.Shape(), t.Shape()
	srcLayout, dstLayout := src.Layout(), t.Layout()
	if srcLayout != dstLayout {
		return status.Errorf(status.InvalidArgument, "CopyFrom(%q -> %q): layouts differ (%s vs %s), use ConvertFrom",
			src.name, t.name, srcLayout, dstLayout)
	}
	if !srcShape.EqualDimensions(dstShape) {
		return status.Errorf(status.InvalidArgument, "CopyFrom(%q -> %q): dimensions differ, %s vs %s",
			src.name, t.name, srcShape, dstShape)
	}
	if dstLayout == layouts.Image {
		return t.copyImageFrom(src)
	}
	// Uint8 to Uint8 copies requantize when the parameters differ: t keeps its own.
	srcQuant, dstQuant := src.Quantization(), t.Quantization()
	var convErr error
	err := src.MapForRead(func(srcData []byte) {
		convErr = t.MapForWrite(func(dstData []byte) {
			convErr = convert.Elements(dstData, dstShape.DType, dstQuant, srcData, srcShape.DType, srcQuant, srcShape.Size())
		})
	})
	if err != nil {
		return err
	}
	if convErr != nil {
		return status.Wrapf(convErr, status.CodeOf(convErr), "CopyFrom(%q -> %q)", src.name, t.name)
	}
	return nil
}

func (t *Tensor) copyImageFrom(src *Tensor) error {
	srcImg, dstImg := src.Image(), t.Image()
	if srcImg == nil || dstImg == nil {
		return status.Errorf(status.InvalidArgument, "CopyFrom(%q -> %q): finalized image", src.name, t.name)
	}
	if srcImg.DType() != dstImg.DType() || srcImg.Width() != dstImg.Width() || srcImg.Height() != dstImg.Height() {
		return status.Errorf(status.Unsupported, "CopyFrom(%q -> %q): images of different dtype or extent", src.name, t.name)
	}
	var innerErr error
	err := src.MapForRead(func(srcData []byte) {
		innerErr = t.MapForWrite(func(dstData []byte) {
			copy(dstData, srcData)
		})
	})
	if err != nil {
		return err
	}
	return innerErr
}

// ConvertFrom is like CopyFrom, but also converts between the dense 4D layouts NHWC and NCHW
// with an explicit transpose. The dimensions of t must be the permuted dimensions of src.
func (t *Tensor) ConvertFrom(src *Tensor) error {
	srcLayout, dstLayout := src.Layout(), t.Layout()
	if srcLayout == dstLayout {
		return t.CopyFrom(src)
	}
	perm, err := layouts.Permutation(srcLayout, dstLayout)
	if err != nil {
		return err
	}
	srcShape, dstShape := src.Shape(), t.Shape()
	if !srcShape.Permute(perm).EqualDimensions(dstShape) {
		return status.Errorf(status.InvalidArgument, "ConvertFrom(%q -> %q): %s in %s doesn't convert to %s in %s",
			src.name, t.name, srcShape, srcLayout, dstShape, dstLayout)
	}

	// Convert dtype first (in the source layout) into a scratch buffer, then transpose.
	scratch := make([]byte, srcShape.Size()*dstShape.DType.Size())
	srcQuant, dstQuant := src.Quantization(), t.Quantization()
	var innerErr error
	err = src.MapForRead(func(srcData []byte) {
		innerErr = convert.Elements(scratch, dstShape.DType, dstQuant, srcData, srcShape.DType, srcQuant, srcShape.Size())
	})
	if err != nil {
		return err
	}
	if innerErr != nil {
		return innerErr
	}
	err = t.MapForWrite(func(dstData []byte) {
		innerErr = convert.Transpose(dstData, scratch, dstShape.DType.Size(), srcShape.Dimensions, perm)
	})
	if err != nil {
		return err
	}
	return innerErr
}
