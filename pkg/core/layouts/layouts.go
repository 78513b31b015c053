// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layouts defines how the logical dimensions of a tensor map to its storage.
//
// Dense layouts (NHWC, NCHW, OIHW) are plain row-major orderings of the named axes, and
// conversions among them are axis permutations. IMAGE is the opaque 2D texture storage of
// the GPU backend: 4 channels are packed per texel (RGBA), see ImageShapeFor.
package layouts

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// Layout enumerates the supported storage layouts.
type Layout int

const (
	// None is used for tensors whose axes have no spatial meaning (e.g. 1-D bias vectors).
	None Layout = iota

	// NHWC is batch, height, width, channels.
	NHWC

	// NCHW is batch, channels, height, width.
	NCHW

	// OIHW is the convolution filter layout: output channels, input channels, height, width.
	OIHW

	// Image is the GPU texture storage: channels packed 4 per RGBA texel.
	Image
)

var layoutNames = []string{None: "NONE", NHWC: "NHWC", NCHW: "NCHW", OIHW: "OIHW", Image: "IMAGE"}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l < 0 || int(l) >= len(layoutNames) {
		return fmt.Sprintf("Layout(%d)", int(l))
	}
	return layoutNames[l]
}

// Parse converts a layout name (case-insensitive) to a Layout.
func Parse(name string) (Layout, error) {
	idx := slices.Index(layoutNames, strings.ToUpper(name))
	if idx < 0 {
		return None, status.Errorf(status.InvalidArgument, "unknown layout %q", name)
	}
	return Layout(idx), nil
}

// IsDense returns whether the layout is a row-major ordering on plain memory.
func (l Layout) IsDense() bool {
	return l == None || l == NHWC || l == NCHW || l == OIHW
}

// axisNames lists, for each 4D dense layout, the logical axis at each position.
// The letters are normalized so NCHW and OIHW can be compared: O~N, I~C.
var axisNames = map[Layout]string{
	NHWC: "NHWC",
	NCHW: "NCHW",
	OIHW: "NCHW",
}

// Permutation returns the axis permutation that converts a 4D tensor stored in layout from to
// layout to: output axis i is input axis perm[i].
//
// Only dense 4D layouts are permutable. Equal layouts give the identity. Conversions to/from
// Image are not permutations, they are done by the backend's buffer/image packing.
func Permutation(from, to Layout) ([]int, error) {
	if from == to {
		return []int{0, 1, 2, 3}, nil
	}
	fromAxes, okFrom := axisNames[from]
	toAxes, okTo := axisNames[to]
	if !okFrom || !okTo {
		return nil, status.Errorf(status.Unsupported, "no axis permutation from layout %s to %s", from, to)
	}
	perm := make([]int, 4)
	for i := range 4 {
		perm[i] = strings.IndexByte(fromAxes, toAxes[i])
	}
	return perm, nil
}

// ToNHWC returns the NHWC dimensions of a 4D dense tensor with the given layout.
func ToNHWC(layout Layout, dims []int) ([]int, error) {
	if len(dims) != 4 {
		return nil, status.Errorf(status.InvalidArgument, "layout %s requires rank 4, got dimensions %v", layout, dims)
	}
	if layout == NHWC || layout == Image {
		return slices.Clone(dims), nil
	}
	perm, err := Permutation(layout, NHWC)
	if err != nil {
		return nil, err
	}
	out := make([]int, 4)
	for i, axis := range perm {
		out[i] = dims[axis]
	}
	return out, nil
}

// ImageKind selects how a tensor is packed into an image.
type ImageKind int

const (
	// InOutChannel packs an activation [N, H, W, C] into width W*ceil(C/4) and height N*H.
	// Texel (cb*W + w, n*H + h) holds channels [4*cb, 4*cb+4) of pixel (n, h, w).
	InOutChannel ImageKind = iota

	// Argument packs a 1-D vector [C] into width ceil(C/4) and height 1.
	Argument
)

// String implements fmt.Stringer.
func (k ImageKind) String() string {
	switch k {
	case InOutChannel:
		return "IN_OUT_CHANNEL"
	case Argument:
		return "ARGUMENT"
	}
	return fmt.Sprintf("ImageKind(%d)", int(k))
}

// TexelChannels is the number of channels packed per texel (RGBA).
const TexelChannels = 4

// ChannelBlocks returns ceil(channels/4).
func ChannelBlocks(channels int) int {
	return (channels + TexelChannels - 1) / TexelChannels
}

// ImageShapeFor returns the image extent (width, height) in texels for a tensor with the given
// NHWC dimensions (InOutChannel) or [C] dimensions (Argument).
func ImageShapeFor(kind ImageKind, dims []int) (width, height int, err error) {
	switch kind {
	case InOutChannel:
		if len(dims) != 4 {
			return 0, 0, status.Errorf(status.InvalidArgument, "image packing %s requires NHWC dimensions, got %v", kind, dims)
		}
		n, h, w, c := dims[0], dims[1], dims[2], dims[3]
		return w * ChannelBlocks(c), n * h, nil
	case Argument:
		if len(dims) != 1 {
			return 0, 0, status.Errorf(status.InvalidArgument, "image packing %s requires 1-D dimensions, got %v", kind, dims)
		}
		return ChannelBlocks(dims[0]), 1, nil
	}
	return 0, 0, status.Errorf(status.Unsupported, "unknown image kind %s", kind)
}
