// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the Operator abstraction, the process-wide kernel registry keyed by
// (op type, device, dtype), and the shape functions of the graph-level operators.
//
// Kernels live in sub-packages (cpuops, gpuops) that register themselves during package
// initialization. Import them for their side effect:
//
//	import _ "github.com/gomlx/edgeinfer/pkg/ops/cpuops"
package ops

import (
	"fmt"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
)

// Operator types known by the pipeline.
const (
	OpDepthToSpace = "DepthToSpace"
	OpSpaceToDepth = "SpaceToDepth"
	OpBiasAdd      = "BiasAdd"

	// Synthetic operators, inserted by the planner where producers and consumers disagree on
	// the placement (device, layout or dtype) of a tensor.
	OpTranspose     = "Transpose"
	OpCast          = "Cast"
	OpTransfer      = "Transfer"
	OpBufferToImage = "BufferToImage"
	OpImageToBuffer = "ImageToBuffer"
)

// Attribute names.
const (
	// ArgBlockSize is the block size of DepthToSpace and SpaceToDepth.
	ArgBlockSize = "block_size"

	// ArgDims is the axis permutation of Transpose: output axis i is input axis dims[i].
	ArgDims = "dims"

	// ArgLayout is the layout name of the output of Transpose.
	ArgLayout = "layout"

	// ArgDevice is the name of the destination device of Transfer.
	ArgDevice = "device"
)

// Operator is the per-node object bound to a kernel.
//
// Init is called once, at engine creation: it validates the attributes and input shapes, and
// creates the output tensors with Context.NewOutput. Run executes the kernel, possibly
// asynchronously on backends with a command queue: failures may only be reported by the next
// backend Synchronize.
type Operator interface {
	Init(ctx *Context) error
	Run(ctx *Context) error
}

// Factory creates a fresh Operator.
type Factory func() Operator

// AllocateFn creates the tensor for output idx of an operator, on device with the given shape and layout.
type AllocateFn func(idx int, device backends.DeviceType, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error)

// Context binds an operator to its definition, its backend and its tensors.
type Context struct {
	// Def is the operator definition.
	Def *graph.OpDef

	// Backend executing the kernel.
	Backend backends.Backend

	// Layout the kernel works in: rank-4 inputs come in this layout, and outputs are created in it.
	Layout layouts.Layout

	// Inputs are bound before Init. Optional inputs may be nil.
	Inputs []*tensors.Tensor

	// Outputs are created by Init.
	Outputs []*tensors.Tensor

	// Allocate creates output tensors. If nil, NewOutput allocates from Backend.
	Allocate AllocateFn
}

// NewContext creates a context for def, with the inputs bound and room for the outputs.
func NewContext(def *graph.OpDef, backend backends.Backend, layout layouts.Layout, inputs ...*tensors.Tensor) *Context {
	return &Context{
		Def:     def,
		Backend: backend,
		Layout:  layout,
		Inputs:  inputs,
		Outputs: make([]*tensors.Tensor, len(def.Outputs)),
	}
}

// Device of the backend executing the kernel.
func (ctx *Context) Device() backends.DeviceType {
	return ctx.Backend.Device()
}

// Errorf returns an error with the given code, prefixed with the operator name and type.
func (ctx *Context) Errorf(code status.Code, format string, args ...any) error {
	return status.Errorf(code, "%s %q: %s", ctx.Def.Type, ctx.Def.Name, fmt.Sprintf(format, args...))
}

// Input returns input idx, or an InvalidArgument error if it is missing.
func (ctx *Context) Input(idx int) (*tensors.Tensor, error) {
	if idx >= len(ctx.Inputs) || ctx.Inputs[idx] == nil {
		return nil, ctx.Errorf(status.InvalidArgument, "missing input #%d", idx)
	}
	return ctx.Inputs[idx], nil
}

// NewOutput creates output idx on the context device.
func (ctx *Context) NewOutput(idx int, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error) {
	return ctx.NewOutputOn(idx, ctx.Device(), shape, layout)
}

// NewOutputOn creates output idx on the given device.
func (ctx *Context) NewOutputOn(idx int, device backends.DeviceType, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error) {
	if idx >= len(ctx.Outputs) {
		return nil, ctx.Errorf(status.InvalidArgument, "output #%d out of range, op has %d outputs", idx, len(ctx.Outputs))
	}
	var t *tensors.Tensor
	var err error
	if ctx.Allocate != nil {
		t, err = ctx.Allocate(idx, device, shape, layout)
	} else {
		if device != ctx.Device() {
			return nil, ctx.Errorf(status.InvalidArgument, "no allocator for output on %s", device)
		}
		name := ctx.Def.Outputs[idx]
		if layout == layouts.Image {
			t, err = tensors.NewImage(name, shape, device, ctx.Backend.Allocator())
		} else {
			t, err = tensors.New(name, shape, layout, device, ctx.Backend.Allocator())
		}
	}
	if err != nil {
		return nil, err
	}
	ctx.Outputs[idx] = t
	return t, nil
}
