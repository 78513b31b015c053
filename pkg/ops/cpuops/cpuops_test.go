// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpuops

import (
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/backends/cpu"
	"github.com/gomlx/edgeinfer/backends/npu"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/gomlx/edgeinfer/pkg/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCPU(t *testing.T) backends.Backend {
	b, err := cpu.NewBackend(backends.Options{CPUThreadCount: 3})
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

// runOp initializes and runs the operator created by factory, returning its first output.
func runOp(t *testing.T, factory ops.Factory, backend backends.Backend, layout layouts.Layout, def *graph.OpDef, inputs ...*tensors.Tensor) *tensors.Tensor {
	if def.Outputs == nil {
		def.Outputs = []string{def.Name + "_out"}
	}
	ctx := ops.NewContext(def, backend, layout, inputs...)
	op := factory()
	require.NoError(t, op.Init(ctx))
	require.NoError(t, op.Run(ctx))
	require.NoError(t, backend.Synchronize())
	t.Cleanup(ctx.Outputs[0].Finalize)
	return ctx.Outputs[0]
}

func iota32(n int) []float32 {
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = float32(i)
	}
	return flat
}

func depthToSpaceDef(blockSize int) *graph.OpDef {
	return &graph.OpDef{Name: "d2s", Type: ops.OpDepthToSpace, Args: []graph.Argument{graph.IntArg(ops.ArgBlockSize, int64(blockSize))}}
}

// toLayout returns a copy of the NHWC tensor nhwc in layout.
func toLayout(t *testing.T, nhwc *tensors.Tensor, layout layouts.Layout) *tensors.Tensor {
	if layout == layouts.NHWC {
		return nhwc
	}
	perm, err := layouts.Permutation(layouts.NHWC, layout)
	require.NoError(t, err)
	converted := tensors.FromShape(nhwc.Name(), nhwc.Shape().Permute(perm), layout)
	require.NoError(t, converted.ConvertFrom(nhwc))
	t.Cleanup(converted.Finalize)
	return converted
}

// toNHWC returns the flat contents of x in NHWC order.
func toNHWC[T dtypes.Supported](t *testing.T, x *tensors.Tensor) []T {
	if x.Layout() == layouts.NHWC {
		return tensors.MustCopyFlatData[T](x)
	}
	dims, err := layouts.ToNHWC(x.Layout(), x.Shape().Dimensions)
	require.NoError(t, err)
	nhwc := tensors.FromShape("nhwc", shapes.Make(x.DType(), dims...), layouts.NHWC)
	defer nhwc.Finalize()
	require.NoError(t, nhwc.ConvertFrom(x))
	return tensors.MustCopyFlatData[T](nhwc)
}

func TestDepthToSpace(t *testing.T) {
	backend := newCPU(t)
	for _, layout := range []layouts.Layout{layouts.NHWC, layouts.NCHW} {
		t.Run(layout.String(), func(t *testing.T) {
			// S1
			in := toLayout(t, tensors.FromFlatData("input", iota32(32), layouts.NHWC, 1, 1, 2, 16), layout)
			out := runOp(t, newDepthToSpace, backend, layout, depthToSpaceDef(2), in)
			nhwcDims, err := layouts.ToNHWC(layout, out.Shape().Dimensions)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 4, 4}, nhwcDims)
			assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23,
				8, 9, 10, 11, 12, 13, 14, 15, 24, 25, 26, 27, 28, 29, 30, 31}, toNHWC[float32](t, out))

			// S2
			values := make([]float32, 16)
			for i := range values {
				values[i] = float32(i + 1)
			}
			in = toLayout(t, tensors.FromFlatData("input", values, layouts.NHWC, 1, 1, 1, 16), layout)
			out = runOp(t, newDepthToSpace, backend, layout, depthToSpaceDef(2), in)
			nhwcDims, err = layouts.ToNHWC(layout, out.Shape().Dimensions)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 2, 4}, nhwcDims)
			assert.Equal(t, values, toNHWC[float32](t, out))

			// Identity with block_size 1, on integers.
			ints := []int32{5, 6, 7, 8, 9, 10}
			in = toLayout(t, tensors.FromFlatData("input", ints, layouts.NHWC, 1, 1, 2, 3), layout)
			out = runOp(t, newDepthToSpace, backend, layout, depthToSpaceDef(1), in)
			assert.Equal(t, ints, toNHWC[int32](t, out))
		})
	}
}

func TestDepthToSpaceLarge(t *testing.T) {
	// S3
	backend := newCPU(t)
	ones := make([]float32, 192*192*128)
	for i := range ones {
		ones[i] = 1
	}
	in := tensors.FromFlatData("input", ones, layouts.NHWC, 1, 192, 192, 128)
	out := runOp(t, newDepthToSpace, backend, layouts.NHWC, depthToSpaceDef(2), in)
	assert.Equal(t, []int{1, 384, 384, 32}, out.Shape().Dimensions)
	require.NoError(t, tensors.ConstFlatData(out, func(flat []float32) {
		for i, v := range flat {
			if v != 1 {
				t.Fatalf("output[%d]=%g, expected 1", i, v)
			}
		}
	}))
}

func TestDepthToSpaceErrors(t *testing.T) {
	backend := newCPU(t)
	in := tensors.FromFlatData("input", iota32(24), layouts.NHWC, 1, 2, 2, 6)
	ctx := ops.NewContext(depthToSpaceDef(2), backend, layouts.NHWC, in)
	ctx.Def.Outputs = []string{"out"}
	ctx.Outputs = make([]*tensors.Tensor, 1)
	err := newDepthToSpace().Init(ctx)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	ctx = ops.NewContext(depthToSpaceDef(2), backend, layouts.Image, in)
	err = newDepthToSpace().Init(ctx)
	assert.Equal(t, status.Unsupported, status.CodeOf(err))

	ctx = ops.NewContext(depthToSpaceDef(2), backend, layouts.NHWC)
	err = newDepthToSpace().Init(ctx)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err), "missing input")
}

func TestSpaceToDepthRoundTrip(t *testing.T) {
	backend := newCPU(t)
	const n, h, w, c = 2, 3, 5, 12
	flat := iota32(n * h * w * c)
	for _, layout := range []layouts.Layout{layouts.NHWC, layouts.NCHW} {
		in := toLayout(t, tensors.FromFlatData("input", flat, layouts.NHWC, n, h, w, c), layout)
		for _, b := range []int{1, 2} {
			up := runOp(t, newDepthToSpace, backend, layout, depthToSpaceDef(b), in)
			s2d := &graph.OpDef{Name: "s2d", Type: ops.OpSpaceToDepth, Args: []graph.Argument{graph.IntArg(ops.ArgBlockSize, int64(b))}}
			down := runOp(t, newSpaceToDepth, backend, layout, s2d, up)
			assert.Equal(t, in.Shape().Dimensions, down.Shape().Dimensions)
			assert.Equal(t, flat, toNHWC[float32](t, down), "layout=%s, block_size=%d", layout, b)
		}
	}
}

func TestShapeLaw(t *testing.T) {
	backend := newCPU(t)
	for _, dims := range [][]int{{1, 1, 2, 16}, {2, 3, 4, 8}, {1, 5, 1, 4}} {
		in := tensors.FromFlatData("input", iota32(dims[0]*dims[1]*dims[2]*dims[3]), layouts.NHWC, dims...)
		def := depthToSpaceDef(2)
		want, err := ops.InferShapes(def, []shapes.Shape{in.Shape()})
		require.NoError(t, err)
		out := runOp(t, newDepthToSpace, backend, layouts.NHWC, def, in)
		assert.True(t, want[0].Equal(out.Shape()), "dims=%v: got %s, want %s", dims, out.Shape(), want[0])
	}
}

func TestQuantizedDepthToSpace(t *testing.T) {
	backend := newCPU(t)
	in := tensors.FromFlatData("input", []uint8{1, 2, 3, 4, 5, 6, 7, 8}, layouts.NHWC, 1, 1, 2, 4)
	require.NoError(t, in.SetQuantization(dtypes.QuantParams{Scale: 0.5, ZeroPoint: 3}))
	out := runOp(t, newDepthToSpace, backend, layouts.NHWC, depthToSpaceDef(2), in)
	assert.Equal(t, []uint8{1, 2, 5, 6, 3, 4, 7, 8}, tensors.MustCopyFlatData[uint8](out))
	require.NotNil(t, out.Quantization())
	assert.Equal(t, float32(0.5), out.Quantization().Scale)
}

func TestBiasAdd(t *testing.T) {
	backend := newCPU(t)
	in := tensors.FromFlatData("input", iota32(12), layouts.NHWC, 1, 2, 2, 3)
	bias := tensors.FromFlatData("bias", []float32{100, 200, 300}, layouts.None, 3)
	def := &graph.OpDef{Name: "bias_add", Type: ops.OpBiasAdd}
	out := runOp(t, newBiasAdd[float32], backend, layouts.NHWC, def, in, bias)
	assert.Equal(t, []float32{100, 201, 302, 103, 204, 305, 106, 207, 308, 109, 210, 311}, tensors.MustCopyFlatData[float32](out))

	ints := tensors.FromFlatData("input", []int32{1, 2, 3, 4}, layouts.None, 2, 2)
	intBias := tensors.FromFlatData("bias", []int32{-1, 1}, layouts.None, 2)
	out = runOp(t, newBiasAdd[int32], backend, layouts.NHWC, def, ints, intBias)
	assert.Equal(t, []int32{0, 3, 2, 5}, tensors.MustCopyFlatData[int32](out))

	spec, err := ops.Lookup(ops.OpBiasAdd, backends.CPU, dtypes.Float16)
	assert.Nil(t, spec)
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
}

func TestTransforms(t *testing.T) {
	backend := newCPU(t)
	in := tensors.FromFlatData("input", iota32(24), layouts.NHWC, 1, 2, 3, 4)

	// Transpose NHWC -> NCHW and back.
	toNCHW := &graph.OpDef{Name: "to_nchw", Type: ops.OpTranspose, Args: []graph.Argument{
		graph.IntsArg(ops.ArgDims, 0, 3, 1, 2), graph.StringArg(ops.ArgLayout, "NCHW")}}
	nchw := runOp(t, newTransformFactory(ops.OpTranspose), backend, layouts.None, toNCHW, in)
	assert.Equal(t, layouts.NCHW, nchw.Layout())
	assert.Equal(t, []int{1, 4, 2, 3}, nchw.Shape().Dimensions)
	toNHWCDef := &graph.OpDef{Name: "to_nhwc", Type: ops.OpTranspose, Args: []graph.Argument{
		graph.IntsArg(ops.ArgDims, 0, 2, 3, 1), graph.StringArg(ops.ArgLayout, "NHWC")}}
	back := runOp(t, newTransformFactory(ops.OpTranspose), backend, layouts.None, toNHWCDef, nchw)
	assert.Equal(t, iota32(24), tensors.MustCopyFlatData[float32](back))

	// Cast to Float16 and back.
	toF16 := &graph.OpDef{Name: "to_f16", Type: ops.OpCast, Args: []graph.Argument{graph.DTypeArg(dtypes.Float16)}}
	f16 := runOp(t, newTransformFactory(ops.OpCast), backend, layouts.None, toF16, in)
	assert.Equal(t, dtypes.Float16, f16.DType())
	toF32 := &graph.OpDef{Name: "to_f32", Type: ops.OpCast, Args: []graph.Argument{graph.DTypeArg(dtypes.Float32)}}
	f32 := runOp(t, newTransformFactory(ops.OpCast), backend, layouts.None, toF32, f16)
	assert.Equal(t, iota32(24), tensors.MustCopyFlatData[float32](f32))

	// Cast to quantized Uint8.
	toU8 := &graph.OpDef{Name: "to_u8", Type: ops.OpCast, Args: []graph.Argument{
		graph.DTypeArg(dtypes.Uint8), graph.FloatArg("scale", 0.5), graph.IntArg("zero_point", 10)}}
	u8 := runOp(t, newTransformFactory(ops.OpCast), backend, layouts.None, toU8, in)
	assert.Equal(t, uint8(10), tensors.MustCopyFlatData[uint8](u8)[0])
	assert.Equal(t, uint8(12), tensors.MustCopyFlatData[uint8](u8)[1])

	// Transfer to an accelerator and back.
	accelerator, err := npu.NewBackend(backends.NPU, backends.Options{})
	require.NoError(t, err)
	defer accelerator.Finalize()
	allocate := func(idx int, device backends.DeviceType, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error) {
		allocator := backend.Allocator()
		if device == backends.NPU {
			allocator = accelerator.Allocator()
		}
		return tensors.New("transferred", shape, layout, device, allocator)
	}
	transferDef := &graph.OpDef{Name: "to_npu", Type: ops.OpTransfer, Outputs: []string{"on_npu"},
		Args: []graph.Argument{graph.StringArg(ops.ArgDevice, "NPU")}}
	ctx := ops.NewContext(transferDef, backend, layouts.None, in)
	ctx.Allocate = allocate
	op := newTransformFactory(ops.OpTransfer)()
	require.NoError(t, op.Init(ctx))
	require.NoError(t, op.Run(ctx))
	onNPU := ctx.Outputs[0]
	defer onNPU.Finalize()
	assert.Equal(t, backends.NPU, onNPU.Device())
	assert.Equal(t, iota32(24), tensors.MustCopyFlatData[float32](onNPU))
}
