// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpuops registers the host kernels: they run on the CPU backend, and the shape operators
// also on the DSP and NPU accelerators, which share host memory.
//
// Kernels map their tensors, then launch over the outer rows of the output so the backend can
// split the work among its threads.
package cpuops

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

func init() {
	for _, device := range []backends.DeviceType{backends.CPU, backends.DSP, backends.NPU} {
		ops.Register(ops.KernelSpec{OpType: ops.OpDepthToSpace, Device: device, Layout: layouts.NHWC,
			Priority: ops.PriorityGeneric, Factory: newDepthToSpace})
		ops.Register(ops.KernelSpec{OpType: ops.OpSpaceToDepth, Device: device, Layout: layouts.NHWC,
			Priority: ops.PriorityGeneric, Factory: newSpaceToDepth})
	}

	// Channel-first variants, preferred on the CPU.
	ops.Register(ops.KernelSpec{OpType: ops.OpDepthToSpace, Device: backends.CPU, Layout: layouts.NCHW,
		Priority: ops.PriorityPreferred, Factory: newDepthToSpace})
	ops.Register(ops.KernelSpec{OpType: ops.OpSpaceToDepth, Device: backends.CPU, Layout: layouts.NCHW,
		Priority: ops.PriorityPreferred, Factory: newSpaceToDepth})

	ops.Register(ops.KernelSpec{OpType: ops.OpBiasAdd, Device: backends.CPU, DType: dtypes.Float32, Layout: layouts.NHWC,
		Priority: ops.PriorityTyped, Factory: newBiasAdd[float32]})
	ops.Register(ops.KernelSpec{OpType: ops.OpBiasAdd, Device: backends.CPU, DType: dtypes.Int32, Layout: layouts.NHWC,
		Priority: ops.PriorityTyped, Factory: newBiasAdd[int32]})

	for _, opType := range []string{ops.OpTranspose, ops.OpCast, ops.OpTransfer} {
		ops.Register(ops.KernelSpec{OpType: opType, Device: backends.CPU, Layout: layouts.None,
			Priority: ops.PriorityGeneric, Factory: newTransformFactory(opType)})
	}

	// Operators missing on a device run on the CPU.
	for _, opType := range []string{ops.OpDepthToSpace, ops.OpSpaceToDepth, ops.OpBiasAdd} {
		ops.RegisterFallback(opType, backends.CPU)
	}
}

// mapInOut maps in for reading and out for writing, and calls fn with both views.
func mapInOut(in, out *tensors.Tensor, fn func(src, dst []byte) error) error {
	var fnErr error
	err := in.MapForRead(func(src []byte) {
		fnErr = out.MapForWrite(func(dst []byte) {
			fnErr = fn(src, dst)
		})
	})
	if err != nil {
		return err
	}
	return fnErr
}

// copyQuantization carries the quantization parameters of src to dst, for operators that move
// elements without changing their values.
func copyQuantization(dst, src *tensors.Tensor) error {
	if q := src.Quantization(); q != nil {
		return dst.SetQuantization(*q)
	}
	return nil
}
