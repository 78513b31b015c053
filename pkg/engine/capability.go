// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/ops"
)

// Capability of a device, as reported by GetCapability.
type Capability struct {
	Device backends.DeviceType

	// DTypes with kernels on the device.
	DTypes []dtypes.DType

	// Float32Performance is the estimated float32 GFLOPs. For the CPU it is measured on one thread.
	Float32Performance float32
}

// GetCapability instantiates a backend for device and reports the dtypes its kernels support and
// its performance estimate.
func GetCapability(device backends.DeviceType) (Capability, error) {
	b, err := backends.New(device, backends.Options{})
	if err != nil {
		return Capability{Device: device}, err
	}
	defer b.Finalize()
	caps := b.Capabilities()
	capability := Capability{Device: device, Float32Performance: caps.Float32Performance}
	for _, dtype := range ops.SupportedDTypes(device) {
		if caps.SupportsDType(dtype) {
			capability.DTypes = append(capability.DTypes, dtype)
		}
	}
	return capability, nil
}
