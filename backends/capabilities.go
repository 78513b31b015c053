// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/support/sets"
)

// Capabilities holds what is supported by a device.
type Capabilities struct {
	Device DeviceType

	// DTypes supported by the device memory and kernels.
	DTypes sets.Set[dtypes.DType]

	// Layouts the device can store tensors in.
	Layouts sets.Set[layouts.Layout]

	// Alignment in bytes a constant must have to be used directly from the weights region.
	Alignment int

	// NumComputeUnits the device can run concurrently (CPU threads, GPU compute units).
	NumComputeUnits int

	// Float32Performance is the estimated float32 throughput in GFLOPs. For the CPU it is
	// measured on a single thread.
	Float32Performance float32
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.DTypes = c.DTypes.Clone()
	c2.Layouts = c.Layouts.Clone()
	return c2
}

// SupportsDType returns whether dtype is supported.
func (c Capabilities) SupportsDType(dtype dtypes.DType) bool { return c.DTypes.Has(dtype) }

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	return fmt.Sprintf("%s: dtypes=%v, layouts=%v, alignment=%d, compute units=%d, float32 GFLOPs=%.2f",
		c.Device, sets.Sorted(c.DTypes), sets.Sorted(c.Layouts), c.Alignment, c.NumComputeUnits, c.Float32Performance)
}
