// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"
	"sync"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/sets"
)

// Priority orders kernels registered for the same (op type, device, dtype): the highest wins,
// and among equal priorities the first registered.
type Priority int

const (
	// PriorityGeneric is used by kernels that handle any dtype.
	PriorityGeneric Priority = 0

	// PriorityTyped is used by kernels specialized for one dtype.
	PriorityTyped Priority = 10

	// PriorityPreferred is used by the kernel a device should pick over its alternatives.
	PriorityPreferred Priority = 20
)

// KernelSpec describes a registered kernel.
type KernelSpec struct {
	OpType string
	Device backends.DeviceType

	// DType served. InvalidDType matches any dtype.
	DType dtypes.DType

	// Layout the kernel works in, see Context.Layout.
	Layout layouts.Layout

	Priority Priority
	Factory  Factory
}

// Matches returns whether the kernel serves (opType, device, dtype).
func (k *KernelSpec) Matches(opType string, device backends.DeviceType, dtype dtypes.DType) bool {
	return k.OpType == opType && k.Device == device && (k.DType == dtypes.InvalidDType || k.DType == dtype)
}

var (
	muRegistry sync.Mutex
	kernels    []*KernelSpec
	fallbacks  = make(map[string]backends.DeviceType)
)

// Register a kernel. Call it during package initialization.
func Register(spec KernelSpec) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if spec.Factory == nil {
		panic("ops.Register: nil Factory for " + spec.OpType)
	}
	kernels = append(kernels, &spec)
}

// RegisterFallback declares the device whose kernels serve opType when the requested device has none.
// A later registration for the same op type replaces the previous one.
func RegisterFallback(opType string, device backends.DeviceType) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	fallbacks[opType] = device
}

// Lookup returns the kernel for (opType, device, dtype), or an Unsupported error.
func Lookup(opType string, device backends.DeviceType, dtype dtypes.DType) (*KernelSpec, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return lockedLookup(opType, device, dtype)
}

func lockedLookup(opType string, device backends.DeviceType, dtype dtypes.DType) (*KernelSpec, error) {
	var best *KernelSpec
	for _, k := range kernels {
		if !k.Matches(opType, device, dtype) {
			continue
		}
		if best == nil || k.Priority > best.Priority {
			best = k
		}
	}
	if best == nil {
		return nil, status.Errorf(status.Unsupported, "no kernel for op %q on %s with dtype %s", opType, device, dtype)
	}
	return best, nil
}

// Resolve is like Lookup, but falls back to the device declared with RegisterFallback.
func Resolve(opType string, device backends.DeviceType, dtype dtypes.DType) (*KernelSpec, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	spec, err := lockedLookup(opType, device, dtype)
	if err == nil {
		return spec, nil
	}
	fallback, found := fallbacks[opType]
	if !found || fallback == device {
		return nil, err
	}
	spec, fallbackErr := lockedLookup(opType, fallback, dtype)
	if fallbackErr != nil {
		return nil, status.Wrapf(fallbackErr, status.Unsupported, "op %q unsupported on %s, fallback failed", opType, device)
	}
	return spec, nil
}

// SupportedDTypes returns the dtypes with at least one kernel on device, sorted.
// Kernels accepting any dtype contribute all supported dtypes.
func SupportedDTypes(device backends.DeviceType) []dtypes.DType {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	set := sets.Make[dtypes.DType]()
	for _, k := range kernels {
		if k.Device != device {
			continue
		}
		if k.DType == dtypes.InvalidDType {
			for _, dtype := range dtypes.SupportedDTypes {
				set.Insert(dtype)
			}
			continue
		}
		set.Insert(k.DType)
	}
	return sets.Sorted(set)
}

// OpTypes returns the op types with a kernel on device, sorted.
func OpTypes(device backends.DeviceType) []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	var types []string
	for _, k := range kernels {
		if k.Device == device && !slices.Contains(types, k.OpType) {
			types = append(types, k.OpType)
		}
	}
	slices.Sort(types)
	return types
}
