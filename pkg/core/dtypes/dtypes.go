// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the scalar types supported by the execution pipeline:
// Float32, Float16, BFloat16, Int32 and Uint8.
//
// It includes converters to/from Go native types (and reflect.Type), the quantization parameters
// attached to Uint8 tensors, and some constraint interfaces to be used with generics.
package dtypes

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
// In principle, it should never happen -- the same way nil-pointer panics should never happen.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Parse returns the DType for the given name (case-insensitive, aliases like "f16" or "float32" accepted).
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case int32:
		return Int32
	case uint8:
		return Uint8
	}
	return InvalidDType
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float32Type  = reflect.TypeOf(float32(0))
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
	int32Type    = reflect.TypeOf(int32(0))
	uint8Type    = reflect.TypeOf(uint8(0))
)

// FromGoType returns the DType for the given "reflect.Type".
// It returns InvalidDType for unsupported types.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	case float32Type:
		return Float32
	case int32Type:
		return Int32
	case uint8Type:
		return Uint8
	}
	return InvalidDType
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
// Non-scalar types, or unsupported types return an InvalidType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// GoType returns the Go `reflect.Type` corresponding to the tensor DType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float32:
		return float32Type
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	case Int32:
		return int32Type
	case Uint8:
		return uint8Type
	default:
		panicf("unknown dtype %q (%d) in DType.GoType", dtype, int32(dtype))
		panic(nil)
	}
}

// Size returns the number of bytes for the given DType.
func (dtype DType) Size() int {
	switch dtype {
	case Float32, Int32:
		return 4
	case Float16, BFloat16:
		return 2
	case Uint8:
		return 1
	default:
		return 0
	}
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("dim cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// IsSupported returns whether dtype is one of the scalar types the pipeline handles.
func (dtype DType) IsSupported() bool {
	return dtype == Float32 || dtype == Float16 || dtype == BFloat16 || dtype == Int32 || dtype == Uint8
}

// SupportedDTypes lists the dtypes for which IsSupported is true.
var SupportedDTypes = []DType{Float32, Float16, BFloat16, Int32, Uint8}

// IsFloat returns whether dtype is a float type (Float32, Float16 or BFloat16).
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16 || dtype == BFloat16
}

// IsFloat16 returns whether dtype is a supported float with 16 bits: [Float16] or [BFloat16].
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Uint8
}

// IsQuantized returns whether tensors of this dtype carry quantization parameters.
func (dtype DType) IsQuantized() bool {
	return dtype == Uint8
}

// IsPromotableTo returns whether dtype can be widened to target without loss:
// same category and not fewer bits. Float16 and BFloat16 are not promotable to each other.
func (dtype DType) IsPromotableTo(target DType) bool {
	if dtype == target {
		return true
	}
	if dtype.IsFloat() && target.IsFloat() {
		return target == Float32
	}
	if dtype.IsInt() && target.IsInt() {
		return dtype.Bits() <= target.Bits()
	}
	return false
}

// LowestValue for dtype converted to the corresponding Go type.
// For float values it will return negative infinite.
func (dtype DType) LowestValue() any {
	switch dtype {
	case Int32:
		return int32(math.MinInt32)
	case Uint8:
		return uint8(0)
	case Float32:
		return float32(math.Inf(-1))
	case Float16:
		return float16.Inf(-1)
	case BFloat16:
		return bfloat16.Inf(-1)
	default:
		return nil
	}
}

// HighestValue for dtype converted to the corresponding Go type.
// For float values it will return infinite.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Int32:
		return int32(math.MaxInt32)
	case Uint8:
		return uint8(math.MaxUint8)
	case Float32:
		return float32(math.Inf(1))
	case Float16:
		return float16.Inf(1)
	case BFloat16:
		return bfloat16.Inf(1)
	default:
		return nil
	}
}

// Supported lists the Go types that correspond to a supported DType.
// Used as traits for generics.
type Supported interface {
	float32 | float16.Float16 | bfloat16.BFloat16 | int32 | uint8
}

// Native lists the Go types of Supported that are native Go numbers.
// It doesn't include float16.Float16 or bfloat16.BFloat16 because they are not native number types.
type Native interface {
	float32 | int32 | uint8
}

// QuantParams holds the affine quantization parameters of a Uint8 tensor:
//
//	real = Scale * (quantized - ZeroPoint)
type QuantParams struct {
	Scale     float32
	ZeroPoint int32
}

// DefaultQuantParams is the identity quantization: Scale 1, ZeroPoint 0.
var DefaultQuantParams = QuantParams{Scale: 1}

// Quantize converts a real value to uint8, rounding to nearest and saturating.
func (q QuantParams) Quantize(value float32) uint8 {
	scale := q.Scale
	if scale == 0 {
		scale = 1
	}
	v := math.Round(float64(value/scale)) + float64(q.ZeroPoint)
	if v < 0 {
		return 0
	} else if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// Dequantize converts a uint8 value to its real value.
func (q QuantParams) Dequantize(value uint8) float32 {
	scale := q.Scale
	if scale == 0 {
		scale = 1
	}
	return scale * float32(int32(value)-q.ZeroPoint)
}

// String implements fmt.Stringer.
func (q QuantParams) String() string {
	return fmt.Sprintf("scale=%g, zero_point=%d", q.Scale, q.ZeroPoint)
}
