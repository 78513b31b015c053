// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convert implements element type conversions and layout transposes over raw tensor memory.
//
// Conversions are looked up in a table keyed by the (from, to) dtype pair. Same-type pairs copy,
// numeric pairs cast, and pairs involving Uint8 go through the quantization parameters:
//
//	real = scale * (q - zero_point)
package convert

import (
	"math"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// convertFn converts the elements of src into dst. Both have the same number of elements.
type convertFn func(dst, src []byte, dstQuant, srcQuant dtypes.QuantParams)

type dtypePair struct {
	from, to dtypes.DType
}

var convertTable = make(map[dtypePair]convertFn)

func registerConvert(from, to dtypes.DType, fn convertFn) {
	convertTable[dtypePair{from, to}] = fn
}

// Elements converts numElements values from src (of srcDType) into dst (of dstDType).
//
// srcQuant and dstQuant are only used when the respective dtype is Uint8; nil means the identity
// quantization (scale 1, zero point 0). Pairs without a conversion return an Unsupported error.
func Elements(dst []byte, dstDType dtypes.DType, dstQuant *dtypes.QuantParams,
	src []byte, srcDType dtypes.DType, srcQuant *dtypes.QuantParams, numElements int) error {
	fn, found := convertTable[dtypePair{srcDType, dstDType}]
	if !found {
		return status.Errorf(status.Unsupported, "no conversion from %s to %s", srcDType, dstDType)
	}
	srcBytes, dstBytes := numElements*srcDType.Size(), numElements*dstDType.Size()
	if len(src) < srcBytes || len(dst) < dstBytes {
		return status.Errorf(status.InvalidArgument, "conversion of %d elements from %s to %s needs %d/%d bytes, got %d/%d",
			numElements, srcDType, dstDType, srcBytes, dstBytes, len(src), len(dst))
	}
	fn(dst[:dstBytes], src[:srcBytes], quantOrDefault(dstQuant), quantOrDefault(srcQuant))
	return nil
}

func quantOrDefault(q *dtypes.QuantParams) dtypes.QuantParams {
	if q == nil {
		return dtypes.DefaultQuantParams
	}
	return *q
}

// Supported returns whether there is a conversion from -> to.
func Supported(from, to dtypes.DType) bool {
	_, found := convertTable[dtypePair{from, to}]
	return found
}

// native lists the Go number types that convert with a plain cast.
type native interface {
	constraints.Float | constraints.Integer
}

// Cast converts each value of src into dst with a Go conversion. Casts to int32 round to nearest
// and saturate, other casts follow Go conversion rules.
func Cast[From, To native](dst []To, src []From) {
	var zero To
	_, toInt := any(zero).(int32)
	for i, v := range src {
		if toInt {
			dst[i] = To(saturateInt32(float64(v)))
		} else {
			dst[i] = To(v)
		}
	}
}

func saturateInt32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v > math.MaxInt32 {
		return math.MaxInt32
	} else if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// readerFn reads the i-th element of a flat slice as float32.
type readerFn func(src []byte, q dtypes.QuantParams) func(i int) float32

// writerFn writes float32 values as the i-th element of a flat slice.
type writerFn func(dst []byte, q dtypes.QuantParams) func(i int, v float32)

var readers = map[dtypes.DType]readerFn{
	dtypes.Float32: func(src []byte, _ dtypes.QuantParams) func(int) float32 {
		flat := memory.AsSlice[float32](src)
		return func(i int) float32 { return flat[i] }
	},
	dtypes.Float16: func(src []byte, _ dtypes.QuantParams) func(int) float32 {
		flat := memory.AsSlice[float16.Float16](src)
		return func(i int) float32 { return flat[i].Float32() }
	},
	dtypes.BFloat16: func(src []byte, _ dtypes.QuantParams) func(int) float32 {
		flat := memory.AsSlice[bfloat16.BFloat16](src)
		return func(i int) float32 { return flat[i].Float32() }
	},
	dtypes.Int32: func(src []byte, _ dtypes.QuantParams) func(int) float32 {
		flat := memory.AsSlice[int32](src)
		return func(i int) float32 { return float32(flat[i]) }
	},
	dtypes.Uint8: func(src []byte, q dtypes.QuantParams) func(int) float32 {
		return func(i int) float32 { return q.Dequantize(src[i]) }
	},
}

var writers = map[dtypes.DType]writerFn{
	dtypes.Float32: func(dst []byte, _ dtypes.QuantParams) func(int, float32) {
		flat := memory.AsSlice[float32](dst)
		return func(i int, v float32) { flat[i] = v }
	},
	dtypes.Float16: func(dst []byte, _ dtypes.QuantParams) func(int, float32) {
		flat := memory.AsSlice[float16.Float16](dst)
		return func(i int, v float32) { flat[i] = float16.Fromfloat32(v) }
	},
	dtypes.BFloat16: func(dst []byte, _ dtypes.QuantParams) func(int, float32) {
		flat := memory.AsSlice[bfloat16.BFloat16](dst)
		return func(i int, v float32) { flat[i] = bfloat16.FromFloat32(v) }
	},
	dtypes.Int32: func(dst []byte, _ dtypes.QuantParams) func(int, float32) {
		flat := memory.AsSlice[int32](dst)
		return func(i int, v float32) { flat[i] = saturateInt32(float64(v)) }
	},
	dtypes.Uint8: func(dst []byte, q dtypes.QuantParams) func(int, float32) {
		return func(i int, v float32) { dst[i] = q.Quantize(v) }
	},
}

func init() {
	// Generic pairs go through float32.
	for from, read := range readers {
		for to, write := range writers {
			if from == to {
				continue
			}
			elemSize := from.Size()
			registerConvert(from, to, func(dst, src []byte, dstQuant, srcQuant dtypes.QuantParams) {
				get := read(src, srcQuant)
				set := write(dst, dstQuant)
				n := len(src) / elemSize
				for i := range n {
					set(i, get(i))
				}
			})
		}
	}

	// Same-type copies.
	for _, dtype := range dtypes.All {
		if dtype == dtypes.Uint8 {
			continue
		}
		registerConvert(dtype, dtype, func(dst, src []byte, _, _ dtypes.QuantParams) {
			copy(dst, src)
		})
	}
	registerConvert(dtypes.Uint8, dtypes.Uint8, requantize)

	// Typed fast paths.
	registerConvert(dtypes.Int32, dtypes.Float32, func(dst, src []byte, _, _ dtypes.QuantParams) {
		Cast(memory.AsSlice[float32](dst), memory.AsSlice[int32](src))
	})
	registerConvert(dtypes.Float32, dtypes.Int32, func(dst, src []byte, _, _ dtypes.QuantParams) {
		Cast(memory.AsSlice[int32](dst), memory.AsSlice[float32](src))
	})
	registerConvert(dtypes.Uint8, dtypes.Float32, func(dst, src []byte, _, srcQuant dtypes.QuantParams) {
		Dequantize(memory.AsSlice[float32](dst), src, srcQuant)
	})
	registerConvert(dtypes.Float32, dtypes.Uint8, func(dst, src []byte, dstQuant, _ dtypes.QuantParams) {
		Quantize(dst, memory.AsSlice[float32](src), dstQuant)
	})
}

// requantize copies uint8 values when the parameters match, and maps them through the real values otherwise.
func requantize(dst, src []byte, dstQuant, srcQuant dtypes.QuantParams) {
	if dstQuant == srcQuant {
		copy(dst, src)
		return
	}
	for i, v := range src {
		dst[i] = dstQuant.Quantize(srcQuant.Dequantize(v))
	}
}

// Quantize converts real values to uint8 with the given parameters.
func Quantize(dst []uint8, src []float32, q dtypes.QuantParams) {
	for i, v := range src {
		dst[i] = q.Quantize(v)
	}
}

// Dequantize converts uint8 values to real values with the given parameters.
func Dequantize(dst []float32, src []uint8, q dtypes.QuantParams) {
	for i, v := range src {
		dst[i] = q.Dequantize(v)
	}
}

// ToFloat32 converts raw elements of dtype to float32.
func ToFloat32(src []byte, dtype dtypes.DType, quant *dtypes.QuantParams) ([]float32, error) {
	if dtype.Size() == 0 {
		return nil, status.Errorf(status.Unsupported, "no conversion from %s to %s", dtype, dtypes.Float32)
	}
	n := len(src) / dtype.Size()
	out := make([]float32, n)
	if err := Elements(memory.AsBytes(out), dtypes.Float32, nil, src, dtype, quant, n); err != nil {
		return nil, err
	}
	return out, nil
}

// FromFloat32 converts float32 values to raw elements of dtype.
func FromFloat32(src []float32, dtype dtypes.DType, quant *dtypes.QuantParams) ([]byte, error) {
	out := make([]byte, len(src)*dtype.Size())
	if err := Elements(out, dtype, quant, memory.AsBytes(src), dtypes.Float32, nil, len(src)); err != nil {
		return nil, err
	}
	return out, nil
}
