// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum that represents the scalar type of the elements of a tensor.
//
// The numeric values follow the ones used by GoMLX, so serialized graphs and caches
// stay compatible with GoMLX tools. Only the types listed below are supported by the
// execution pipeline.
type DType int32

const (
	// InvalidDType is the zero value, used as a "not set" marker.
	InvalidDType DType = 0

	// Int32 is a signed 32-bit integer.
	Int32 DType = 4

	// Uint8 is an unsigned 8-bit integer. Tensors of this type carry quantization parameters.
	Uint8 DType = 6

	// Float16 is the IEEE 754 half-precision float, see github.com/x448/float16.
	Float16 DType = 10

	// Float32 is the IEEE 754 single-precision float.
	Float32 DType = 11

	// BFloat16 is a truncated 16 bit floating-point format: 1 bit for the sign,
	// 8 bits for the exponent and 7 bits for the mantissa.
	BFloat16 DType = 13
)

// Short aliases.
const (
	F32  = Float32
	F16  = Float16
	BF16 = BFloat16
	S32  = Int32
	U8   = Uint8
)

// All lists the supported dtypes, in enum order.
var All = []DType{Int32, Uint8, Float16, Float32, BFloat16}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int32:        "Int32",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
	BFloat16:     "BFloat16",
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"NONE":         InvalidDType,
	"Int32":        Int32,
	"S32":          Int32,
	"I32":          Int32,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float":        Float32,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}
