// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The serialized graph is a protocol-buffers message, written and read field by field with protowire:
//
//	message Graph {
//	  uint32 major_version = 1;
//	  uint32 minor_version = 2;
//	  repeated Tensor tensors = 3;
//	  repeated Op ops = 4;
//	  repeated IO inputs = 5;
//	  repeated IO outputs = 6;
//	  string name = 7;
//	}
//	message Tensor {
//	  string name = 1;
//	  int32 dtype = 2;
//	  repeated int64 dims = 3;      // packed
//	  int32 layout = 4;
//	  bool constant = 5;
//	  int64 offset = 6;
//	  int64 length = 7;
//	  float scale = 8;
//	  sint32 zero_point = 9;
//	  sint32 producer = 10;
//	  bool has_quant = 11;
//	  bool has_dims = 12;           // since v1.1: distinguishes scalars from inferred dims
//	}
//	message Op {
//	  string name = 1;
//	  string type = 2;
//	  repeated string inputs = 3;
//	  repeated string outputs = 4;
//	  repeated Arg args = 5;
//	}
//	message Arg {
//	  string name = 1;
//	  int32 kind = 2;
//	  int64 i = 3;
//	  float f = 4;
//	  string s = 5;
//	  repeated int64 ints = 6;      // packed
//	  repeated float floats = 7;    // packed
//	}
//	message IO {
//	  string name = 1;
//	  int32 dtype = 2;
//	  repeated int64 dims = 3;      // packed
//	  int32 layout = 4;
//	}
//
// Unknown fields are skipped, so newer minor versions remain readable.

// Encode serializes the graph.
func Encode(g *Graph) []byte {
	var b []byte
	b = appendVarintField(b, 1, MajorVersion)
	b = appendVarintField(b, 2, MinorVersion)
	for pair := g.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(pair.Value))
	}
	for _, op := range g.Ops {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	for _, io := range g.Inputs {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeIO(io))
	}
	for _, io := range g.Outputs {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeIO(io))
	}
	if g.Name != "" {
		b = appendStringField(b, 7, g.Name)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendPackedInts(b []byte, num protowire.Number, values []int64) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func dimsToInt64(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}

func encodeTensor(t *TensorInfo) []byte {
	var b []byte
	b = appendStringField(b, 1, t.Name)
	b = appendVarintField(b, 2, uint64(t.DType))
	if t.Dimensions != nil {
		b = appendPackedInts(b, 3, dimsToInt64(t.Dimensions))
		b = appendBoolField(b, 12, true)
	}
	b = appendVarintField(b, 4, uint64(t.Layout))
	if t.Constant {
		b = appendBoolField(b, 5, true)
		b = appendVarintField(b, 6, uint64(t.Offset))
		b = appendVarintField(b, 7, uint64(t.Length))
	}
	if t.Quant != nil {
		b = protowire.AppendTag(b, 8, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(t.Quant.Scale))
		b = appendVarintField(b, 9, protowire.EncodeZigZag(int64(t.Quant.ZeroPoint)))
		b = appendBoolField(b, 11, true)
	}
	b = appendVarintField(b, 10, protowire.EncodeZigZag(int64(t.Producer)))
	return b
}

func encodeOp(op *OpDef) []byte {
	var b []byte
	b = appendStringField(b, 1, op.Name)
	b = appendStringField(b, 2, op.Type)
	for _, in := range op.Inputs {
		b = appendStringField(b, 3, in)
	}
	for _, out := range op.Outputs {
		b = appendStringField(b, 4, out)
	}
	for _, arg := range op.Args {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeArg(arg))
	}
	return b
}

func encodeArg(arg Argument) []byte {
	var b []byte
	b = appendStringField(b, 1, arg.Name)
	b = appendVarintField(b, 2, uint64(arg.Kind))
	switch arg.Kind {
	case ArgInt:
		b = appendVarintField(b, 3, uint64(arg.Int))
	case ArgFloat:
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(arg.Float))
	case ArgString:
		b = appendStringField(b, 5, arg.Str)
	case ArgInts:
		b = appendPackedInts(b, 6, arg.Ints)
	case ArgFloats:
		var packed []byte
		for _, f := range arg.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func encodeIO(io IOInfo) []byte {
	var b []byte
	b = appendStringField(b, 1, io.Name)
	b = appendVarintField(b, 2, uint64(io.DType))
	b = appendPackedInts(b, 3, dimsToInt64(io.Dimensions))
	b = appendVarintField(b, 4, uint64(io.Layout))
	return b
}

// fieldVisitor is called for each field of a message with the raw value: for varint and fixed
// types v holds the number, for bytes types data holds the payload.
type fieldVisitor func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error

// walkMessage iterates over the fields of a message, skipping groups.
func walkMessage(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v uint64
		var data []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, typ, v, data); err != nil {
			return err
		}
	}
	return nil
}

// consumeInts decodes a repeated int64 field, either packed or a single unpacked element.
func consumeInts(typ protowire.Type, v uint64, data []byte, out []int64) ([]int64, error) {
	if typ == protowire.VarintType {
		return append(out, int64(v)), nil
	}
	for len(data) > 0 {
		x, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(x))
		data = data[n:]
	}
	return out, nil
}

func int64ToDims(values []int64) []int {
	dims := make([]int, len(values))
	for i, v := range values {
		dims[i] = int(v)
	}
	return dims
}

// Decode parses a serialized graph.
//
// It returns an InvalidArgument error if the data is malformed or if it was written by a newer
// major version of the format.
func Decode(data []byte) (*Graph, error) {
	g := New("")
	g.MajorVersion, g.MinorVersion = 0, 0
	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) error {
		switch num {
		case 1:
			g.MajorVersion = int(v)
			if g.MajorVersion > MajorVersion {
				return status.Errorf(status.InvalidArgument, "graph format version %d is newer than the supported version %d",
					g.MajorVersion, MajorVersion)
			}
		case 2:
			g.MinorVersion = int(v)
		case 3:
			t, err := decodeTensor(payload)
			if err != nil {
				return err
			}
			g.AddTensor(t)
		case 4:
			op, err := decodeOp(payload)
			if err != nil {
				return err
			}
			g.Ops = append(g.Ops, op)
		case 5, 6:
			io, err := decodeIO(payload)
			if err != nil {
				return err
			}
			if num == 5 {
				g.Inputs = append(g.Inputs, io)
			} else {
				g.Outputs = append(g.Outputs, io)
			}
		case 7:
			g.Name = string(payload)
		}
		return nil
	})
	if err != nil {
		if status.CodeOf(err) == status.Unknown {
			err = status.Wrapf(err, status.InvalidArgument, "failed to decode graph")
		}
		return nil, err
	}
	if g.MajorVersion == 0 {
		return nil, status.Errorf(status.InvalidArgument, "failed to decode graph: missing format version")
	}
	return g, nil
}

func decodeTensor(b []byte) (*TensorInfo, error) {
	t := &TensorInfo{Producer: NoProducer}
	var dims []int64
	var hasDims, hasQuant bool
	var quant dtypes.QuantParams
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) (err error) {
		switch num {
		case 1:
			t.Name = string(data)
		case 2:
			t.DType = dtypes.DType(v)
		case 3:
			dims, err = consumeInts(typ, v, data, dims)
		case 4:
			t.Layout = layouts.Layout(v)
		case 5:
			t.Constant = protowire.DecodeBool(v)
		case 6:
			t.Offset = int64(v)
		case 7:
			t.Length = int64(v)
		case 8:
			quant.Scale = math.Float32frombits(uint32(v))
		case 9:
			quant.ZeroPoint = int32(protowire.DecodeZigZag(v))
		case 10:
			t.Producer = int(protowire.DecodeZigZag(v))
		case 11:
			hasQuant = protowire.DecodeBool(v)
		case 12:
			hasDims = protowire.DecodeBool(v)
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "tensor")
	}
	if hasDims || len(dims) > 0 {
		t.Dimensions = int64ToDims(dims)
	}
	if hasQuant {
		t.Quant = &quant
	}
	if t.Name == "" {
		return nil, status.Errorf(status.InvalidArgument, "failed to decode graph: tensor without a name")
	}
	return t, nil
}

func decodeOp(b []byte) (*OpDef, error) {
	op := &OpDef{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch num {
		case 1:
			op.Name = string(data)
		case 2:
			op.Type = string(data)
		case 3:
			op.Inputs = append(op.Inputs, string(data))
		case 4:
			op.Outputs = append(op.Outputs, string(data))
		case 5:
			arg, err := decodeArg(data)
			if err != nil {
				return err
			}
			op.Args = append(op.Args, arg)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "op %q", op.Name)
	}
	return op, nil
}

func decodeArg(b []byte) (Argument, error) {
	var arg Argument
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) (err error) {
		switch num {
		case 1:
			arg.Name = string(data)
		case 2:
			arg.Kind = ArgKind(v)
		case 3:
			arg.Int = int64(v)
		case 4:
			arg.Float = math.Float32frombits(uint32(v))
		case 5:
			arg.Str = string(data)
		case 6:
			arg.Ints, err = consumeInts(typ, v, data, arg.Ints)
		case 7:
			if typ == protowire.Fixed32Type {
				arg.Floats = append(arg.Floats, math.Float32frombits(uint32(v)))
				return nil
			}
			for len(data) > 0 {
				x, n := protowire.ConsumeFixed32(data)
				if n < 0 {
					return protowire.ParseError(n)
				}
				arg.Floats = append(arg.Floats, math.Float32frombits(x))
				data = data[n:]
			}
		}
		return err
	})
	if err != nil {
		return arg, errors.WithMessagef(err, "attribute %q", arg.Name)
	}
	return arg, nil
}

func decodeIO(b []byte) (IOInfo, error) {
	var io IOInfo
	var dims []int64
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) (err error) {
		switch num {
		case 1:
			io.Name = string(data)
		case 2:
			io.DType = dtypes.DType(v)
		case 3:
			dims, err = consumeInts(typ, v, data, dims)
		case 4:
			io.Layout = layouts.Layout(v)
		}
		return err
	})
	if err != nil {
		return io, errors.WithMessagef(err, "input/output %q", io.Name)
	}
	io.Dimensions = int64ToDims(dims)
	return io, nil
}
