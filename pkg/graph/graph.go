// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the model representation consumed by the engine: a table of named tensors
// and an ordered list of operator definitions, plus the graph inputs and outputs.
//
// A Graph is usually obtained by decoding its serialized form (see Decode), but it can also be built
// programmatically:
//
//	g := graph.New("upscale")
//	g.AddInput("input", dtypes.Float32, layouts.NHWC, 1, 1, 2, 16)
//	g.AddOp("DepthToSpace", "d2s", []string{"input"}, []string{"output"}, graph.IntArg("block_size", 2))
//	g.AddOutput("output", dtypes.Float32, layouts.NHWC, 1, 2, 4, 4)
//
// The graph is immutable once handed to the engine.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Versions of the serialized format written by Encode. Decode accepts any minor version of the
// same major version.
const (
	MajorVersion = 1
	MinorVersion = 2
)

// NoProducer is the TensorInfo.Producer of tensors not created by an operator.
const NoProducer = -1

// TensorInfo is the metadata of one named tensor of the graph.
type TensorInfo struct {
	Name  string
	DType dtypes.DType

	// Dimensions in the order of Layout. Nil means they are inferred from the producer.
	Dimensions []int
	Layout     layouts.Layout

	// Constant tensors are read from the weights region at [Offset, Offset+Length).
	Constant       bool
	Offset, Length int64

	// Quant holds the quantization parameters of Uint8 tensors.
	Quant *dtypes.QuantParams

	// Producer is the index in Graph.Ops of the operator that outputs the tensor, or NoProducer.
	Producer int
}

// String implements fmt.Stringer.
func (t *TensorInfo) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%q (%s)%v %s", t.Name, t.DType, t.Dimensions, t.Layout))
	if t.Constant {
		parts = append(parts, fmt.Sprintf("const@[%d:%d]", t.Offset, t.Offset+t.Length))
	}
	if t.Quant != nil {
		parts = append(parts, t.Quant.String())
	}
	return strings.Join(parts, ", ")
}

// validate checks the declared dtype and dimensions, when given.
func (t *TensorInfo) validate() error {
	if t.Dimensions == nil && t.DType == dtypes.InvalidDType && !t.Constant {
		return nil
	}
	var err error
	if t.Dimensions == nil {
		if !t.DType.IsSupported() {
			err = status.Errorf(status.InvalidArgument, "unsupported dtype %s", t.DType)
		}
	} else {
		err = shapes.Shape{DType: t.DType, Dimensions: t.Dimensions}.Validate()
	}
	if err != nil {
		return status.Wrapf(err, status.InvalidArgument, "tensor %q", t.Name)
	}
	return nil
}

// IOInfo describes a graph input or output as declared by the model.
type IOInfo struct {
	Name       string
	DType      dtypes.DType
	Dimensions []int
	Layout     layouts.Layout
}

// String implements fmt.Stringer.
func (io IOInfo) String() string {
	return fmt.Sprintf("%q (%s)%v %s", io.Name, io.DType, io.Dimensions, io.Layout)
}

func (io IOInfo) validate() error {
	if err := (shapes.Shape{DType: io.DType, Dimensions: io.Dimensions}).Validate(); err != nil {
		return status.Wrapf(err, status.InvalidArgument, "graph input or output %q", io.Name)
	}
	return nil
}

// Graph is a computation graph: tensors are referred to by name from the operator definitions.
type Graph struct {
	// Name of the model, informative only.
	Name string

	// MajorVersion and MinorVersion of the serialized form this graph was decoded from.
	MajorVersion, MinorVersion int

	// Tensors indexed by name, in declaration order.
	Tensors *orderedmap.OrderedMap[string, *TensorInfo]

	// Ops in serialized order. Execution order is given by TopologicalOrder.
	Ops []*OpDef

	Inputs, Outputs []IOInfo
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:         name,
		MajorVersion: MajorVersion,
		MinorVersion: MinorVersion,
		Tensors:      orderedmap.New[string, *TensorInfo](),
	}
}

// Tensor returns the metadata of the named tensor.
func (g *Graph) Tensor(name string) (*TensorInfo, bool) {
	return g.Tensors.Get(name)
}

// TensorNames returns the tensor names in declaration order.
func (g *Graph) TensorNames() []string {
	names := make([]string, 0, g.Tensors.Len())
	for pair := g.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// AddTensor declares a tensor, replacing any previous declaration with the same name.
func (g *Graph) AddTensor(info *TensorInfo) *TensorInfo {
	g.Tensors.Set(info.Name, info)
	return info
}

// tensorOrNew returns the named tensor, declaring it with inferred dtype and dimensions if needed.
func (g *Graph) tensorOrNew(name string) *TensorInfo {
	if info, found := g.Tensors.Get(name); found {
		return info
	}
	return g.AddTensor(&TensorInfo{Name: name, Producer: NoProducer})
}

// AddInput declares a graph input and its tensor.
func (g *Graph) AddInput(name string, dtype dtypes.DType, layout layouts.Layout, dimensions ...int) {
	dims := slices.Clone(dimensions)
	g.Inputs = append(g.Inputs, IOInfo{Name: name, DType: dtype, Dimensions: dims, Layout: layout})
	g.AddTensor(&TensorInfo{Name: name, DType: dtype, Dimensions: dims, Layout: layout, Producer: NoProducer})
}

// AddOutput declares a graph output. The tensor itself must be produced by some operator.
func (g *Graph) AddOutput(name string, dtype dtypes.DType, layout layouts.Layout, dimensions ...int) {
	g.Outputs = append(g.Outputs, IOInfo{Name: name, DType: dtype, Dimensions: slices.Clone(dimensions), Layout: layout})
	info := g.tensorOrNew(name)
	if info.DType == dtypes.InvalidDType {
		info.DType = dtype
	}
	if info.Layout == layouts.None {
		info.Layout = layout
	}
}

// AddConstant declares a constant tensor stored in the weights region at [offset, offset+length).
func (g *Graph) AddConstant(name string, dtype dtypes.DType, layout layouts.Layout, offset, length int64, dimensions ...int) *TensorInfo {
	return g.AddTensor(&TensorInfo{
		Name: name, DType: dtype, Dimensions: slices.Clone(dimensions), Layout: layout,
		Constant: true, Offset: offset, Length: length, Producer: NoProducer,
	})
}

// AddOp appends an operator definition and records it as the producer of its outputs.
func (g *Graph) AddOp(opType, name string, inputs, outputs []string, args ...Argument) *OpDef {
	op := &OpDef{
		Name:    name,
		Type:    opType,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Args:    slices.Clone(args),
	}
	idx := len(g.Ops)
	g.Ops = append(g.Ops, op)
	for _, output := range outputs {
		g.tensorOrNew(output).Producer = idx
	}
	return op
}

// Input returns the declared input with the given name.
func (g *Graph) Input(name string) (IOInfo, bool) {
	idx := slices.IndexFunc(g.Inputs, func(io IOInfo) bool { return io.Name == name })
	if idx < 0 {
		return IOInfo{}, false
	}
	return g.Inputs[idx], true
}

// Output returns the declared output with the given name.
func (g *Graph) Output(name string) (IOInfo, bool) {
	idx := slices.IndexFunc(g.Outputs, func(io IOInfo) bool { return io.Name == name })
	if idx < 0 {
		return IOInfo{}, false
	}
	return g.Outputs[idx], true
}

// String returns a multi-line description of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q (v%d.%d): %d tensors, %d ops\n", g.Name, g.MajorVersion, g.MinorVersion, g.Tensors.Len(), len(g.Ops))
	for _, in := range g.Inputs {
		_, _ = fmt.Fprintf(&sb, "  input  %s\n", in)
	}
	for idx, op := range g.Ops {
		_, _ = fmt.Fprintf(&sb, "  #%03d   %s\n", idx, op)
	}
	for _, out := range g.Outputs {
		_, _ = fmt.Fprintf(&sb, "  output %s\n", out)
	}
	return sb.String()
}

// ConsumersOf returns, for each tensor name, the indices of the ops reading it, in op order.
func (g *Graph) ConsumersOf() map[string][]int {
	consumers := make(map[string][]int)
	for idx, op := range g.Ops {
		for _, input := range op.Inputs {
			if input == "" {
				continue
			}
			if list := consumers[input]; len(list) == 0 || list[len(list)-1] != idx {
				consumers[input] = append(list, idx)
			}
		}
	}
	return consumers
}

// Validate checks the graph is well-formed for a weights region of arenaSize bytes:
//
//   - every tensor read by an op or declared as output is produced by exactly one op,
//     is a declared graph input, or is a constant inside the weights region;
//   - constants are not produced by any op, and inputs are not produced either;
//   - the serialized producer indices, if set, agree with the op definitions;
//   - declared dtypes are supported, and declared dimensions are non-negative with a supported rank.
//
// It returns an InvalidArgument error describing the first problem found.
func (g *Graph) Validate(arenaSize int64) error {
	producers := make(map[string][]int)
	for idx, op := range g.Ops {
		if op.Type == "" {
			return status.Errorf(status.InvalidArgument, "op #%d (%q) has no type", idx, op.Name)
		}
		for _, output := range op.Outputs {
			producers[output] = append(producers[output], idx)
		}
	}
	for _, io := range slices.Concat(g.Inputs, g.Outputs) {
		if err := io.validate(); err != nil {
			return err
		}
	}
	for _, in := range g.Inputs {
		if _, found := g.Tensors.Get(in.Name); !found {
			return status.Errorf(status.InvalidArgument, "graph input %q has no tensor declaration", in.Name)
		}
		if p := producers[in.Name]; len(p) > 0 {
			return status.Errorf(status.InvalidArgument, "graph input %q is also produced by op #%d (%q)", in.Name, p[0], g.Ops[p[0]].Name)
		}
	}
	for pair := g.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		name, info := pair.Key, pair.Value
		if err := info.validate(); err != nil {
			return err
		}
		p := producers[name]
		if len(p) > 1 {
			return status.Errorf(status.InvalidArgument, "tensor %q is produced by %d ops (#%d and #%d)", name, len(p), p[0], p[1])
		}
		if info.Constant {
			if len(p) > 0 {
				return status.Errorf(status.InvalidArgument, "constant tensor %q is produced by op #%d", name, p[0])
			}
			if info.Offset < 0 || info.Length < 0 || info.Offset+info.Length > arenaSize {
				return status.Errorf(status.InvalidArgument, "constant tensor %q range [%d, %d) is outside the weights region of %d bytes",
					name, info.Offset, info.Offset+info.Length, arenaSize)
			}
			if info.Dimensions != nil && info.DType.IsSupported() {
				if want := int64(info.DType.SizeForDimensions(info.Dimensions...)); want != info.Length {
					return status.Errorf(status.InvalidArgument, "constant tensor %q %s%v needs %d bytes, its range has %d",
						name, info.DType, info.Dimensions, want, info.Length)
				}
			}
		}
		if info.Producer != NoProducer && (len(p) == 0 || p[0] != info.Producer) {
			return status.Errorf(status.InvalidArgument, "tensor %q declares producer #%d, but ops say %v", name, info.Producer, p)
		}
	}
	isInput := func(name string) bool {
		_, found := g.Input(name)
		return found
	}
	check := func(name, usage string) error {
		info, found := g.Tensors.Get(name)
		if !found {
			return status.Errorf(status.InvalidArgument, "%s: tensor %q is not declared", usage, name)
		}
		if len(producers[name]) == 1 || isInput(name) || info.Constant {
			return nil
		}
		return status.Errorf(status.InvalidArgument, "%s: tensor %q is neither produced by an op, a graph input nor a constant", usage, name)
	}
	for idx, op := range g.Ops {
		for _, input := range op.Inputs {
			if input == "" {
				// Optional inputs are left empty.
				continue
			}
			if err := check(input, fmt.Sprintf("op #%d (%q)", idx, op.Name)); err != nil {
				return err
			}
		}
	}
	for _, out := range g.Outputs {
		if err := check(out.Name, "graph output"); err != nil {
			return err
		}
	}
	return nil
}
