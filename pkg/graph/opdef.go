// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// ArgKind is the type of an operator attribute.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgFloat
	ArgString
	ArgInts
	ArgFloats
)

var argKindNames = []string{"INT", "FLOAT", "STRING", "INTS", "FLOATS"}

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	if k < 0 || int(k) >= len(argKindNames) {
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
	return argKindNames[k]
}

// Argument is a named, typed operator attribute. Only the field matching Kind is meaningful.
type Argument struct {
	Name   string
	Kind   ArgKind
	Int    int64
	Float  float32
	Str    string
	Ints   []int64
	Floats []float32
}

// DTypeArgName is the attribute holding the dtype that selects the kernel specialization.
const DTypeArgName = "T"

// IntArg creates an integer attribute.
func IntArg(name string, value int64) Argument {
	return Argument{Name: name, Kind: ArgInt, Int: value}
}

// FloatArg creates a float attribute.
func FloatArg(name string, value float32) Argument {
	return Argument{Name: name, Kind: ArgFloat, Float: value}
}

// StringArg creates a string attribute.
func StringArg(name, value string) Argument {
	return Argument{Name: name, Kind: ArgString, Str: value}
}

// IntsArg creates an int-list attribute.
func IntsArg(name string, values ...int64) Argument {
	return Argument{Name: name, Kind: ArgInts, Ints: slices.Clone(values)}
}

// FloatsArg creates a float-list attribute.
func FloatsArg(name string, values ...float32) Argument {
	return Argument{Name: name, Kind: ArgFloats, Floats: slices.Clone(values)}
}

// DTypeArg creates the "T" attribute.
func DTypeArg(dtype dtypes.DType) Argument {
	return IntArg(DTypeArgName, int64(dtype))
}

// String implements fmt.Stringer.
func (a Argument) String() string {
	switch a.Kind {
	case ArgInt:
		if a.Name == DTypeArgName {
			return fmt.Sprintf("%s=%s", a.Name, dtypes.DType(a.Int))
		}
		return fmt.Sprintf("%s=%d", a.Name, a.Int)
	case ArgFloat:
		return fmt.Sprintf("%s=%g", a.Name, a.Float)
	case ArgString:
		return fmt.Sprintf("%s=%q", a.Name, a.Str)
	case ArgInts:
		return fmt.Sprintf("%s=%v", a.Name, a.Ints)
	case ArgFloats:
		return fmt.Sprintf("%s=%v", a.Name, a.Floats)
	}
	return fmt.Sprintf("%s=<%s>", a.Name, a.Kind)
}

// OpDef is the definition of one operator node: its type selects the kernel, inputs and outputs
// are tensor names of the graph.
type OpDef struct {
	Name    string
	Type    string
	Inputs  []string
	Outputs []string
	Args    []Argument
}

// String implements fmt.Stringer.
func (op *OpDef) String() string {
	args := make([]string, len(op.Args))
	for i, arg := range op.Args {
		args[i] = arg.String()
	}
	return fmt.Sprintf("%s %q(%s) -> %s {%s}", op.Type, op.Name,
		strings.Join(op.Inputs, ", "), strings.Join(op.Outputs, ", "), strings.Join(args, ", "))
}

// Clone returns a deep copy of the definition.
func (op *OpDef) Clone() *OpDef {
	c := &OpDef{
		Name:    op.Name,
		Type:    op.Type,
		Inputs:  slices.Clone(op.Inputs),
		Outputs: slices.Clone(op.Outputs),
		Args:    make([]Argument, len(op.Args)),
	}
	for i, arg := range op.Args {
		arg.Ints = slices.Clone(arg.Ints)
		arg.Floats = slices.Clone(arg.Floats)
		c.Args[i] = arg
	}
	return c
}

// Arg returns the named attribute.
func (op *OpDef) Arg(name string) (Argument, bool) {
	for _, arg := range op.Args {
		if arg.Name == name {
			return arg, true
		}
	}
	return Argument{}, false
}

// SetArg sets (or replaces) an attribute.
func (op *OpDef) SetArg(arg Argument) {
	for i := range op.Args {
		if op.Args[i].Name == arg.Name {
			op.Args[i] = arg
			return
		}
	}
	op.Args = append(op.Args, arg)
}

func (op *OpDef) argOfKind(name string, kind ArgKind) (Argument, bool, error) {
	arg, found := op.Arg(name)
	if !found {
		return arg, false, nil
	}
	if arg.Kind != kind {
		return arg, true, status.Errorf(status.InvalidArgument, "op %q (%s): attribute %q is %s, expected %s",
			op.Name, op.Type, name, arg.Kind, kind)
	}
	return arg, true, nil
}

// IntArg returns the integer attribute, or defaultValue if it is not set.
// It returns an InvalidArgument error if the attribute has another kind.
func (op *OpDef) IntArg(name string, defaultValue int64) (int64, error) {
	arg, found, err := op.argOfKind(name, ArgInt)
	if err != nil || !found {
		return defaultValue, err
	}
	return arg.Int, nil
}

// FloatArg returns the float attribute, or defaultValue if it is not set.
func (op *OpDef) FloatArg(name string, defaultValue float32) (float32, error) {
	arg, found, err := op.argOfKind(name, ArgFloat)
	if err != nil || !found {
		return defaultValue, err
	}
	return arg.Float, nil
}

// StringArg returns the string attribute, or defaultValue if it is not set.
func (op *OpDef) StringArg(name, defaultValue string) (string, error) {
	arg, found, err := op.argOfKind(name, ArgString)
	if err != nil || !found {
		return defaultValue, err
	}
	return arg.Str, nil
}

// IntsArg returns the int-list attribute, or nil if it is not set.
func (op *OpDef) IntsArg(name string) ([]int64, error) {
	arg, _, err := op.argOfKind(name, ArgInts)
	return arg.Ints, err
}

// DType returns the dtype held in the "T" attribute, or defaultDType if not set.
func (op *OpDef) DType(defaultDType dtypes.DType) (dtypes.DType, error) {
	v, err := op.IntArg(DTypeArgName, int64(defaultDType))
	if err != nil {
		return defaultDType, err
	}
	dtype := dtypes.DType(v)
	if !dtype.IsSupported() {
		return defaultDType, status.Errorf(status.Unsupported, "op %q (%s): dtype %s is not supported", op.Name, op.Type, dtype)
	}
	return dtype, nil
}
