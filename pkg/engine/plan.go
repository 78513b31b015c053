// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/gomlx/edgeinfer/pkg/ops"
	"k8s.io/klog/v2"
)

// placement is where and how a tensor is stored. Rank-4 tensors without layout count as NHWC.
type placement struct {
	device backends.DeviceType
	layout layouts.Layout
	dtype  dtypes.DType
}

func (p placement) String() string {
	return fmt.Sprintf("%s/%s/%s", p.device, p.layout, p.dtype)
}

// slot is one tensor of the workspace.
type slot struct {
	placement
	tensor *tensors.Tensor

	// static values are known at creation: constants, and results computed only from constants.
	static bool
}

// node is one operator bound to its kernel.
type node struct {
	def     *graph.OpDef
	spec    *ops.KernelSpec
	backend backends.Backend
	op      ops.Operator
	ctx     *ops.Context

	// inputs and outputs are workspace indices. Missing optional inputs are -1.
	inputs, outputs []int

	synthetic, static bool
}

// String implements fmt.Stringer.
func (n *node) String() string {
	return fmt.Sprintf("%s %q on %s", n.def.Type, n.def.Name, n.backend.Device())
}

// normalizedLayout maps rank-4 tensors without layout to NHWC.
func normalizedLayout(layout layouts.Layout, rank int) layouts.Layout {
	if layout == layouts.None && rank == 4 {
		return layouts.NHWC
	}
	return layout
}

type conversionKey struct {
	src  int
	want placement
}

// planner materializes the graph of an Engine: it binds each op to a kernel, and inserts the
// conversions needed to bring each input to the placement the kernel expects.
type planner struct {
	e *Engine

	// values maps graph tensor names to the workspace slot holding them as produced.
	values map[string]int

	// conversions memoizes the converted versions of slots, so each is converted only once.
	conversions map[conversionKey]int

	// nodes in materialization order.
	nodes        []*node
	numSynthetic int
}

func newPlanner(e *Engine) *planner {
	return &planner{
		e:           e,
		values:      make(map[string]int),
		conversions: make(map[conversionKey]int),
	}
}

func (p *planner) addSlot(t *tensors.Tensor, static bool) int {
	shape := t.Shape()
	p.e.workspace = append(p.e.workspace, slot{
		placement: placement{device: t.Device(), layout: normalizedLayout(t.Layout(), shape.Rank()), dtype: shape.DType},
		tensor:    t,
		static:    static,
	})
	return len(p.e.workspace) - 1
}

// plan builds the workspace and the execution order of the Engine.
func (p *planner) plan() error {
	e := p.e
	for i := range e.inputs {
		info := e.inputs[i].info
		shape := shapes.Make(info.DType, info.Dimensions...)
		t, err := e.newTensor(info.Name, backends.CPU, shape, normalizedLayout(info.Layout, shape.Rank()))
		if err != nil {
			return err
		}
		if declared, found := e.graph.Tensor(info.Name); found && declared.Quant != nil {
			if err := t.SetQuantization(*declared.Quant); err != nil {
				return err
			}
		}
		e.inputs[i].slot = p.addSlot(t, false)
		p.values[info.Name] = e.inputs[i].slot
	}
	for pair := e.graph.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Constant {
			if err := p.constant(pair.Value); err != nil {
				return err
			}
		}
	}

	order, err := graph.TopologicalOrder(e.graph)
	if err != nil {
		return err
	}
	for _, opIdx := range order {
		if err := p.materialize(e.graph.Ops[opIdx]); err != nil {
			return err
		}
	}

	for i := range e.outputs {
		info := e.outputs[i].info
		src, found := p.values[info.Name]
		if !found {
			return status.Errorf(status.InvalidArgument, "graph output %q is not computed", info.Name)
		}
		rank := len(info.Dimensions)
		if rank == 0 {
			rank = e.workspace[src].tensor.Shape().Rank()
		}
		want := placement{device: backends.CPU, layout: normalizedLayout(info.Layout, rank), dtype: info.DType}
		idx, err := p.place(src, want)
		if err != nil {
			return status.Wrapf(err, status.CodeOf(err), "graph output %q", info.Name)
		}
		if got := e.workspace[idx].tensor.Shape(); len(info.Dimensions) > 0 && !slices.Equal(got.Dimensions, info.Dimensions) {
			return status.Errorf(status.InvalidArgument, "graph output %q is declared %v, but the model computes %s",
				info.Name, info.Dimensions, got)
		}
		e.outputs[i].slot = idx
	}
	return p.order()
}

// constant binds a constant of the weights region: in place if it is aligned for the CPU,
// otherwise copied.
func (p *planner) constant(info *graph.TensorInfo) error {
	if info.Dimensions == nil {
		return status.Errorf(status.InvalidArgument, "constant %q has no dimensions", info.Name)
	}
	shape := shapes.Make(info.DType, info.Dimensions...)
	layout := normalizedLayout(info.Layout, shape.Rank())
	data, err := p.e.arena.Slice(info.Offset, info.Length)
	if err != nil {
		return err
	}
	cpuBackend, err := p.e.backend(backends.CPU)
	if err != nil {
		return err
	}
	var t *tensors.Tensor
	if memory.IsAligned(data, cpuBackend.Capabilities().Alignment) {
		if t, err = tensors.Borrow(info.Name, shape, layout, backends.CPU, memory.Wrap(data)); err != nil {
			return err
		}
		p.e.pushCleanup(t.Finalize)
		p.e.stats.NumBorrowedConstants++
	} else {
		klog.V(1).Infof("engine %s: constant %q at offset %d is not aligned, copying it", p.e.id, info.Name, info.Offset)
		if t, err = p.e.newTensor(info.Name, backends.CPU, shape, layout); err != nil {
			return err
		}
		if err = t.MapForWrite(func(dst []byte) { copy(dst, data) }); err != nil {
			return err
		}
	}
	if info.Quant != nil {
		if err = t.SetQuantization(*info.Quant); err != nil {
			return err
		}
	}
	p.values[info.Name] = p.addSlot(t, true)
	return nil
}

// resolve selects the kernel of a graph op computing in baseDType. On the GPU, Float32 ops use the
// configured precision, unless they fall back to another device.
func (p *planner) resolve(opType string, baseDType dtypes.DType) (*ops.KernelSpec, dtypes.DType, error) {
	device := p.e.cfg.Device
	dtype := baseDType
	if device == backends.GPU && dtype == dtypes.Float32 {
		dtype = p.e.cfg.GPUPrecision
	}
	spec, err := ops.Resolve(opType, device, dtype)
	if err != nil && dtype != baseDType {
		dtype = baseDType
		spec, err = ops.Resolve(opType, device, dtype)
	}
	if err != nil {
		return nil, dtypes.InvalidDType, err
	}
	if spec.Device != device && dtype != baseDType {
		dtype = baseDType
		if spec, err = ops.Lookup(opType, spec.Device, dtype); err != nil {
			return nil, dtypes.InvalidDType, err
		}
	}
	return spec, dtype, nil
}

// wantLayout returns the layout a kernel working in kernelLayout expects for the input in s.
func wantLayout(kernelLayout layouts.Layout, s slot) layouts.Layout {
	rank := s.tensor.Shape().Rank()
	switch {
	case kernelLayout == layouts.Image:
		return layouts.Image
	case rank == 4 && (kernelLayout == layouts.NHWC || kernelLayout == layouts.NCHW):
		return kernelLayout
	case s.layout == layouts.Image:
		return normalizedLayout(layouts.None, rank)
	}
	return s.layout
}

// materialize binds a graph op to its kernel, converting its inputs as needed.
func (p *planner) materialize(def *graph.OpDef) error {
	e := p.e
	sources := make([]int, len(def.Inputs))
	baseDType := dtypes.InvalidDType
	for i, name := range def.Inputs {
		sources[i] = -1
		if name == "" {
			continue
		}
		idx, found := p.values[name]
		if !found {
			return status.Errorf(status.InvalidArgument, "%s %q: input %q has no value", def.Type, def.Name, name)
		}
		sources[i] = idx
		if baseDType == dtypes.InvalidDType {
			baseDType = e.workspace[idx].dtype
		}
	}
	baseDType, err := def.DType(baseDType)
	if err != nil {
		return err
	}
	spec, dtype, err := p.resolve(def.Type, baseDType)
	if err != nil {
		return status.Wrapf(err, status.CodeOf(err), "%s %q", def.Type, def.Name)
	}
	backend, err := e.backend(spec.Device)
	if err != nil {
		return err
	}

	inputs := make([]*tensors.Tensor, len(sources))
	static := len(def.Inputs) > 0
	for i, src := range sources {
		if src < 0 {
			continue
		}
		want := placement{device: spec.Device, layout: wantLayout(spec.Layout, e.workspace[src]), dtype: dtype}
		idx, err := p.place(src, want)
		if err != nil {
			return status.Wrapf(err, status.CodeOf(err), "%s %q: input %q", def.Type, def.Name, def.Inputs[i])
		}
		sources[i] = idx
		inputs[i] = e.workspace[idx].tensor
		static = static && e.workspace[idx].static
	}
	n, err := p.addNode(def, spec, backend, inputs, sources, static, false)
	if err != nil {
		return err
	}
	for i, name := range def.Outputs {
		p.values[name] = n.outputs[i]
	}
	return nil
}

// place returns the slot holding the value of slot src in the placement want, inserting the
// conversion chain on first use:
//
//	ImageToBuffer -> Transfer to CPU -> Transpose -> Cast -> Transfer to device -> BufferToImage
//
// Only the needed steps are inserted. Transposes and casts run on the CPU.
func (p *planner) place(src int, want placement) (int, error) {
	ws := func(idx int) slot { return p.e.workspace[idx] }
	if ws(src).placement == want {
		return src, nil
	}
	key := conversionKey{src: src, want: want}
	if idx, found := p.conversions[key]; found {
		return idx, nil
	}

	rank := ws(src).tensor.Shape().Rank()
	dense := want.layout
	if dense == layouts.Image {
		dense = normalizedLayout(layouts.None, rank)
	}
	cur := src
	var err error
	if ws(cur).layout == layouts.Image {
		if cur, err = p.convert(cur, ops.OpImageToBuffer, ws(cur).device); err != nil {
			return 0, err
		}
	}
	needTranspose := ws(cur).layout != dense
	needCast := ws(cur).dtype != want.dtype
	if ws(cur).device != backends.CPU && (needTranspose || needCast || ws(cur).device != want.device) {
		if cur, err = p.convert(cur, ops.OpTransfer, backends.CPU, graph.StringArg(ops.ArgDevice, backends.CPU.String())); err != nil {
			return 0, err
		}
	}
	if needTranspose {
		perm, err := layouts.Permutation(ws(cur).layout, dense)
		if err != nil {
			return 0, err
		}
		dims := make([]int64, len(perm))
		for i, axis := range perm {
			dims[i] = int64(axis)
		}
		cur, err = p.convert(cur, ops.OpTranspose, backends.CPU,
			graph.IntsArg(ops.ArgDims, dims...), graph.StringArg(ops.ArgLayout, dense.String()))
		if err != nil {
			return 0, err
		}
	}
	if needCast {
		if cur, err = p.convert(cur, ops.OpCast, backends.CPU, graph.DTypeArg(want.dtype)); err != nil {
			return 0, err
		}
	}
	if ws(cur).device != want.device {
		if cur, err = p.convert(cur, ops.OpTransfer, backends.CPU, graph.StringArg(ops.ArgDevice, want.device.String())); err != nil {
			return 0, err
		}
	}
	if want.layout == layouts.Image {
		if cur, err = p.convert(cur, ops.OpBufferToImage, want.device); err != nil {
			return 0, err
		}
	}
	if got := ws(cur).placement; got != want {
		return 0, status.Errorf(status.Unsupported, "can't convert %q from %s to %s, got %s",
			ws(src).tensor.Name(), ws(src).placement, want, got)
	}
	p.conversions[key] = cur
	return cur, nil
}

// convert inserts a synthetic op reading slot src, executed on device, and returns its output slot.
func (p *planner) convert(src int, opType string, device backends.DeviceType, args ...graph.Argument) (int, error) {
	s := p.e.workspace[src]
	p.numSynthetic++
	name := fmt.Sprintf("%s/%s_%d", s.tensor.Name(), opType, p.numSynthetic)
	def := &graph.OpDef{
		Name:    name,
		Type:    opType,
		Inputs:  []string{s.tensor.Name()},
		Outputs: []string{name},
		Args:    args,
	}
	spec, err := ops.Lookup(opType, device, s.dtype)
	if err != nil {
		return 0, err
	}
	backend, err := p.e.backend(device)
	if err != nil {
		return 0, err
	}
	n, err := p.addNode(def, spec, backend, []*tensors.Tensor{s.tensor}, []int{src}, s.static, true)
	if err != nil {
		return 0, err
	}
	klog.V(2).Infof("engine %s: inserted %s", p.e.id, def)
	return n.outputs[0], nil
}

// addNode initializes the operator of def and registers its outputs in the workspace.
// Static nodes are executed right away.
func (p *planner) addNode(def *graph.OpDef, spec *ops.KernelSpec, backend backends.Backend,
	inputs []*tensors.Tensor, inputSlots []int, static, synthetic bool) (*node, error) {
	ctx := ops.NewContext(def, backend, spec.Layout, inputs...)
	ctx.Allocate = func(idx int, device backends.DeviceType, shape shapes.Shape, layout layouts.Layout) (*tensors.Tensor, error) {
		return p.e.newTensor(def.Outputs[idx], device, shape, layout)
	}
	op := spec.Factory()
	if err := op.Init(ctx); err != nil {
		return nil, status.Wrapf(err, status.CodeOf(err), "initializing %s %q on %s", def.Type, def.Name, backend.Device())
	}
	n := &node{
		def:       def,
		spec:      spec,
		backend:   backend,
		op:        op,
		ctx:       ctx,
		inputs:    inputSlots,
		synthetic: synthetic,
		static:    static,
	}
	for i, t := range ctx.Outputs {
		if t == nil {
			return nil, status.Errorf(status.InvalidArgument, "%s didn't create its output #%d", n, i)
		}
		n.outputs = append(n.outputs, p.addSlot(t, static))
	}
	if static {
		if err := runNode(n, nil); err != nil {
			return nil, err
		}
		if err := backend.Synchronize(); err != nil {
			return nil, status.Wrapf(err, status.CodeOf(err), "computing %s at creation", n)
		}
	}
	p.nodes = append(p.nodes, n)
	return n, nil
}

// order sorts the nodes, synthetic ones included, in topological order of their workspace
// dependencies, and keeps the non-static ones as the Engine's execution list.
func (p *planner) order() error {
	expanded := graph.New(p.e.graph.Name)
	slotNames := func(slots []int) []string {
		names := make([]string, 0, len(slots))
		for _, idx := range slots {
			if idx >= 0 {
				names = append(names, fmt.Sprintf("#%d", idx))
			}
		}
		return names
	}
	for _, n := range p.nodes {
		expanded.AddOp(n.def.Type, n.def.Name, slotNames(n.inputs), slotNames(n.outputs))
	}
	order, err := graph.TopologicalOrder(expanded)
	if err != nil {
		return err
	}
	e := p.e
	for _, idx := range order {
		n := p.nodes[idx]
		if n.static {
			e.stats.NumStaticOps++
			continue
		}
		e.nodes = append(e.nodes, n)
		if n.synthetic {
			e.stats.NumSyntheticOps++
		}
	}
	e.stats.NumOps = len(e.nodes)
	return nil
}
