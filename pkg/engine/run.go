// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/convert"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// OpStats is the record of one operator execution in a RunMetadata.
type OpStats struct {
	Name, Type string
	Device     backends.DeviceType

	// Synthetic ops were inserted to convert tensors between placements.
	Synthetic bool

	// Latency includes waiting for the device to finish the op.
	Latency time.Duration

	// Summary of the shapes and layouts: e.g. "[1 1 2 16] NHWC -> [1 2 4 4] NHWC".
	Summary string
}

// RunMetadata collects per-op timings of a Run. Requesting it synchronizes the device after
// every op, which slows down asynchronous backends.
type RunMetadata struct {
	Ops     []OpStats
	Latency time.Duration
}

// Run executes the model:
//
//  1. every input of the Engine must be given, with the declared dimensions (in the declared
//     layout, or permuted if the tensor uses another dense layout) and a dtype convertible to
//     the declared one;
//  2. the inputs are converted to the graph dtype and layout;
//  3. the operators are executed in topological order, the first failure aborts the run;
//  4. the outputs are converted to the type and layout of the tensors in outputs. Nil entries, and
//     outputs of the Engine not in the map, are allocated on the host with the declared shape
//     and layout. outputs are only written if the whole graph succeeded.
//
// md, if not nil, is filled with per-op statistics.
//
// A BackendError leaves the Engine unusable: it must be destroyed and created again.
func (e *Engine) Run(inputs, outputs map[string]*tensors.Tensor, md *RunMetadata) error {
	latency, err := e.run(inputs, outputs, md)
	if err != nil {
		return err
	}
	e.muStats.Lock()
	e.stats.NumRuns++
	e.stats.LastRunLatency = latency
	e.stats.TotalRunLatency += latency
	e.muStats.Unlock()
	klog.V(1).Infof("engine %s: run in %s", e.id, latency)
	return nil
}

// Warmup is a Run whose latency is reported separately, in Stats().WarmupLatency. The first
// execution of a model is usually slower: programs are compiled and launches are tuned.
func (e *Engine) Warmup(inputs, outputs map[string]*tensors.Tensor) error {
	latency, err := e.run(inputs, outputs, nil)
	if err != nil {
		return err
	}
	e.muStats.Lock()
	e.stats.WarmupLatency = latency
	e.muStats.Unlock()
	klog.Infof("engine %s: warmup in %s", e.id, latency)
	return nil
}

func (e *Engine) run(inputs, outputs map[string]*tensors.Tensor, md *RunMetadata) (time.Duration, error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, status.Errorf(status.ConcurrentUse, "engine %s is already running", e.id)
	}
	defer e.running.Store(false)
	if e.destroyed {
		return 0, status.Errorf(status.InvalidArgument, "engine %s was destroyed", e.id)
	}
	if e.failed.Load() {
		return 0, status.Errorf(status.BackendError, "engine %s failed in a previous run, it must be created again", e.id)
	}
	if outputs == nil {
		return 0, status.Errorf(status.InvalidArgument, "engine %s: outputs map must not be nil", e.id)
	}
	start := time.Now()
	if md != nil {
		md.Ops = md.Ops[:0]
	}

	if err := e.loadInputs(inputs); err != nil {
		return 0, err
	}
	if err := e.schedule(md); err != nil {
		if status.Is(err, status.BackendError) {
			e.failed.Store(true)
			klog.Errorf("engine %s: %v", e.id, err)
		}
		return 0, err
	}
	if err := e.storeOutputs(outputs); err != nil {
		return 0, err
	}
	latency := time.Since(start)
	if md != nil {
		md.Latency = latency
	}
	return latency, nil
}

// loadInputs checks the caller inputs and copies them to the workspace.
func (e *Engine) loadInputs(inputs map[string]*tensors.Tensor) error {
	for name := range inputs {
		if !slices.ContainsFunc(e.inputs, func(b binding) bool { return b.info.Name == name }) {
			return status.Errorf(status.InvalidArgument, "engine %s: %q is not an input", e.id, name)
		}
	}
	for _, b := range e.inputs {
		src := inputs[b.info.Name]
		if src == nil {
			return status.Errorf(status.InvalidArgument, "engine %s: missing input %q", e.id, b.info.Name)
		}
		if err := checkDeclared(src, b.info); err != nil {
			return err
		}
		if err := copyInto(e.workspace[b.slot].tensor, src); err != nil {
			return status.Wrapf(err, status.CodeOf(err), "input %q", b.info.Name)
		}
	}
	return nil
}

// storeOutputs converts the workspace outputs into the caller tensors, allocating missing ones.
func (e *Engine) storeOutputs(outputs map[string]*tensors.Tensor) error {
	for _, b := range e.outputs {
		dst := outputs[b.info.Name]
		if dst == nil {
			shape := e.workspace[b.slot].tensor.Shape().WithDType(b.info.DType)
			if len(b.info.Dimensions) > 0 {
				shape = shapes.Make(b.info.DType, b.info.Dimensions...)
			}
			dst = tensors.FromShape(b.info.Name, shape, b.info.Layout)
			outputs[b.info.Name] = dst
		} else if err := checkDeclared(dst, b.info); err != nil {
			return err
		}
		if err := copyInto(dst, e.workspace[b.slot].tensor); err != nil {
			return status.Wrapf(err, status.CodeOf(err), "output %q", b.info.Name)
		}
	}
	return nil
}

// checkDeclared verifies a caller tensor matches the declaration io, up to a dense layout
// permutation and a dtype conversion.
func checkDeclared(t *tensors.Tensor, io graph.IOInfo) error {
	if t.IsFinalized() {
		return status.Errorf(status.InvalidArgument, "tensor %q for %q was finalized", t.Name(), io.Name)
	}
	shape := t.Shape()
	if !t.Layout().IsDense() {
		return status.Errorf(status.InvalidArgument, "tensor %q for %q must use a dense layout, got %s", t.Name(), io.Name, t.Layout())
	}
	if !convert.Supported(shape.DType, io.DType) || !convert.Supported(io.DType, shape.DType) {
		return status.Errorf(status.InvalidArgument, "tensor %q for %q has dtype %s, which doesn't convert to %s",
			t.Name(), io.Name, shape.DType, io.DType)
	}
	if len(io.Dimensions) == 0 {
		return nil
	}
	dims := shape.Dimensions
	from, to := normalizedLayout(t.Layout(), shape.Rank()), normalizedLayout(io.Layout, len(io.Dimensions))
	if from != to {
		perm, err := layouts.Permutation(from, to)
		if err != nil {
			return status.Wrapf(err, status.InvalidArgument, "tensor %q for %q", t.Name(), io.Name)
		}
		dims = shape.Permute(perm).Dimensions
	}
	if !slices.Equal(dims, io.Dimensions) {
		return status.Errorf(status.InvalidArgument, "tensor %q for %q: shape %s in %s doesn't match the declared %v in %s",
			t.Name(), io.Name, shape, t.Layout(), io.Dimensions, io.Layout)
	}
	return nil
}

// copyInto converts src into dst. Rank-4 tensors labeled NONE are taken as NHWC.
func copyInto(dst, src *tensors.Tensor) error {
	rank := src.Shape().Rank()
	if src.Layout() != dst.Layout() && normalizedLayout(src.Layout(), rank) == normalizedLayout(dst.Layout(), rank) {
		buf := src.Buffer()
		if buf == nil {
			return status.Errorf(status.InvalidArgument, "tensor %q has no buffer", src.Name())
		}
		view, err := tensors.Borrow(src.Name(), src.Shape(), dst.Layout(), src.Device(), buf)
		if err != nil {
			return err
		}
		defer view.Finalize()
		if q := src.Quantization(); q != nil {
			if err := view.SetQuantization(*q); err != nil {
				return err
			}
		}
		src = view
	}
	return dst.ConvertFrom(src)
}

// schedule runs the nodes in order, then waits for all devices.
func (e *Engine) schedule(md *RunMetadata) error {
	for _, n := range e.nodes {
		if err := runNode(n, md); err != nil {
			return err
		}
	}
	for _, device := range e.backendOrder {
		if err := e.backends[device].Synchronize(); err != nil {
			return status.Wrapf(err, status.CodeOf(err), "engine %s: synchronizing %s", e.id, device)
		}
	}
	return nil
}

// runNode executes one node. A panicking kernel is reported as a BackendError.
func runNode(n *node, md *RunMetadata) error {
	for _, list := range [][]*tensors.Tensor{n.ctx.Inputs, n.ctx.Outputs} {
		for _, t := range list {
			if t != nil && t.IsMapped() {
				return status.Errorf(status.InvalidArgument, "%s: tensor %q is mapped, it can't be used by a kernel", n, t.Name())
			}
		}
	}
	start := time.Now()
	var err error
	if exception := exceptions.Try(func() { err = n.op.Run(n.ctx) }); exception != nil {
		err = status.Errorf(status.BackendError, "%s panicked: %v", n, exception)
	}
	if err != nil {
		return status.Wrapf(err, status.CodeOf(err), "running %s", n)
	}
	if md == nil {
		return nil
	}
	if err = n.backend.Synchronize(); err != nil {
		return status.Wrapf(err, status.CodeOf(err), "running %s", n)
	}
	stats := OpStats{
		Name:      n.def.Name,
		Type:      n.def.Type,
		Device:    n.backend.Device(),
		Synthetic: n.synthetic,
		Latency:   time.Since(start),
		Summary:   summary(n),
	}
	md.Ops = append(md.Ops, stats)
	klog.V(2).Infof("%s: %s in %s", n, stats.Summary, stats.Latency)
	return nil
}

func summary(n *node) string {
	describe := func(list []*tensors.Tensor) string {
		var s string
		for i, t := range list {
			if t == nil {
				continue
			}
			if i > 0 {
				s += ", "
			}
			s += fmt.Sprintf("%v %s", t.Shape().Dimensions, t.Layout())
		}
		return s
	}
	return describe(n.ctx.Inputs) + " -> " + describe(n.ctx.Outputs)
}
