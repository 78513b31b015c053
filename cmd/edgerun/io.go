// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"os"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/engine"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/pkg/errors"
)

func newFloat32Tensor(name string, dims []int, layout layouts.Layout) *tensors.Tensor {
	return tensors.FromShape(name, shapes.Make(dtypes.Float32, dims...), layout)
}

// loadInputs creates the inputs of e: from the raw float32 files in paths (by input name), or
// random values in [-1, 1) for the inputs not listed.
func loadInputs(e *engine.Engine, paths map[string]string, seed uint64) (map[string]*tensors.Tensor, error) {
	declared := e.Inputs()
	for name := range paths {
		if _, found := e.Graph().Input(name); !found {
			return nil, errors.Errorf("--input %q: the model has no such input", name)
		}
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	inputs := make(map[string]*tensors.Tensor, len(declared))
	for _, info := range declared {
		t, err := loadInput(info, paths[info.Name], rng)
		if err != nil {
			for _, loaded := range inputs {
				loaded.Finalize()
			}
			return nil, err
		}
		inputs[info.Name] = t
	}
	return inputs, nil
}

func loadInput(info graph.IOInfo, path string, rng *rand.Rand) (*tensors.Tensor, error) {
	if len(info.Dimensions) == 0 {
		return nil, errors.Errorf("input %q has no declared dimensions", info.Name)
	}
	t := newFloat32Tensor(info.Name, info.Dimensions, info.Layout)
	if path == "" {
		err := tensors.MutableFlatData(t, func(flat []float32) {
			for i := range flat {
				flat[i] = 2*rng.Float32() - 1
			}
		})
		if err != nil {
			t.Finalize()
			return nil, err
		}
		return t, nil
	}
	if err := readRawFloat32(path, t); err != nil {
		t.Finalize()
		return nil, err
	}
	return t, nil
}

// readRawFloat32 fills t with the contents of the file at path, which must have exactly its size.
func readRawFloat32(path string, t *tensors.Tensor) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading input %q", t.Name())
	}
	if want := t.Shape().Memory(); len(raw) != want {
		return errors.Errorf("input %q: file %q has %d bytes, %s needs %d", t.Name(), path, len(raw), t.Shape(), want)
	}
	return t.MapForWrite(func(data []byte) { copy(data, raw) })
}

// writeRawFloat32 writes the contents of t, converted to float32, to path.
func writeRawFloat32(path string, t *tensors.Tensor) error {
	if t.DType() != dtypes.Float32 {
		converted := newFloat32Tensor(t.Name(), t.Shape().Dimensions, t.Layout())
		defer converted.Finalize()
		if err := converted.CopyFrom(t); err != nil {
			return err
		}
		t = converted
	}
	var flat []float32
	err := tensors.ConstFlatData(t, func(values []float32) { flat = append(flat, values...) })
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, memory.AsBytes(flat), 0o644); err != nil {
		return errors.Wrapf(err, "writing output %q", t.Name())
	}
	return nil
}
