// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensortest holds helpers to build and compare tensors in tests.
package tensortest

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/support/xslices"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"
)

// maxReported mismatches listed by AllClose.
const maxReported = 8

// Iota returns [start, start+1, ..., start+n-1].
func Iota(n int, start float32) []float32 {
	return xslices.Iota(start, n)
}

// Fill returns n copies of value.
func Fill(n int, value float32) []float32 {
	return xslices.SliceWithValue(n, value)
}

// Random returns n values uniformly distributed in [-1, 1), reproducible for a given seed.
func Random(n int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = 2*rng.Float32() - 1
	}
	return flat
}

// Float32s returns the contents of x converted to Float32, in the order of its own layout.
func Float32s(t testing.TB, x *tensors.Tensor) []float32 {
	t.Helper()
	if x.DType() == dtypes.Float32 && x.Layout() != layouts.Image {
		return tensors.MustCopyFlatData[float32](x)
	}
	converted := tensors.FromShape(x.Name(), x.Shape().WithDType(dtypes.Float32), x.Layout())
	defer converted.Finalize()
	require.NoError(t, converted.CopyFrom(x))
	return tensors.MustCopyFlatData[float32](converted)
}

// AllClose checks that want and got have the same length, and that each pair of elements is
// within absTol or relTol of each other.
func AllClose(t testing.TB, want, got []float32, absTol, relTol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	var mismatches []string
	numMismatches := 0
	for i := range want {
		if scalar.EqualWithinAbsOrRel(float64(want[i]), float64(got[i]), absTol, relTol) {
			continue
		}
		numMismatches++
		if len(mismatches) < maxReported {
			mismatches = append(mismatches, fmt.Sprintf("#%d: want %g, got %g", i, want[i], got[i]))
		}
	}
	require.Zerof(t, numMismatches, "%d of %d elements differ (abs tolerance %g, rel tolerance %g): %v",
		numMismatches, len(want), absTol, relTol, mismatches)
}
