// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloat32(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 2.5, 1024, -0.5, 3} {
		assert.Equal(t, v, FromFloat32(v).Float32(), "value %g should be exact in bfloat16", v)
	}

	// 1 + 2^-8 is exactly half-way between 1 and 1 + 2^-7: ties go to even (1).
	assert.Equal(t, float32(1), FromFloat32(1+1.0/256).Float32())
	// 1 + 3*2^-8 is half-way between 1+2^-7 and 1+2^-6: ties go to even (1+2^-6).
	assert.Equal(t, float32(1+1.0/64), FromFloat32(1+3.0/256).Float32())
	// Just above half-way rounds up.
	assert.Equal(t, float32(1+1.0/128), FromFloat32(1+1.0/256+1.0/4096).Float32())

	assert.True(t, math.IsInf(float64(Inf(1).Float32()), 1))
	assert.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
	assert.True(t, FromFloat32(float32(math.NaN())).IsNaN())
	assert.False(t, FromFloat32(float32(math.Inf(1))).IsNaN())
	assert.Equal(t, "2.5", FromFloat64(2.5).String())
	assert.Equal(t, uint16(0x3f80), FromFloat32(1).Bits())
}
