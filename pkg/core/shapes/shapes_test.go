// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float32)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 4, shape0.Memory())

	shape1 := Make(dtypes.Float16, 1, 2, 2, 9)
	require.Equal(t, 4, shape1.Rank())
	require.Equal(t, 36, shape1.Size())
	require.Equal(t, 72, shape1.Memory())
	require.Equal(t, 9, shape1.Dim(-1))
	require.Equal(t, "(Float16)[1 2 2 9]", shape1.String())
	require.Panics(t, func() { shape1.Dim(4) })

	empty := Make(dtypes.Float32, 3, 0, 2)
	require.True(t, empty.IsZeroSize())
	require.Equal(t, 0, empty.Size())
	require.Equal(t, 0, empty.Memory())

	clone := shape1.Clone()
	clone.Dimensions[0] = 7
	require.Equal(t, 1, shape1.Dimensions[0])
	require.True(t, shape1.WithDType(dtypes.Float32).EqualDimensions(shape1))
	require.False(t, shape1.WithDType(dtypes.Float32).Equal(shape1))
}

func TestValidate(t *testing.T) {
	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })
	require.Panics(t, func() { Make(dtypes.Float32, 1, 1, 1, 1, 1, 1, 1) })

	err := Shape{DType: dtypes.Float32, Dimensions: []int{-3}}.Validate()
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	err = Shape{DType: dtypes.InvalidDType}.Validate()
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	require.NoError(t, Make(dtypes.Uint8, 1, 1, 1, 1, 1, 1).Validate())
}

func TestPermute(t *testing.T) {
	nhwc := Make(dtypes.Float32, 1, 2, 3, 4)
	nchw := nhwc.Permute([]int{0, 3, 1, 2})
	assert.Equal(t, []int{1, 4, 2, 3}, nchw.Dimensions)
	assert.Equal(t, nhwc.Dimensions, nchw.Permute([]int{0, 2, 3, 1}).Dimensions)
	assert.Panics(t, func() { nhwc.Permute([]int{0, 0, 1, 2}) })
	assert.Panics(t, func() { nhwc.Permute([]int{0, 1}) })
}
