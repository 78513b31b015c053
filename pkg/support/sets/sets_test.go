// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(3, 7)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	both := s.Intersect(s2)
	assert.Equal(t, []int{7}, Sorted(both))

	clone := s.Clone()
	clone.Insert(1)
	assert.False(t, s.Has(1))
	assert.Equal(t, []int{1, 3, 7}, Sorted(clone))
}
