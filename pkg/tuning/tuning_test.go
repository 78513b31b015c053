// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuning

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ backends.TuningStore = (*Cache)(nil)

func TestKey(t *testing.T) {
	assert.Equal(t, "DepthToSpace:1x192x192x128", Key("DepthToSpace", []int{1, 192, 192, 128}))
	assert.Equal(t, "BiasAdd:1x2x2x4:4", Key("BiasAdd", []int{1, 2, 2, 4}, []int{4}))
	assert.Equal(t, "Noop", Key("Noop"))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.bin")
	c, err := Open(path, ReuseSameGPU)
	require.NoError(t, err)
	_, found := c.Lookup("gpu-a", "k")
	require.False(t, found)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record("gpu-a", Key("op", []int{i}), []int{i, -1, 8})
		}()
	}
	wg.Wait()
	c.Record("gpu-b", "shared", []int{4, 4, 1})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 17, c.Len())

	// Reuse on the same device.
	c2, err := Open(path, ReuseSameGPU)
	require.NoError(t, err)
	defer func() { _ = c2.Close() }()
	params, found := c2.Lookup("gpu-a", Key("op", []int{3}))
	require.True(t, found)
	assert.Equal(t, []int{3, -1, 8}, params)
	_, found = c2.Lookup("gpu-c", "shared")
	assert.False(t, found, "other fingerprints don't match")
	params, found = c2.Lookup("gpu-b", "shared")
	require.True(t, found)
	assert.Equal(t, []int{4, 4, 1}, params)

	// Policy NONE never loads.
	c3, err := Open(path, ReuseNone)
	require.NoError(t, err)
	assert.Equal(t, 0, c3.Len())
	require.NoError(t, c3.Close())
}

func TestCorruptFileIsRebuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a cache"), 0o644))
	c, err := Open(path, ReuseSameGPU)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	c.Record("gpu", "k", []int{1})
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close())

	c, err = Open(path, ReuseSameGPU)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Close())
}

func TestParseReusePolicy(t *testing.T) {
	p, err := ParseReusePolicy("reuse_same_gpu")
	require.NoError(t, err)
	assert.Equal(t, ReuseSameGPU, p)
	assert.Equal(t, "REUSE_SAME_GPU", p.String())
	_, err = ParseReusePolicy("sometimes")
	require.Error(t, err)
}
