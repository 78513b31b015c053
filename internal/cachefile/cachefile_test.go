// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "programs.bin")
	_, err := Read(path, "programs", 1)
	require.Error(t, err)
	assert.Equal(t, status.CacheMiss, status.CodeOf(err))

	entries := [][]byte{[]byte("first"), {}, []byte{0, 1, 2, 3}}
	require.NoError(t, Write(path, "programs", 1, entries))
	got, err := Read(path, "programs", 1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", string(got[0]))
	assert.Empty(t, got[1])
	assert.Equal(t, []byte{0, 1, 2, 3}, got[2])

	// Wrong version or kind: rebuild.
	_, err = Read(path, "programs", 2)
	require.Error(t, err)
	assert.Equal(t, status.CacheCorrupt, status.CodeOf(err))
	assert.True(t, status.IsWarning(err))
	_, err = Read(path, "tuning", 1)
	assert.Equal(t, status.CacheCorrupt, status.CodeOf(err))

	// No temporary files left behind.
	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f.Name(), ".tmp")
	}

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))
	_, err = Read(path, "programs", 1)
	assert.Equal(t, status.CacheMiss, status.CodeOf(err))
}

func TestCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x1a, 0xff, 0xff}, 0o644))
	_, err := Read(path, "tuning", 1)
	require.Error(t, err)
	assert.Equal(t, status.CacheCorrupt, status.CodeOf(err))
}
