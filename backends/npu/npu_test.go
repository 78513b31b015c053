// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package npu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	for _, device := range []backends.DeviceType{backends.DSP, backends.NPU} {
		require.True(t, backends.IsRegistered(device))
		b, err := backends.New(device, backends.Options{})
		require.NoError(t, err)
		assert.Equal(t, device, b.Device())
		caps := b.Capabilities()
		assert.True(t, caps.SupportsDType(dtypes.Uint8))
		assert.True(t, caps.Layouts.Has(layouts.NHWC))
		assert.False(t, caps.Layouts.Has(layouts.Image))
		b.Finalize()
	}
	_, err := NewBackend(backends.GPU, backends.Options{})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestLaunch(t *testing.T) {
	b, err := NewBackend(backends.NPU, backends.Options{})
	require.NoError(t, err)
	var got backends.WorkRange
	require.NoError(t, b.Launch(backends.LaunchSpec{Name: "all", Global: [3]int{10, 0, 3}}, func(r backends.WorkRange) error {
		got = r
		return nil
	}))
	assert.Equal(t, [3]int{10, 1, 3}, got.Size)

	err = b.Launch(backends.LaunchSpec{Name: "fails"}, func(backends.WorkRange) error { return errors.New("hw fault") })
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	err = b.Launch(backends.LaunchSpec{Name: "panics"}, func(backends.WorkRange) error { panic("oops") })
	assert.Equal(t, status.BackendError, status.CodeOf(err))

	b.Finalize()
	err = b.Launch(backends.LaunchSpec{Name: "late"}, func(backends.WorkRange) error { return nil })
	assert.Equal(t, status.BackendError, status.CodeOf(err))
}

func TestPrepareCachePolicies(t *testing.T) {
	dir := t.TempDir()
	model := []byte("model-a")
	newBackend := func(policy backends.CachePolicy) *Backend {
		b, err := NewBackend(backends.DSP, backends.Options{AcceleratorCachePolicy: policy, AcceleratorStoragePath: dir})
		require.NoError(t, err)
		t.Cleanup(b.Finalize)
		return b
	}
	path := filepath.Join(dir, InitBlobFile)

	// LOAD without a cache file rebuilds.
	b := newBackend(backends.CacheLoad)
	require.NoError(t, b.Prepare(model))
	assert.False(t, b.PrepareStats().Loaded)

	// STORE writes the blob.
	b = newBackend(backends.CacheStore)
	require.NoError(t, b.Prepare(model))
	assert.True(t, b.PrepareStats().Stored)
	_, err := os.Stat(path)
	require.NoError(t, err)

	// LOAD of the same model skips preparation.
	b = newBackend(backends.CacheLoad)
	require.NoError(t, b.Prepare(model))
	assert.True(t, b.PrepareStats().Loaded)

	// LOAD of another model rebuilds.
	require.NoError(t, b.Prepare([]byte("model-b")))
	assert.False(t, b.PrepareStats().Loaded)

	// A corrupt cache rebuilds.
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644))
	b = newBackend(backends.CacheLoad)
	require.NoError(t, b.Prepare(model))
	assert.False(t, b.PrepareStats().Loaded)

	// NONE never touches the cache.
	require.NoError(t, os.Remove(path))
	b = newBackend(backends.CacheNone)
	require.NoError(t, b.Prepare(model))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCachePath(t *testing.T) {
	b, err := NewBackend(backends.NPU, backends.Options{AcceleratorBinaryPath: "/x/blob.bin", AcceleratorStoragePath: "/y"})
	require.NoError(t, err)
	assert.Equal(t, "/x/blob.bin", b.CachePath())
	b, err = NewBackend(backends.NPU, backends.Options{AcceleratorStoragePath: "/y"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/y", InitBlobFile), b.CachePath())

	// A STORE policy without any path degrades to NONE.
	b, err = NewBackend(backends.NPU, backends.Options{AcceleratorCachePolicy: backends.CacheStore})
	require.NoError(t, err)
	require.NoError(t, b.Prepare([]byte("m")))
	assert.False(t, b.PrepareStats().Stored)
}
