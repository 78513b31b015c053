// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunch(t *testing.T) {
	b, err := NewBackend(backends.Options{CPUThreadCount: 4})
	require.NoError(t, err)
	defer b.Finalize()
	assert.Equal(t, 4, b.NumThreads())
	assert.Equal(t, "cpu", b.Name())
	assert.Equal(t, backends.CPU, b.Device())

	// Every item of the global range is visited exactly once.
	const n0, n1, n2 = 37, 3, 2
	var visits [n0 * n1 * n2]atomic.Int32
	err = b.Launch(backends.LaunchSpec{Name: "count", Global: [3]int{n0, n1, n2}}, func(r backends.WorkRange) error {
		for x := r.Offset[0]; x < r.Offset[0]+r.Size[0]; x++ {
			for y := r.Offset[1]; y < r.Offset[1]+r.Size[1]; y++ {
				for z := r.Offset[2]; z < r.Offset[2]+r.Size[2]; z++ {
					visits[(x*n1+y)*n2+z].Add(1)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	for i := range visits {
		require.Equal(t, int32(1), visits[i].Load(), "item %d", i)
	}
	require.NoError(t, b.Synchronize())

	// Zero global axes are treated as 1.
	var calls atomic.Int32
	require.NoError(t, b.Launch(backends.LaunchSpec{Name: "one", Global: [3]int{1}}, func(r backends.WorkRange) error {
		calls.Add(1)
		assert.Equal(t, [3]int{1, 1, 1}, r.Size)
		return nil
	}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLaunchErrors(t *testing.T) {
	b, err := NewBackend(backends.Options{CPUThreadCount: 2})
	require.NoError(t, err)
	defer b.Finalize()

	err = b.Launch(backends.LaunchSpec{Name: "fails", Global: [3]int{8, 1, 1}}, func(r backends.WorkRange) error {
		return errors.New("device lost")
	})
	require.Error(t, err)
	assert.Equal(t, status.BackendError, status.CodeOf(err))

	err = b.Launch(backends.LaunchSpec{Name: "bad", Global: [3]int{8, 1, 1}}, func(r backends.WorkRange) error {
		return status.Errorf(status.InvalidArgument, "bad shape")
	})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	err = b.Launch(backends.LaunchSpec{Name: "panics", Global: [3]int{8, 1, 1}}, func(r backends.WorkRange) error {
		exceptions.Panicf("out of range")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	assert.Contains(t, err.Error(), "out of range")

	b.Finalize()
	err = b.Launch(backends.LaunchSpec{Name: "late", Global: [3]int{1, 1, 1}}, func(r backends.WorkRange) error { return nil })
	assert.Equal(t, status.BackendError, status.CodeOf(err))
}

func TestCapabilities(t *testing.T) {
	b, err := New(backends.Options{CPUThreadCount: 1})
	require.NoError(t, err)
	defer b.Finalize()
	caps := b.Capabilities()
	assert.Equal(t, backends.CPU, caps.Device)
	assert.Equal(t, 64, caps.Alignment)
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16, dtypes.Int32, dtypes.Uint8} {
		assert.True(t, caps.SupportsDType(dtype), "dtype %s", dtype)
	}
	assert.True(t, caps.Layouts.Has(layouts.NCHW))
	assert.False(t, caps.Layouts.Has(layouts.Image))
	assert.False(t, b.Allocator().SupportsImages())
	assert.Greater(t, caps.Float32Performance, float32(0))
	assert.Contains(t, b.Fingerprint(), "cpu/")
	assert.True(t, backends.IsRegistered(backends.CPU))
}

func writeFreqs(t *testing.T, freqs ...int64) string {
	dir := t.TempDir()
	for id, freq := range freqs {
		if freq == 0 {
			continue
		}
		coreDir := filepath.Join(dir, fmt.Sprintf("cpu%d", id), "cpufreq")
		require.NoError(t, os.MkdirAll(coreDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(coreDir, "cpuinfo_max_freq"), []byte(fmt.Sprintf("%d\n", freq)), 0o644))
	}
	return dir
}

func TestSelectCores(t *testing.T) {
	// 4 little, 3 big, 1 prime core.
	dir := writeFreqs(t, 1800000, 1800000, 1800000, 1800000, 2400000, 2400000, 2400000, 3000000)
	cores := DetectCores(dir, 8)
	require.Len(t, cores, 8)
	assert.Equal(t, int64(3000000), cores[7].MaxFreqKHz)

	ids, pinEach := SelectCores(cores, backends.AffinityBigOnly)
	assert.Equal(t, []int{7}, ids)
	assert.False(t, pinEach)
	ids, _ = SelectCores(cores, backends.AffinityLittleOnly)
	assert.Equal(t, []int{0, 1, 2, 3}, ids)
	ids, pinEach = SelectCores(cores, backends.AffinityHighPerformance)
	assert.Equal(t, []int{7, 4, 5, 6, 0, 1, 2, 3}, ids)
	assert.True(t, pinEach)
	ids, _ = SelectCores(cores, backends.AffinityPowerSave)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ids)

	// Unknown frequencies: every core qualifies.
	cores = DetectCores(t.TempDir(), 3)
	ids, _ = SelectCores(cores, backends.AffinityBigOnly)
	assert.Equal(t, []int{0, 1, 2}, ids)
	ids, _ = SelectCores(cores, backends.AffinityLittleOnly)
	assert.Equal(t, []int{0, 1, 2}, ids)

	ids, _ = SelectCores(nil, backends.AffinityBigOnly)
	assert.Empty(t, ids)
}

func TestAffinityBackend(t *testing.T) {
	// Pinning may not be permitted in the test environment: failures are only logged.
	b, err := NewBackend(backends.Options{CPUAffinity: backends.AffinityBigOnly})
	require.NoError(t, err)
	defer b.Finalize()
	assert.NotEmpty(t, b.Cores())
	assert.Equal(t, len(b.Cores()), b.NumThreads())
	var sum atomic.Int64
	require.NoError(t, b.Launch(backends.LaunchSpec{Name: "sum", Global: [3]int{100, 1, 1}}, func(r backends.WorkRange) error {
		for x := r.Offset[0]; x < r.Offset[0]+r.Size[0]; x++ {
			sum.Add(int64(x))
		}
		return nil
	}))
	assert.Equal(t, int64(4950), sum.Load())
}
