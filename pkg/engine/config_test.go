// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/tuning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv(backends.DeviceEnv, "")
		t.Setenv(StoragePathEnv, "")
		cfg := NewConfig()
		assert.Equal(t, backends.CPU, cfg.Device)
		assert.Equal(t, AutoThreadCount, cfg.CPUThreadCount)
		assert.Equal(t, dtypes.Float32, cfg.GPUPrecision)
		require.NotNil(t, cfg.GPUContext)
		assert.Empty(t, cfg.GPUContext.TuningPath)
		assert.Equal(t, tuning.ReuseSameGPU, cfg.GPUContext.ReusePolicy)
		require.NoError(t, cfg.Validate())
	})

	t.Run("environment", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(backends.DeviceEnv, "gpu")
		t.Setenv(StoragePathEnv, dir)
		cfg := NewConfig()
		assert.Equal(t, backends.GPU, cfg.Device)
		assert.Equal(t, dir, cfg.AcceleratorStoragePath)
		assert.Equal(t, filepath.Join(dir, ProgramCacheFile), cfg.GPUContext.ProgramCachePath)
		assert.Equal(t, filepath.Join(dir, TuningCacheFile), cfg.GPUContext.TuningPath)
	})
}

func TestConfigSetters(t *testing.T) {
	cfg := NewConfig().
		WithDevice(backends.NPU).
		WithCPU(4, backends.AffinityBigOnly).
		WithGPUHints(backends.HintHigh, backends.HintLow).
		WithGPUMemoryLimit(1<<20).
		WithGPUPrecision(dtypes.Float16).
		WithAcceleratorCache(backends.CacheStore, "/tmp/blob.bin", "")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, backends.NPU, cfg.Device)
	assert.Equal(t, 4, cfg.CPUThreadCount)
	assert.Equal(t, backends.AffinityBigOnly, cfg.CPUAffinity)
	assert.Equal(t, backends.HintHigh, cfg.GPUPerfHint)
	assert.Equal(t, backends.HintLow, cfg.GPUPriorityHint)
	assert.Equal(t, int64(1<<20), cfg.GPUMemoryLimit)
	assert.Equal(t, dtypes.Float16, cfg.GPUPrecision)
	assert.Equal(t, backends.CacheStore, cfg.AcceleratorCachePolicy)
	assert.Equal(t, "/tmp/blob.bin", cfg.AcceleratorBinaryPath)

	opts := cfg.backendOptions(nil)
	assert.Equal(t, 4, opts.CPUThreadCount)
	assert.Equal(t, backends.HintHigh, opts.GPUPerfHint)
	assert.Equal(t, "/tmp/blob.bin", opts.AcceleratorBinaryPath)
	assert.Nil(t, opts.Tuning)
}

func TestConfigValidate(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"zero threads":     NewConfig().WithCPU(0, backends.AffinityNone),
		"negative threads": NewConfig().WithCPU(-2, backends.AffinityNone),
		"affinity":         NewConfig().WithCPU(1, backends.AffinityPolicy(17)),
		"hint":             NewConfig().WithGPUHints(backends.Hint(9), backends.HintDefault),
		"memory limit":     NewConfig().WithGPUMemoryLimit(-1),
		"precision":        NewConfig().WithGPUPrecision(dtypes.Int32),
		"cache policy":     NewConfig().WithAcceleratorCache(backends.CachePolicy(5), "", ""),
	} {
		t.Run(name, func(t *testing.T) {
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv(StoragePathEnv, "")
	cfg, err := ParseConfig([]byte(`
device: gpu
cpu-thread-count: 4
cpu-affinity-policy: big_only
gpu-perf-hint: high
gpu-priority-hint: low
gpu-memory-limit: 256MiB
gpu-precision: float16
gpu-context:
  storage-path: /data/local/tmp/edgeinfer
  reuse-policy: none
accelerator-cache-policy: load
accelerator-binary-path: /data/local/tmp/blob.bin
`))
	require.NoError(t, err)
	assert.Equal(t, backends.GPU, cfg.Device)
	assert.Equal(t, 4, cfg.CPUThreadCount)
	assert.Equal(t, backends.AffinityBigOnly, cfg.CPUAffinity)
	assert.Equal(t, backends.HintHigh, cfg.GPUPerfHint)
	assert.Equal(t, backends.HintLow, cfg.GPUPriorityHint)
	assert.Equal(t, int64(256<<20), cfg.GPUMemoryLimit)
	assert.Equal(t, dtypes.Float16, cfg.GPUPrecision)
	assert.Equal(t, "/data/local/tmp/edgeinfer", cfg.GPUContext.StoragePath)
	assert.Equal(t, "/data/local/tmp/edgeinfer/"+TuningCacheFile, cfg.GPUContext.TuningPath)
	assert.Equal(t, tuning.ReuseNone, cfg.GPUContext.ReusePolicy)
	assert.Equal(t, backends.CacheLoad, cfg.AcceleratorCachePolicy)
	assert.Equal(t, "/data/local/tmp/blob.bin", cfg.AcceleratorBinaryPath)

	// An empty document gives the defaults.
	t.Setenv(backends.DeviceEnv, "")
	cfg, err = ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, backends.CPU, cfg.Device)
	assert.Equal(t, AutoThreadCount, cfg.CPUThreadCount)

	for name, doc := range map[string]string{
		"unknown key":       "gpu-turbo: true\n",
		"device":            "device: fpga\n",
		"threads":           "cpu-thread-count: 0\n",
		"memory limit":      "gpu-memory-limit: lots\n",
		"precision":         "gpu-precision: int8\n",
		"hint":              "gpu-perf-hint: extreme\n",
		"reuse policy":      "gpu-context:\n  reuse-policy: sometimes\n",
		"malformed":         "device: [gpu\n",
		"cache policy name": "accelerator-cache-policy: always\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: dsp\ncpu-thread-count: 2\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, backends.DSP, cfg.Device)
	assert.Equal(t, 2, cfg.CPUThreadCount)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, status.IoError, status.CodeOf(err))
}

func TestGPUContext(t *testing.T) {
	dir := t.TempDir()
	gpuContext := NewGPUContextBuilder().
		WithStoragePath(dir).
		WithProgramCachePath(filepath.Join(dir, "programs.bin")).
		WithReusePolicy(tuning.ReuseNone).
		Build()
	assert.Equal(t, filepath.Join(dir, "programs.bin"), gpuContext.ProgramCachePath)
	assert.Equal(t, filepath.Join(dir, TuningCacheFile), gpuContext.TuningPath)

	cache, err := gpuContext.TuningCache()
	require.NoError(t, err)
	again, err := gpuContext.TuningCache()
	require.NoError(t, err)
	assert.Same(t, cache, again)
	require.NoError(t, gpuContext.Close())
	require.NoError(t, gpuContext.Close())
}
