// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/tuning"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// StoragePathEnv is the environment variable with the directory where the persistent caches
// (compiled programs, tuning parameters, accelerator initialization blobs) are kept by default.
const StoragePathEnv = "EDGEINFER_INTERNAL_STORAGE_PATH"

// Default file names of the GPU caches inside the storage directory.
const (
	ProgramCacheFile = "gpu_programs.bin"
	TuningCacheFile  = "gpu_tuning.bin"
)

// AutoThreadCount lets the CPU backend choose the number of threads.
const AutoThreadCount = -1

// Config holds the options of an Engine. Create it with NewConfig, and adjust it with the setters,
// which can be chained:
//
//	cfg := engine.NewConfig().
//		WithDevice(backends.GPU).
//		WithGPUHints(backends.HintHigh, backends.HintNormal)
type Config struct {
	// Device is the primary device. Operators it has no kernel for run on their fallback device.
	Device backends.DeviceType

	// CPUThreadCount is the size of the CPU pool, AutoThreadCount for one thread per selected core.
	CPUThreadCount int
	CPUAffinity    backends.AffinityPolicy

	GPUPerfHint, GPUPriorityHint backends.Hint

	// GPUMemoryLimit in bytes, 0 for no limit.
	GPUMemoryLimit int64

	// GPUPrecision is the dtype used internally for Float32 tensors on the GPU: Float32 or Float16.
	GPUPrecision dtypes.DType

	// GPUContext holds the GPU cache paths and the tuning cache. It may be shared by engines.
	GPUContext *GPUContext

	AcceleratorCachePolicy backends.CachePolicy
	AcceleratorBinaryPath  string
	AcceleratorStoragePath string
}

// NewConfig returns the default configuration: the device comes from the EDGEINFER_DEVICE
// environment variable (CPU if not set), and the storage of caches from
// EDGEINFER_INTERNAL_STORAGE_PATH.
func NewConfig() *Config {
	storage := os.Getenv(StoragePathEnv)
	return &Config{
		Device:                 backends.DefaultDevice(),
		CPUThreadCount:         AutoThreadCount,
		GPUPrecision:           dtypes.Float32,
		GPUContext:             NewGPUContextBuilder().WithStoragePath(storage).Build(),
		AcceleratorStoragePath: storage,
	}
}

// WithDevice sets the primary device.
func (c *Config) WithDevice(device backends.DeviceType) *Config {
	c.Device = device
	return c
}

// WithCPU sets the CPU thread count and affinity policy.
func (c *Config) WithCPU(threadCount int, affinity backends.AffinityPolicy) *Config {
	c.CPUThreadCount = threadCount
	c.CPUAffinity = affinity
	return c
}

// WithGPUHints sets the GPU performance and priority hints.
func (c *Config) WithGPUHints(perf, priority backends.Hint) *Config {
	c.GPUPerfHint = perf
	c.GPUPriorityHint = priority
	return c
}

// WithGPUMemoryLimit sets the maximum bytes of GPU memory.
func (c *Config) WithGPUMemoryLimit(limit int64) *Config {
	c.GPUMemoryLimit = limit
	return c
}

// WithGPUPrecision sets the dtype used on the GPU for Float32 tensors.
func (c *Config) WithGPUPrecision(dtype dtypes.DType) *Config {
	c.GPUPrecision = dtype
	return c
}

// WithGPUContext sets the (possibly shared) GPU context.
func (c *Config) WithGPUContext(gpuContext *GPUContext) *Config {
	c.GPUContext = gpuContext
	return c
}

// WithAcceleratorCache configures the persistence of DSP/NPU initialization blobs.
// Empty paths keep the current values.
func (c *Config) WithAcceleratorCache(policy backends.CachePolicy, binaryPath, storagePath string) *Config {
	c.AcceleratorCachePolicy = policy
	if binaryPath != "" {
		c.AcceleratorBinaryPath = binaryPath
	}
	if storagePath != "" {
		c.AcceleratorStoragePath = storagePath
	}
	return c
}

// Validate returns an InvalidArgument error if an option is out of range.
func (c *Config) Validate() error {
	if c.CPUThreadCount < AutoThreadCount || c.CPUThreadCount == 0 {
		return status.Errorf(status.InvalidArgument, "cpu-thread-count must be positive or %d (auto), got %d", AutoThreadCount, c.CPUThreadCount)
	}
	if c.CPUAffinity < backends.AffinityNone || c.CPUAffinity > backends.AffinityPowerSave {
		return status.Errorf(status.InvalidArgument, "invalid cpu-affinity-policy %s", c.CPUAffinity)
	}
	for _, hint := range []backends.Hint{c.GPUPerfHint, c.GPUPriorityHint} {
		if hint < backends.HintDefault || hint > backends.HintHigh {
			return status.Errorf(status.InvalidArgument, "invalid gpu hint %s", hint)
		}
	}
	if c.GPUMemoryLimit < 0 {
		return status.Errorf(status.InvalidArgument, "gpu-memory-limit must be >= 0, got %d", c.GPUMemoryLimit)
	}
	if c.GPUPrecision != dtypes.Float32 && c.GPUPrecision != dtypes.Float16 {
		return status.Errorf(status.InvalidArgument, "gpu-precision must be Float32 or Float16, got %s", c.GPUPrecision)
	}
	if c.AcceleratorCachePolicy < backends.CacheNone || c.AcceleratorCachePolicy > backends.CacheLoad {
		return status.Errorf(status.InvalidArgument, "invalid accelerator-cache-policy %s", c.AcceleratorCachePolicy)
	}
	return nil
}

// backendOptions for the backend constructors. tuningStore may be nil.
func (c *Config) backendOptions(tuningStore backends.TuningStore) backends.Options {
	opts := backends.Options{
		CPUThreadCount:         c.CPUThreadCount,
		CPUAffinity:            c.CPUAffinity,
		GPUPerfHint:            c.GPUPerfHint,
		GPUPriorityHint:        c.GPUPriorityHint,
		GPUMemoryLimit:         c.GPUMemoryLimit,
		AcceleratorCachePolicy: c.AcceleratorCachePolicy,
		AcceleratorBinaryPath:  c.AcceleratorBinaryPath,
		AcceleratorStoragePath: c.AcceleratorStoragePath,
	}
	if c.GPUContext != nil {
		opts.ProgramCachePath = c.GPUContext.ProgramCachePath
	}
	if tuningStore != nil {
		opts.Tuning = tuningStore
	}
	return opts
}

// GPUContext groups the persistent GPU caches. Engines configured with the same GPUContext share
// one tuning cache, which is opened on first use and written when an engine is destroyed.
type GPUContext struct {
	StoragePath      string
	ProgramCachePath string
	TuningPath       string
	ReusePolicy      tuning.ReusePolicy

	mu     sync.Mutex
	tuning *tuning.Cache
}

// TuningCache returns the tuning cache, opening it on the first call.
func (g *GPUContext) TuningCache() (*tuning.Cache, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tuning != nil {
		return g.tuning, nil
	}
	cache, err := tuning.Open(g.TuningPath, g.ReusePolicy)
	if err != nil {
		return nil, err
	}
	g.tuning = cache
	return cache, nil
}

// Close flushes and closes the tuning cache, if it was opened.
func (g *GPUContext) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tuning == nil {
		return nil
	}
	err := g.tuning.Close()
	g.tuning = nil
	return err
}

// GPUContextBuilder builds a GPUContext. Paths left empty default to files in the storage path.
type GPUContextBuilder struct {
	ctx GPUContext
}

// NewGPUContextBuilder returns a builder with no storage and ReuseSameGPU policy.
func NewGPUContextBuilder() *GPUContextBuilder {
	return &GPUContextBuilder{ctx: GPUContext{ReusePolicy: tuning.ReuseSameGPU}}
}

// WithStoragePath sets the directory of the caches.
func (b *GPUContextBuilder) WithStoragePath(path string) *GPUContextBuilder {
	b.ctx.StoragePath = path
	return b
}

// WithProgramCachePath sets the compiled-program cache file.
func (b *GPUContextBuilder) WithProgramCachePath(path string) *GPUContextBuilder {
	b.ctx.ProgramCachePath = path
	return b
}

// WithTuningPath sets the tuning-parameter cache file.
func (b *GPUContextBuilder) WithTuningPath(path string) *GPUContextBuilder {
	b.ctx.TuningPath = path
	return b
}

// WithReusePolicy sets whether persisted tuning parameters are reused.
func (b *GPUContextBuilder) WithReusePolicy(policy tuning.ReusePolicy) *GPUContextBuilder {
	b.ctx.ReusePolicy = policy
	return b
}

// Build returns the GPUContext.
func (b *GPUContextBuilder) Build() *GPUContext {
	g := &GPUContext{
		StoragePath:      b.ctx.StoragePath,
		ProgramCachePath: b.ctx.ProgramCachePath,
		TuningPath:       b.ctx.TuningPath,
		ReusePolicy:      b.ctx.ReusePolicy,
	}
	if g.StoragePath != "" {
		if g.ProgramCachePath == "" {
			g.ProgramCachePath = filepath.Join(g.StoragePath, ProgramCacheFile)
		}
		if g.TuningPath == "" {
			g.TuningPath = filepath.Join(g.StoragePath, TuningCacheFile)
		}
	}
	return g
}

// fileConfig is the YAML form of Config. Enumerations are given by name.
type fileConfig struct {
	Device                 string          `yaml:"device"`
	CPUThreadCount         *int            `yaml:"cpu-thread-count"`
	CPUAffinityPolicy      string          `yaml:"cpu-affinity-policy"`
	GPUPerfHint            string          `yaml:"gpu-perf-hint"`
	GPUPriorityHint        string          `yaml:"gpu-priority-hint"`
	GPUMemoryLimit         string          `yaml:"gpu-memory-limit"`
	GPUPrecision           string          `yaml:"gpu-precision"`
	GPUContext             *fileGPUContext `yaml:"gpu-context"`
	AcceleratorCachePolicy string          `yaml:"accelerator-cache-policy"`
	AcceleratorBinaryPath  string          `yaml:"accelerator-binary-path"`
	AcceleratorStoragePath string          `yaml:"accelerator-storage-path"`
}

type fileGPUContext struct {
	StoragePath      string `yaml:"storage-path"`
	ProgramCachePath string `yaml:"program-cache-path"`
	TuningPath       string `yaml:"tuning-path"`
	ReusePolicy      string `yaml:"reuse-policy"`
}

// ParseConfig reads a YAML configuration on top of NewConfig. Unknown keys are an error.
//
// Example:
//
//	device: gpu
//	cpu-thread-count: 4
//	cpu-affinity-policy: big_only
//	gpu-perf-hint: high
//	gpu-memory-limit: 256MiB
//	gpu-precision: float16
//	gpu-context:
//	  storage-path: /data/local/tmp/edgeinfer
//	  reuse-policy: reuse_same_gpu
//	accelerator-cache-policy: load
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, status.Wrapf(err, status.InvalidArgument, "parsing engine configuration")
	}
	cfg := NewConfig()
	var err error
	if fc.Device != "" {
		if cfg.Device, err = backends.ParseDeviceType(fc.Device); err != nil {
			return nil, err
		}
	}
	if fc.CPUThreadCount != nil {
		cfg.CPUThreadCount = *fc.CPUThreadCount
	}
	if fc.CPUAffinityPolicy != "" {
		if cfg.CPUAffinity, err = backends.ParseAffinityPolicy(fc.CPUAffinityPolicy); err != nil {
			return nil, err
		}
	}
	if fc.GPUPerfHint != "" {
		if cfg.GPUPerfHint, err = backends.ParseHint(fc.GPUPerfHint); err != nil {
			return nil, err
		}
	}
	if fc.GPUPriorityHint != "" {
		if cfg.GPUPriorityHint, err = backends.ParseHint(fc.GPUPriorityHint); err != nil {
			return nil, err
		}
	}
	if fc.GPUMemoryLimit != "" {
		limit, err := humanize.ParseBytes(fc.GPUMemoryLimit)
		if err != nil {
			return nil, status.Wrapf(err, status.InvalidArgument, "gpu-memory-limit %q", fc.GPUMemoryLimit)
		}
		cfg.GPUMemoryLimit = int64(limit)
	}
	if fc.GPUPrecision != "" {
		if cfg.GPUPrecision, err = dtypes.Parse(fc.GPUPrecision); err != nil {
			return nil, status.Wrapf(err, status.InvalidArgument, "gpu-precision %q", fc.GPUPrecision)
		}
	}
	if fc.GPUContext != nil {
		builder := NewGPUContextBuilder().
			WithStoragePath(fc.GPUContext.StoragePath).
			WithProgramCachePath(fc.GPUContext.ProgramCachePath).
			WithTuningPath(fc.GPUContext.TuningPath)
		if fc.GPUContext.StoragePath == "" {
			builder.WithStoragePath(cfg.GPUContext.StoragePath)
		}
		if fc.GPUContext.ReusePolicy != "" {
			policy, err := tuning.ParseReusePolicy(fc.GPUContext.ReusePolicy)
			if err != nil {
				return nil, err
			}
			builder.WithReusePolicy(policy)
		}
		cfg.GPUContext = builder.Build()
	}
	if fc.AcceleratorCachePolicy != "" {
		if cfg.AcceleratorCachePolicy, err = backends.ParseCachePolicy(fc.AcceleratorCachePolicy); err != nil {
			return nil, err
		}
	}
	cfg.WithAcceleratorCache(cfg.AcceleratorCachePolicy, fc.AcceleratorBinaryPath, fc.AcceleratorStoragePath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("engine configuration: device=%s, cpu threads=%d (%s), gpu hints=%s/%s, gpu precision=%s",
		cfg.Device, cfg.CPUThreadCount, cfg.CPUAffinity, cfg.GPUPerfHint, cfg.GPUPriorityHint, cfg.GPUPrecision)
	return cfg, nil
}

// LoadConfig reads the YAML configuration file at path, see ParseConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrapf(err, status.IoError, "reading engine configuration")
	}
	return ParseConfig(data)
}
