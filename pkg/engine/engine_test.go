// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/backends/npu"
	"github.com/gomlx/edgeinfer/internal/tensortest"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/layouts"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/shapes"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/core/tensors"
	"github.com/gomlx/edgeinfer/pkg/graph"
	"github.com/gomlx/edgeinfer/pkg/ops"
	"github.com/gomlx/edgeinfer/pkg/tuning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	s1Dims     = []int{1, 1, 2, 16}
	s1Expected = []float32{
		0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23,
		8, 9, 10, 11, 12, 13, 14, 15, 24, 25, 26, 27, 28, 29, 30, 31,
	}
)

// testConfig returns a configuration for device that persists nothing.
func testConfig(t *testing.T, device backends.DeviceType) *Config {
	gpuContext := NewGPUContextBuilder().WithReusePolicy(tuning.ReuseNone).Build()
	t.Cleanup(func() { require.NoError(t, gpuContext.Close()) })
	return NewConfig().
		WithDevice(device).
		WithCPU(2, backends.AffinityNone).
		WithGPUContext(gpuContext).
		WithAcceleratorCache(backends.CacheNone, "", "")
}

func depthToSpaceDims(dims []int, blockSize int) []int {
	return []int{dims[0], dims[1] * blockSize, dims[2] * blockSize, dims[3] / (blockSize * blockSize)}
}

// depthToSpaceModel serializes the graph "output = DepthToSpace(input)" for an NHWC Float32 input.
func depthToSpaceModel(dims []int, blockSize int) []byte {
	g := graph.New("depth_to_space")
	g.AddInput("input", dtypes.Float32, layouts.NHWC, dims...)
	g.AddOp(ops.OpDepthToSpace, "d2s", []string{"input"}, []string{"output"}, graph.IntArg(ops.ArgBlockSize, int64(blockSize)))
	g.AddOutput("output", dtypes.Float32, layouts.NHWC, depthToSpaceDims(dims, blockSize)...)
	return graph.Encode(g)
}

// malformedModel serializes a DepthToSpace graph with an arbitrary input declaration and an output
// whose dimensions are left for the model to infer.
func malformedModel(dtype dtypes.DType, dims []int, blockSize int64) []byte {
	g := graph.New("malformed")
	g.AddInput("input", dtype, layouts.NHWC, dims...)
	g.AddOp(ops.OpDepthToSpace, "d2s", []string{"input"}, []string{"output"}, graph.IntArg(ops.ArgBlockSize, blockSize))
	g.AddOutput("output", dtypes.Float32, layouts.NHWC)
	return graph.Encode(g)
}

// biasAddModel serializes "output = BiasAdd(DepthToSpace(input), bias)" for the S1 input, with the
// bias stored at offset of the returned weights.
func biasAddModel(bias []float32, offset int) (model, weights []byte) {
	weights = memory.AlignedBytes(offset+4*len(bias), 64)
	copy(weights[offset:], memory.AsBytes(bias))
	g := graph.New("bias_add")
	g.AddInput("input", dtypes.Float32, layouts.NHWC, s1Dims...)
	g.AddConstant("bias", dtypes.Float32, layouts.None, int64(offset), int64(4*len(bias)), len(bias))
	g.AddOp(ops.OpDepthToSpace, "d2s", []string{"input"}, []string{"y"}, graph.IntArg(ops.ArgBlockSize, 2))
	g.AddOp(ops.OpBiasAdd, "bias_add", []string{"y", "bias"}, []string{"output"})
	g.AddOutput("output", dtypes.Float32, layouts.NHWC, depthToSpaceDims(s1Dims, 2)...)
	return graph.Encode(g), weights
}

func newEngine(t *testing.T, cfg *Config, model, weights []byte) *Engine {
	e, err := Create(cfg, model, weights, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Destroy()) })
	return e
}

// runOutput runs e with the "input" tensor and returns the "output" one.
func runOutput(t *testing.T, e *Engine, input *tensors.Tensor) *tensors.Tensor {
	outputs := map[string]*tensors.Tensor{"output": nil}
	require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": input}, outputs, nil))
	output := outputs["output"]
	require.NotNil(t, output)
	t.Cleanup(output.Finalize)
	return output
}

func s1Input(t *testing.T) *tensors.Tensor {
	input := tensors.FromFlatData("input", tensortest.Iota(32, 0), layouts.NHWC, s1Dims...)
	t.Cleanup(input.Finalize)
	return input
}

func TestDepthToSpaceScenarios(t *testing.T) {
	for _, device := range []backends.DeviceType{backends.CPU, backends.GPU, backends.DSP, backends.NPU} {
		t.Run(device.String(), func(t *testing.T) {
			e := newEngine(t, testConfig(t, device), depthToSpaceModel(s1Dims, 2), nil)
			output := runOutput(t, e, s1Input(t))
			assert.Equal(t, []int{1, 2, 4, 4}, output.Shape().Dimensions)
			assert.Equal(t, layouts.NHWC, output.Layout())
			assert.Equal(t, s1Expected, tensortest.Float32s(t, output))

			dims := []int{1, 1, 1, 16}
			e = newEngine(t, testConfig(t, device), depthToSpaceModel(dims, 2), nil)
			input := tensors.FromFlatData("input", tensortest.Iota(16, 1), layouts.NHWC, dims...)
			defer input.Finalize()
			output = runOutput(t, e, input)
			assert.Equal(t, []int{1, 2, 2, 4}, output.Shape().Dimensions)
			assert.Equal(t, tensortest.Iota(16, 1), tensortest.Float32s(t, output))
		})
	}
}

func TestPlan(t *testing.T) {
	t.Run("CPU", func(t *testing.T) {
		// The CPU prefers the channel-first kernel: the input is transposed in and out.
		e := newEngine(t, testConfig(t, backends.CPU), depthToSpaceModel(s1Dims, 2), nil)
		stats := e.Stats()
		assert.Equal(t, 3, stats.NumOps)
		assert.Equal(t, 2, stats.NumSyntheticOps)
		assert.Equal(t, 0, stats.NumStaticOps)
		assert.Equal(t, []backends.DeviceType{backends.CPU}, e.Devices())

		md := &RunMetadata{}
		outputs := map[string]*tensors.Tensor{"output": nil}
		require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": s1Input(t)}, outputs, md))
		defer outputs["output"].Finalize()
		require.Len(t, md.Ops, 3)
		types := []string{md.Ops[0].Type, md.Ops[1].Type, md.Ops[2].Type}
		assert.Equal(t, []string{ops.OpTranspose, ops.OpDepthToSpace, ops.OpTranspose}, types)
		assert.True(t, md.Ops[0].Synthetic)
		assert.False(t, md.Ops[1].Synthetic)
		assert.Equal(t, "d2s", md.Ops[1].Name)
		assert.Equal(t, "[1 16 1 2] NCHW -> [1 4 2 4] NCHW", md.Ops[1].Summary)
		for _, op := range md.Ops {
			assert.Equal(t, backends.CPU, op.Device)
		}
	})

	t.Run("GPU", func(t *testing.T) {
		// Transfer and BufferToImage in, ImageToBuffer and Transfer out.
		e := newEngine(t, testConfig(t, backends.GPU), depthToSpaceModel(s1Dims, 2), nil)
		stats := e.Stats()
		assert.Equal(t, 5, stats.NumOps)
		assert.Equal(t, 4, stats.NumSyntheticOps)
		assert.ElementsMatch(t, []backends.DeviceType{backends.GPU, backends.CPU}, e.Devices())

		md := &RunMetadata{}
		outputs := map[string]*tensors.Tensor{"output": nil}
		require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": s1Input(t)}, outputs, md))
		defer outputs["output"].Finalize()
		require.Len(t, md.Ops, 5)
		assert.Equal(t, ops.OpDepthToSpace, md.Ops[2].Type)
		assert.Equal(t, backends.GPU, md.Ops[2].Device)
	})

	t.Run("GPU Float16", func(t *testing.T) {
		// Casts are added on both sides.
		cfg := testConfig(t, backends.GPU).WithGPUPrecision(dtypes.Float16)
		e := newEngine(t, cfg, depthToSpaceModel(s1Dims, 2), nil)
		assert.Equal(t, 7, e.Stats().NumOps)
		output := runOutput(t, e, s1Input(t))
		assert.Equal(t, dtypes.Float32, output.DType())
		assert.Equal(t, s1Expected, tensortest.Float32s(t, output))
	})
}

func TestLargeInput(t *testing.T) {
	dims := []int{1, 192, 192, 128}
	if testing.Short() {
		dims = []int{1, 24, 24, 32}
	}
	size := shapes.Make(dtypes.Float32, dims...).Size()
	input := tensors.FromFlatData("input", tensortest.Fill(size, 1), layouts.NHWC, dims...)
	defer input.Finalize()
	e := newEngine(t, testConfig(t, backends.CPU), depthToSpaceModel(dims, 2), nil)
	output := runOutput(t, e, input)
	assert.Equal(t, depthToSpaceDims(dims, 2), output.Shape().Dimensions)
	tensortest.AllClose(t, tensortest.Fill(size, 1), tensortest.Float32s(t, output), 0, 0)
}

func TestBackendEquivalence(t *testing.T) {
	dims := []int{1, 192, 192, 128}
	if testing.Short() {
		dims = []int{1, 24, 20, 32}
	}
	size := shapes.Make(dtypes.Float32, dims...).Size()
	input := tensors.FromFlatData("input", tensortest.Random(size, 1), layouts.NHWC, dims...)
	defer input.Finalize()
	model := depthToSpaceModel(dims, 2)

	reference := tensortest.Float32s(t, runOutput(t, newEngine(t, testConfig(t, backends.CPU), model, nil), input))

	gpu := newEngine(t, testConfig(t, backends.GPU), model, nil)
	tensortest.AllClose(t, reference, tensortest.Float32s(t, runOutput(t, gpu, input)), 1e-5, 0)

	gpuHalf := newEngine(t, testConfig(t, backends.GPU).WithGPUPrecision(dtypes.Float16), model, nil)
	tensortest.AllClose(t, reference, tensortest.Float32s(t, runOutput(t, gpuHalf, input)), 1e-4, 1e-3)
}

func TestDeterminism(t *testing.T) {
	dims := []int{1, 24, 20, 32}
	size := shapes.Make(dtypes.Float32, dims...).Size()
	input := tensors.FromFlatData("input", tensortest.Random(size, 7), layouts.NHWC, dims...)
	defer input.Finalize()
	model := depthToSpaceModel(dims, 2)
	for _, device := range []backends.DeviceType{backends.CPU, backends.GPU} {
		t.Run(device.String(), func(t *testing.T) {
			e := newEngine(t, testConfig(t, device), model, nil)
			first := tensortest.Float32s(t, runOutput(t, e, input))
			second := tensortest.Float32s(t, runOutput(t, e, input))
			assert.Equal(t, first, second)
			other := newEngine(t, testConfig(t, device), model, nil)
			assert.Equal(t, first, tensortest.Float32s(t, runOutput(t, other, input)))
		})
	}
}

func TestCreateWithRetry(t *testing.T) {
	var attempts atomic.Int32
	backends.Register(backends.DSP, func(opts backends.Options) (backends.Backend, error) {
		if attempts.Add(1) == 1 {
			return nil, status.Errorf(status.BackendError, "dsp: device lost")
		}
		return npu.NewBackend(backends.DSP, opts)
	})
	t.Cleanup(func() {
		backends.Register(backends.DSP, func(opts backends.Options) (backends.Backend, error) {
			return npu.NewBackend(backends.DSP, opts)
		})
	})

	cfg := testConfig(t, backends.DSP)
	model := depthToSpaceModel(s1Dims, 2)
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	e, err := CreateWithRetry(context.Background(), policy, func() (*Engine, error) {
		return Create(cfg, model, nil, nil, nil)
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Destroy()) }()
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, s1Expected, tensortest.Float32s(t, runOutput(t, e, s1Input(t))))
}

func TestCreateWithRetryStops(t *testing.T) {
	var calls int
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	// Non-retryable errors are returned right away.
	_, err := CreateWithRetry(context.Background(), policy, func() (*Engine, error) {
		calls++
		return nil, status.Errorf(status.InvalidArgument, "bad model")
	})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Equal(t, 1, calls)

	// Retryable errors until the attempts are exhausted.
	calls = 0
	_, err = CreateWithRetry(context.Background(), policy, func() (*Engine, error) {
		calls++
		return nil, status.Errorf(status.BackendError, "device lost")
	})
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	assert.Equal(t, 3, calls)

	// A cancelled context interrupts the wait.
	calls = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = CreateWithRetry(ctx, RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Hour}, func() (*Engine, error) {
		calls++
		return nil, status.Errorf(status.BackendError, "device lost")
	})
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestConstants(t *testing.T) {
	bias := []float32{100, 200, 300, 400}
	want := make([]float32, len(s1Expected))
	for i, v := range s1Expected {
		want[i] = v + bias[i%len(bias)]
	}

	for _, tc := range []struct {
		name         string
		offset       int
		wantBorrowed int
	}{
		{"aligned", 0, 1},
		{"unaligned", 4, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			model, weights := biasAddModel(bias, tc.offset)
			before := sha256.Sum256(weights)
			e, err := Create(testConfig(t, backends.CPU), model, weights, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBorrowed, e.Stats().NumBorrowedConstants)
			for range 2 {
				output := runOutput(t, e, s1Input(t))
				assert.Equal(t, want, tensortest.Float32s(t, output))
			}
			require.NoError(t, e.Destroy())
			assert.Equal(t, before, sha256.Sum256(weights), "weights were modified")
		})
	}

	t.Run("GPU", func(t *testing.T) {
		model, weights := biasAddModel(bias, 0)
		e := newEngine(t, testConfig(t, backends.GPU), model, weights)
		assert.Equal(t, want, tensortest.Float32s(t, runOutput(t, e, s1Input(t))))
	})
}

func TestStaticOps(t *testing.T) {
	weights := memory.AlignedBytes(16, 64)
	copy(weights, memory.AsBytes([]float32{1, 2, 3, 4}))
	g := graph.New("static")
	g.AddInput("input", dtypes.Float32, layouts.NHWC, s1Dims...)
	g.AddConstant("c", dtypes.Float32, layouts.NHWC, 0, 16, 1, 1, 1, 4)
	g.AddOp(ops.OpDepthToSpace, "d2s", []string{"input"}, []string{"output"}, graph.IntArg(ops.ArgBlockSize, 2))
	g.AddOp(ops.OpDepthToSpace, "folded_d2s", []string{"c"}, []string{"folded"}, graph.IntArg(ops.ArgBlockSize, 2))
	g.AddOutput("output", dtypes.Float32, layouts.NHWC, 1, 2, 4, 4)
	g.AddOutput("folded", dtypes.Float32, layouts.NHWC, 1, 2, 2, 1)

	e := newEngine(t, testConfig(t, backends.CPU), graph.Encode(g), weights)
	stats := e.Stats()
	assert.Equal(t, 3, stats.NumStaticOps)
	assert.Equal(t, 3, stats.NumOps)

	outputs := map[string]*tensors.Tensor{}
	require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": s1Input(t)}, outputs, nil))
	require.Len(t, outputs, 2)
	assert.Equal(t, s1Expected, tensortest.Float32s(t, outputs["output"]))
	assert.Equal(t, []float32{1, 2, 3, 4}, tensortest.Float32s(t, outputs["folded"]))
	for _, output := range outputs {
		output.Finalize()
	}

	// Selecting only some outputs.
	selected, err := Create(testConfig(t, backends.CPU), graph.Encode(g), weights, nil, []string{"folded"})
	require.NoError(t, err)
	defer func() { require.NoError(t, selected.Destroy()) }()
	require.Len(t, selected.Outputs(), 1)
	assert.Equal(t, "folded", selected.Outputs()[0].Name)
}

func TestCallerTensors(t *testing.T) {
	e := newEngine(t, testConfig(t, backends.CPU), depthToSpaceModel(s1Dims, 2), nil)

	// Input in another dense layout.
	perm, err := layouts.Permutation(layouts.NHWC, layouts.NCHW)
	require.NoError(t, err)
	nhwc := s1Input(t)
	nchw := tensors.FromShape("input", nhwc.Shape().Permute(perm), layouts.NCHW)
	defer nchw.Finalize()
	require.NoError(t, nchw.ConvertFrom(nhwc))
	assert.Equal(t, s1Expected, tensortest.Float32s(t, runOutput(t, e, nchw)))

	// Output in another dtype, given by the caller.
	half := tensors.FromShape("output", shapes.Make(dtypes.Float16, 1, 2, 4, 4), layouts.NHWC)
	defer half.Finalize()
	outputs := map[string]*tensors.Tensor{"output": half}
	require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": nhwc}, outputs, nil))
	assert.Same(t, half, outputs["output"])
	assert.Equal(t, s1Expected, tensortest.Float32s(t, half))
}

func TestRunErrors(t *testing.T) {
	e := newEngine(t, testConfig(t, backends.CPU), depthToSpaceModel(s1Dims, 2), nil)
	input := s1Input(t)
	wrongShape := tensors.FromFlatData("input", tensortest.Iota(16, 0), layouts.NHWC, 1, 1, 1, 16)
	defer wrongShape.Finalize()
	finalized := tensors.FromFlatData("input", tensortest.Iota(32, 0), layouts.NHWC, s1Dims...)
	finalized.Finalize()

	for name, inputs := range map[string]map[string]*tensors.Tensor{
		"missing input": {},
		"unknown input": {"input": input, "other": input},
		"wrong shape":   {"input": wrongShape},
		"finalized":     {"input": finalized},
	} {
		t.Run(name, func(t *testing.T) {
			err := e.Run(inputs, map[string]*tensors.Tensor{}, nil)
			require.Error(t, err)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
		})
	}

	err := e.Run(map[string]*tensors.Tensor{"input": input}, nil, nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	wrongOutput := tensors.FromShape("output", shapes.Make(dtypes.Float32, 1, 4, 4, 2), layouts.NHWC)
	defer wrongOutput.Finalize()
	err = e.Run(map[string]*tensors.Tensor{"input": input}, map[string]*tensors.Tensor{"output": wrongOutput}, nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// The Engine is still usable.
	assert.Equal(t, s1Expected, tensortest.Float32s(t, runOutput(t, e, input)))
}

func TestCreateErrors(t *testing.T) {
	model := depthToSpaceModel(s1Dims, 2)
	for name, create := range map[string]func(cfg *Config) error{
		"invalid config": func(cfg *Config) error {
			_, err := Create(cfg.WithCPU(0, backends.AffinityNone), model, nil, nil, nil)
			return err
		},
		"unknown input": func(cfg *Config) error {
			_, err := Create(cfg, model, nil, []string{"image"}, nil)
			return err
		},
		"inputs not all fed": func(cfg *Config) error {
			_, err := Create(cfg, model, nil, []string{}, nil)
			return err
		},
		"output listed twice": func(cfg *Config) error {
			_, err := Create(cfg, model, nil, nil, []string{"output", "output"})
			return err
		},
		"block size": func(cfg *Config) error {
			_, err := Create(cfg, depthToSpaceModel([]int{1, 1, 2, 18}, 2), nil, nil, nil)
			return err
		},
		"negative dimension": func(cfg *Config) error {
			_, err := Create(cfg, malformedModel(dtypes.Float32, []int{1, -1, 2, 16}, 2), nil, nil, nil)
			return err
		},
		"unsupported dtype": func(cfg *Config) error {
			_, err := Create(cfg, malformedModel(dtypes.DType(99), s1Dims, 2), nil, nil, nil)
			return err
		},
		"rank 7": func(cfg *Config) error {
			_, err := Create(cfg, malformedModel(dtypes.Float32, []int{1, 1, 2, 16, 1, 1, 1}, 2), nil, nil, nil)
			return err
		},
		"block size overflow": func(cfg *Config) error {
			_, err := Create(cfg, malformedModel(dtypes.Float32, s1Dims, 1<<32), nil, nil, nil)
			return err
		},
		"constant outside weights": func(cfg *Config) error {
			model, weights := biasAddModel([]float32{1, 2, 3, 4}, 0)
			_, err := Create(cfg, model, weights[:8], nil, nil)
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := create(testConfig(t, backends.CPU))
			require.Error(t, err)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
		})
	}

	t.Run("corrupt model", func(t *testing.T) {
		_, err := Create(testConfig(t, backends.CPU), []byte{0xff, 0xff, 0xff}, nil, nil, nil)
		require.Error(t, err)
	})

	t.Run("unknown op", func(t *testing.T) {
		g := graph.New("unknown")
		g.AddInput("input", dtypes.Float32, layouts.NHWC, s1Dims...)
		g.AddOp("Softmax", "softmax", []string{"input"}, []string{"output"})
		g.AddOutput("output", dtypes.Float32, layouts.NHWC, s1Dims...)
		_, err := Create(testConfig(t, backends.GPU), graph.Encode(g), nil, nil, nil)
		require.Error(t, err)
		assert.Equal(t, status.Unsupported, status.CodeOf(err))
	})

	t.Run("out of memory", func(t *testing.T) {
		cfg := testConfig(t, backends.GPU).WithGPUMemoryLimit(64)
		_, err := Create(cfg, model, nil, nil, nil)
		require.Error(t, err)
		assert.Equal(t, status.OutOfMemory, status.CodeOf(err))
	})
}

func TestCreateFromFiles(t *testing.T) {
	dir := t.TempDir()
	model, weights := biasAddModel([]float32{1, 1, 1, 1}, 0)
	modelPath, weightsPath := filepath.Join(dir, "model.bin"), filepath.Join(dir, "weights.bin")
	require.NoError(t, os.WriteFile(modelPath, model, 0o644))
	require.NoError(t, os.WriteFile(weightsPath, weights, 0o644))

	e, err := CreateFromFiles(testConfig(t, backends.CPU), modelPath, weightsPath, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stats().NumBorrowedConstants)
	output := tensortest.Float32s(t, runOutput(t, e, s1Input(t)))
	for i, v := range s1Expected {
		assert.Equal(t, v+1, output[i])
	}
	require.NoError(t, e.Destroy())

	_, err = CreateFromFiles(testConfig(t, backends.CPU), filepath.Join(dir, "missing.bin"), "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, status.IoError, status.CodeOf(err))
}

func TestLifecycle(t *testing.T) {
	e, err := Create(testConfig(t, backends.CPU), depthToSpaceModel(s1Dims, 2), nil, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, e.String(), "depth_to_space")
	require.Len(t, e.Inputs(), 1)
	assert.Equal(t, s1Dims, e.Inputs()[0].Dimensions)

	input := s1Input(t)
	outputs := map[string]*tensors.Tensor{"output": nil}
	require.NoError(t, e.Warmup(map[string]*tensors.Tensor{"input": input}, outputs))
	outputs["output"].Finalize()
	for range 2 {
		outputs["output"] = nil
		require.NoError(t, e.Run(map[string]*tensors.Tensor{"input": input}, outputs, nil))
		outputs["output"].Finalize()
	}
	stats := e.Stats()
	assert.Equal(t, 2, stats.NumRuns)
	assert.Greater(t, stats.CreateLatency, time.Duration(0))
	assert.GreaterOrEqual(t, stats.TotalRunLatency, stats.LastRunLatency)

	// Executions are not reentrant.
	e.running.Store(true)
	err = e.Run(map[string]*tensors.Tensor{"input": input}, map[string]*tensors.Tensor{}, nil)
	assert.Equal(t, status.ConcurrentUse, status.CodeOf(err))
	err = e.Warmup(map[string]*tensors.Tensor{"input": input}, map[string]*tensors.Tensor{})
	assert.Equal(t, status.ConcurrentUse, status.CodeOf(err))
	assert.Equal(t, status.ConcurrentUse, status.CodeOf(e.Destroy()))
	e.running.Store(false)

	require.NoError(t, e.Destroy())
	require.NoError(t, e.Destroy())
	err = e.Run(map[string]*tensors.Tensor{"input": input}, map[string]*tensors.Tensor{}, nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

// explodingOp copies the shape of its input and panics when executed.
type explodingOp struct{}

func (explodingOp) Init(ctx *ops.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	_, err = ctx.NewOutput(0, in.Shape(), in.Layout())
	return err
}

func (explodingOp) Run(*ops.Context) error { panic("kernel exploded") }

var registerExplodingOp sync.Once

func TestFailedEngine(t *testing.T) {
	registerExplodingOp.Do(func() {
		ops.Register(ops.KernelSpec{OpType: "Explode", Device: backends.CPU, Layout: layouts.None,
			Priority: ops.PriorityGeneric, Factory: func() ops.Operator { return explodingOp{} }})
	})
	g := graph.New("exploding")
	g.AddInput("input", dtypes.Float32, layouts.NHWC, s1Dims...)
	g.AddOp("Explode", "boom", []string{"input"}, []string{"output"})
	g.AddOutput("output", dtypes.Float32, layouts.NHWC, s1Dims...)
	e := newEngine(t, testConfig(t, backends.CPU), graph.Encode(g), nil)

	output := tensors.FromShape("output", shapes.Make(dtypes.Float32, s1Dims...), layouts.NHWC)
	defer output.Finalize()
	require.NoError(t, output.MapForWrite(func(data []byte) { clear(data) }))
	inputs := map[string]*tensors.Tensor{"input": s1Input(t)}
	err := e.Run(inputs, map[string]*tensors.Tensor{"output": output}, nil)
	require.Error(t, err)
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	assert.Equal(t, tensortest.Fill(32, 0), tensortest.Float32s(t, output), "output written by a failed run")

	err = e.Run(inputs, map[string]*tensors.Tensor{"output": output}, nil)
	require.Error(t, err)
	assert.Equal(t, status.BackendError, status.CodeOf(err))
	assert.Contains(t, err.Error(), "created again")
}

// explodingInitOp panics while being initialized.
type explodingInitOp struct{}

func (explodingInitOp) Init(*ops.Context) error { panic("kernel exploded at initialization") }
func (explodingInitOp) Run(*ops.Context) error { return nil }

var registerExplodingInitOp sync.Once

func TestCreateKernelPanics(t *testing.T) {
	registerExplodingInitOp.Do(func() {
		ops.Register(ops.KernelSpec{OpType: "ExplodeAtInit", Device: backends.CPU, Layout: layouts.None,
			Priority: ops.PriorityGeneric, Factory: func() ops.Operator { return explodingInitOp{} }})
	})
	g := graph.New("exploding_init")
	g.AddInput("input", dtypes.Float32, layouts.NHWC, s1Dims...)
	g.AddOp("ExplodeAtInit", "boom", []string{"input"}, []string{"output"})
	g.AddOutput("output", dtypes.Float32, layouts.NHWC, s1Dims...)
	var e *Engine
	var err error
	require.NotPanics(t, func() { e, err = Create(testConfig(t, backends.CPU), graph.Encode(g), nil, nil, nil) })
	require.Error(t, err)
	assert.Nil(t, e)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Contains(t, err.Error(), "exploded at initialization")
}

func TestGetCapability(t *testing.T) {
	capability, err := GetCapability(backends.CPU)
	require.NoError(t, err)
	assert.Equal(t, backends.CPU, capability.Device)
	assert.Contains(t, capability.DTypes, dtypes.Float32)
	assert.Contains(t, capability.DTypes, dtypes.Uint8)

	capability, err = GetCapability(backends.GPU)
	require.NoError(t, err)
	assert.ElementsMatch(t, []dtypes.DType{dtypes.Float32, dtypes.Float16}, capability.DTypes)
}
