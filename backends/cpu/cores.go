// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/edgeinfer/backends"
	"k8s.io/klog/v2"
)

// SysfsCPUDir is where the per-core frequency limits are read from.
var SysfsCPUDir = "/sys/devices/system/cpu"

// CoreInfo describes one logical core.
type CoreInfo struct {
	ID int

	// MaxFreqKHz is the maximum frequency of the core, or 0 if unknown.
	MaxFreqKHz int64
}

// DetectCores reads the maximum frequency of the first numCPU cores from cpufreq in dir.
// Cores whose frequency can't be read are reported with MaxFreqKHz 0.
func DetectCores(dir string, numCPU int) []CoreInfo {
	cores := make([]CoreInfo, numCPU)
	for id := range numCPU {
		cores[id].ID = id
		path := filepath.Join(dir, fmt.Sprintf("cpu%d", id), "cpufreq", "cpuinfo_max_freq")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		freq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			klog.V(2).Infof("cpu: can't parse %q: %v", path, err)
			continue
		}
		cores[id].MaxFreqKHz = freq
	}
	return cores
}

// SelectCores returns the IDs of the cores the pool should use under policy, and whether each
// worker should be pinned to a single core (in the returned order) instead of the whole set.
//
// Big cores are those with the highest max frequency, little cores those with the lowest. If
// frequencies are unknown or all equal, every core is both big and little.
func SelectCores(cores []CoreInfo, policy backends.AffinityPolicy) (ids []int, pinEach bool) {
	if len(cores) == 0 {
		return nil, false
	}
	var minFreq, maxFreq int64 = cores[0].MaxFreqKHz, cores[0].MaxFreqKHz
	for _, core := range cores {
		minFreq = min(minFreq, core.MaxFreqKHz)
		maxFreq = max(maxFreq, core.MaxFreqKHz)
	}
	filter := func(freq int64) []int {
		var selected []int
		for _, core := range cores {
			if core.MaxFreqKHz == freq {
				selected = append(selected, core.ID)
			}
		}
		return selected
	}
	byFreq := func(descending bool) []int {
		sorted := slices.Clone(cores)
		slices.SortStableFunc(sorted, func(a, b CoreInfo) int {
			if descending {
				return cmp.Compare(b.MaxFreqKHz, a.MaxFreqKHz)
			}
			return cmp.Compare(a.MaxFreqKHz, b.MaxFreqKHz)
		})
		ids := make([]int, len(sorted))
		for i, core := range sorted {
			ids[i] = core.ID
		}
		return ids
	}
	switch policy {
	case backends.AffinityBigOnly:
		return filter(maxFreq), false
	case backends.AffinityLittleOnly:
		return filter(minFreq), false
	case backends.AffinityHighPerformance:
		return byFreq(true), true
	case backends.AffinityPowerSave:
		return byFreq(false), true
	default:
		return byFreq(true), false
	}
}

// Float32GFlops measures (once) the single-thread float32 multiply-add throughput in GFLOPs.
var Float32GFlops = sync.OnceValue(func() float64 {
	const size = 64
	const rounds = 32
	a := make([]float32, size*size)
	b := make([]float32, size*size)
	c := make([]float32, size*size)
	for i := range a {
		a[i] = float32(i%7) * 0.25
		b[i] = float32(i%5) * 0.5
	}
	start := time.Now()
	for range rounds {
		for i := range size {
			for k := range size {
				aik := a[i*size+k]
				row := b[k*size : (k+1)*size]
				out := c[i*size : (i+1)*size]
				for j, bkj := range row {
					out[j] += aik * bkj
				}
			}
		}
	}
	elapsed := time.Since(start)
	if elapsed <= 0 || c[0] < 0 {
		return 0
	}
	flops := 2.0 * size * size * size * rounds
	gflops := flops / float64(elapsed.Nanoseconds())
	klog.V(1).Infof("cpu: measured float32 performance %.2f GFLOPs", gflops)
	return gflops
})
