// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"

	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// AffinityPolicy selects which CPU cores the thread pool binds to.
type AffinityPolicy int

const (
	// AffinityNone doesn't bind threads.
	AffinityNone AffinityPolicy = iota

	// AffinityBigOnly binds to the cores with the highest max frequency.
	AffinityBigOnly

	// AffinityLittleOnly binds to the cores with the lowest max frequency.
	AffinityLittleOnly

	// AffinityHighPerformance binds to the big cores, in frequency order.
	AffinityHighPerformance

	// AffinityPowerSave binds to the little cores, in frequency order.
	AffinityPowerSave
)

var affinityNames = []string{"NONE", "BIG_ONLY", "LITTLE_ONLY", "HIGH_PERFORMANCE", "POWER_SAVE"}

// String implements fmt.Stringer.
func (p AffinityPolicy) String() string {
	if p < 0 || int(p) >= len(affinityNames) {
		return fmt.Sprintf("AffinityPolicy(%d)", int(p))
	}
	return affinityNames[p]
}

// Hint is the GPU performance or priority hint.
type Hint int

const (
	HintDefault Hint = iota
	HintLow
	HintNormal
	HintHigh
)

var hintNames = []string{"DEFAULT", "LOW", "NORMAL", "HIGH"}

// String implements fmt.Stringer.
func (h Hint) String() string {
	if h < 0 || int(h) >= len(hintNames) {
		return fmt.Sprintf("Hint(%d)", int(h))
	}
	return hintNames[h]
}

// ParseHint converts a name or its numeric value ("0" to "3") to a Hint.
func ParseHint(name string) (Hint, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range hintNames {
		if upper == n || upper == fmt.Sprint(i) {
			return Hint(i), nil
		}
	}
	return HintDefault, status.Errorf(status.InvalidArgument, "unknown hint %q", name)
}

// ParseAffinityPolicy converts a name or its numeric value ("0" to "4") to an AffinityPolicy.
func ParseAffinityPolicy(name string) (AffinityPolicy, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range affinityNames {
		if upper == n || upper == fmt.Sprint(i) {
			return AffinityPolicy(i), nil
		}
	}
	return AffinityNone, status.Errorf(status.InvalidArgument, "unknown affinity policy %q", name)
}

// CachePolicy controls the accelerator initialization cache.
type CachePolicy int

const (
	// CacheNone ignores the cache.
	CacheNone CachePolicy = iota

	// CacheStore writes the initialization blob after preparation.
	CacheStore

	// CacheLoad reads the initialization blob and skips preparation when it matches.
	CacheLoad
)

var cachePolicyNames = []string{"NONE", "STORE", "LOAD"}

// String implements fmt.Stringer.
func (p CachePolicy) String() string {
	if p < 0 || int(p) >= len(cachePolicyNames) {
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
	return cachePolicyNames[p]
}

// ParseCachePolicy converts a name or its numeric value ("0" to "2") to a CachePolicy.
func ParseCachePolicy(name string) (CachePolicy, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range cachePolicyNames {
		if upper == n || upper == fmt.Sprint(i) {
			return CachePolicy(i), nil
		}
	}
	return CacheNone, status.Errorf(status.InvalidArgument, "unknown cache policy %q", name)
}

// TuningStore is the subset of the tuning cache a backend uses to auto-tune launches.
// It is implemented by tuning.Cache.
type TuningStore interface {
	// Lookup returns the tuned parameters for (fingerprint, key).
	Lookup(fingerprint, key string) ([]int, bool)

	// Record stores the tuned parameters for (fingerprint, key).
	Record(fingerprint, key string, params []int)
}

// Options configure the backend constructors. Each backend reads only the fields it uses.
type Options struct {
	// CPUThreadCount is the number of threads of the CPU pool. <= 0 means one per core.
	CPUThreadCount int

	// CPUAffinity selects which cores the CPU pool binds to.
	CPUAffinity AffinityPolicy

	// GPUPerfHint and GPUPriorityHint scale the number of concurrent work-groups of the GPU queue.
	GPUPerfHint, GPUPriorityHint Hint

	// GPUMemoryLimit is the maximum bytes of device memory. <= 0 means unlimited.
	GPUMemoryLimit int64

	// ProgramCachePath is the file of compiled GPU programs. Empty disables the cache.
	ProgramCachePath string

	// Tuning, if set, enables work-group auto-tuning on the GPU.
	Tuning TuningStore

	// AcceleratorCachePolicy and the paths where the accelerator initialization blob is kept.
	AcceleratorCachePolicy CachePolicy
	AcceleratorBinaryPath  string
	AcceleratorStoragePath string
}
