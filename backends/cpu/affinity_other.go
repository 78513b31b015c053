// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package cpu

import (
	"runtime"

	"github.com/pkg/errors"
)

// setAffinity is not available outside Linux: the pool runs unpinned.
func setAffinity(cores []int) error {
	return errors.Errorf("cpu affinity not supported on %s (cores %v)", runtime.GOOS, cores)
}
