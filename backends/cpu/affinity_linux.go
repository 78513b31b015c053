// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cpu

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setAffinity binds the calling OS thread to the given cores.
// The caller must have locked its goroutine to the thread.
func setAffinity(cores []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, core := range cores {
		set.Set(core)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "sched_setaffinity(%v)", cores)
	}
	return nil
}
