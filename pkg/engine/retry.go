// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/gomlx/edgeinfer/pkg/core/status"
	"k8s.io/klog/v2"
)

// RetryPolicy of CreateWithRetry: the wait between attempts starts at InitialBackoff and is
// multiplied by Multiplier after each failure, up to MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy makes up to 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// CreateWithRetry calls createFn until it succeeds, it fails with a non-retryable error (only
// BackendError is retried), or policy.MaxAttempts is reached. The last error is returned.
func CreateWithRetry(ctx context.Context, policy RetryPolicy, createFn func() (*Engine, error)) (*Engine, error) {
	maxAttempts := max(policy.MaxAttempts, 1)
	backoff := policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		e, err := createFn()
		if err == nil {
			if attempt > 1 {
				klog.Infof("engine %s created at attempt %d", e.ID(), attempt)
			}
			return e, nil
		}
		if !status.IsRetryable(err) || attempt >= maxAttempts {
			return nil, err
		}
		klog.Errorf("engine creation failed (attempt %d of %d), retrying in %s: %v", attempt, maxAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return nil, status.Wrapf(ctx.Err(), status.CodeOf(err), "engine creation interrupted after %d attempts, last error: %v", attempt, err)
		case <-time.After(backoff):
		}
		if policy.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * policy.Multiplier)
		}
		if policy.MaxBackoff > 0 {
			backoff = min(backoff, policy.MaxBackoff)
		}
	}
}
