// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"sync"

	"github.com/gomlx/edgeinfer/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// queueDepth is the number of commands that can be enqueued before Launch blocks.
const queueDepth = 64

// command is either a kernel (run) or a fence, triggered with the queue error when reached.
type command struct {
	name      string
	run       func() error
	fence     *xsync.LatchWithValue[error]
	takeError bool
}

// commandQueue executes commands in order, in its own goroutine.
//
// After a command fails, the following kernels are skipped until the error is collected by
// Synchronize.
type commandQueue struct {
	commands chan command
	done     chan struct{}

	muClose sync.Mutex
	closed  bool

	// err is only accessed by the queue goroutine.
	err error
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{
		commands: make(chan command, queueDepth),
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *commandQueue) loop() {
	defer close(q.done)
	for cmd := range q.commands {
		if cmd.fence != nil {
			err := q.err
			if cmd.takeError {
				q.err = nil
			}
			cmd.fence.Trigger(err)
			continue
		}
		if q.err != nil {
			klog.V(2).Infof("gpu queue: skipping %q after error", cmd.name)
			continue
		}
		if err := cmd.run(); err != nil {
			q.err = err
		}
	}
}

// enqueue adds a command. It returns an error if the queue was closed.
func (q *commandQueue) enqueue(cmd command) error {
	q.muClose.Lock()
	defer q.muClose.Unlock()
	if q.closed {
		return errors.Errorf("gpu queue closed, can't enqueue %q", cmd.name)
	}
	q.commands <- cmd
	return nil
}

func (q *commandQueue) fence(takeError bool) error {
	latch := xsync.NewLatchWithValue[error]()
	if err := q.enqueue(command{name: "fence", fence: latch, takeError: takeError}); err != nil {
		// Closed queues have nothing pending.
		return nil
	}
	return latch.Wait()
}

// Finish blocks until all commands enqueued so far were executed.
func (q *commandQueue) Finish() {
	_ = q.fence(false)
}

// Synchronize blocks until all commands enqueued so far were executed, and returns (and clears)
// the first error since the last Synchronize.
func (q *commandQueue) Synchronize() error {
	return q.fence(true)
}

// Close drains the queue and stops its goroutine. It is idempotent.
func (q *commandQueue) Close() {
	q.muClose.Lock()
	if q.closed {
		q.muClose.Unlock()
		return
	}
	q.closed = true
	close(q.commands)
	q.muClose.Unlock()
	<-q.done
}
