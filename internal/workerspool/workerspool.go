// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the CPU thread pool: a fixed set of long-lived workers, each
// locked to its own OS thread so thread-level settings (like CPU affinity) stick.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ThreadInitFn is called once by each worker, from its locked OS thread, before it takes any task.
// Errors are logged and the worker keeps running without the setting.
type ThreadInitFn func(workerIdx int) error

// Pool of workers.
type Pool struct {
	// maxParallelism is the number of workers. If 1 or less tasks run inline in the caller.
	maxParallelism int

	tasks  chan func()
	closed atomic.Bool
	wg     sync.WaitGroup

	// muRun serializes Run calls, so one parallel loop uses all the workers at a time.
	muRun sync.Mutex
}

// New returns a Pool with numWorkers workers. numWorkers <= 0 means runtime.NumCPU().
// threadInit is optional.
func New(numWorkers int, threadInit ThreadInitFn) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: numWorkers}
	if numWorkers <= 1 {
		if threadInit != nil {
			klog.V(1).Infof("workerspool: single worker runs inline, thread settings not applied")
		}
		return p
	}
	p.tasks = make(chan func(), numWorkers)
	p.wg.Add(numWorkers)
	var ready sync.WaitGroup
	ready.Add(numWorkers)
	for workerIdx := range numWorkers {
		go p.worker(workerIdx, threadInit, &ready)
	}
	ready.Wait()
	return p
}

func (p *Pool) worker(workerIdx int, threadInit ThreadInitFn, ready *sync.WaitGroup) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if threadInit != nil {
		if err := threadInit(workerIdx); err != nil {
			klog.Warningf("workerspool: worker #%d thread setup failed: %v", workerIdx, err)
		}
	}
	ready.Done()
	for task := range p.tasks {
		task()
	}
}

// MaxParallelism returns the number of workers.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// Run calls task(taskIdx) for taskIdx in [0, numTasks), spread over the workers, and waits for all
// of them to finish. It returns the first error, and converts panics in a task into errors.
func (p *Pool) Run(numTasks int, task func(taskIdx int) error) error {
	if numTasks <= 0 {
		return nil
	}
	if p.closed.Load() {
		return errors.New("workerspool: Run called after Close")
	}
	if p.maxParallelism <= 1 || numTasks == 1 {
		for taskIdx := range numTasks {
			if err := runCatching(taskIdx, task); err != nil {
				return err
			}
		}
		return nil
	}

	p.muRun.Lock()
	defer p.muRun.Unlock()
	var (
		next     atomic.Int32
		firstErr error
		muErr    sync.Mutex
		done     sync.WaitGroup
	)
	loop := func() {
		defer done.Done()
		for {
			taskIdx := int(next.Add(1)) - 1
			if taskIdx >= numTasks {
				return
			}
			if err := runCatching(taskIdx, task); err != nil {
				muErr.Lock()
				if firstErr == nil {
					firstErr = err
				}
				muErr.Unlock()
				// Skip the remaining tasks.
				next.Store(int32(numTasks))
				return
			}
		}
	}
	numLoops := min(numTasks, p.maxParallelism)
	done.Add(numLoops)
	for range numLoops {
		p.tasks <- loop
	}
	done.Wait()
	return firstErr
}

// ParallelFor splits [0, n) into contiguous chunks, one per worker, and calls fn(start, end) for each.
func (p *Pool) ParallelFor(n int, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	numChunks := min(n, max(p.maxParallelism, 1))
	chunkSize := (n + numChunks - 1) / numChunks
	numChunks = (n + chunkSize - 1) / chunkSize
	return p.Run(numChunks, func(chunkIdx int) error {
		start := chunkIdx * chunkSize
		return fn(start, min(start+chunkSize, n))
	})
}

func runCatching(taskIdx int, task func(int) error) error {
	var err error
	exception := exceptions.Try(func() { err = task(taskIdx) })
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			return errors.WithMessagef(panicErr, "workerspool: task #%d panicked", taskIdx)
		}
		return errors.Errorf("workerspool: task #%d panicked: %v", taskIdx, exception)
	}
	return err
}

// Close stops the workers. It is idempotent. Run must not be called after Close.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.tasks != nil {
		close(p.tasks)
		p.wg.Wait()
	}
}
