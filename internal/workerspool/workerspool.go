// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the work-distribution facility used to run background jobs
// (e.g.: building the sketches of methods discovered while building another one).
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a soft limit on parallelism.
//
// Tasks are plain closures, it's up to the client to synchronize the end of their execution.
type Pool struct {
	// maxParallelism is a target on the limit of tasks running at the same time.
	// 0 disables parallelism (tasks run inline), and a negative value means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	backlog    []func()
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given maxParallelism: see Pool.SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the current target for parallelism.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. If set to 0 parallelism is disabled, if set to -1
// parallelism is unlimited.
//
// It should only be changed before any task is started, otherwise the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
// It must be called with mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and then starts it
// in a separate goroutine.
//
// If parallelism is disabled, it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if !w.IsEnabled() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers available.
// It returns true if it started the task, false otherwise.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunInGoroutine(task)
	return true
}

// Submit never blocks: it starts the task if there is a worker available, or queues it
// to be started as soon as a running task finishes.
//
// Tasks running in the pool can safely Submit more tasks. If parallelism is disabled
// the task is run inline.
func (w *Pool) Submit(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if !w.IsEnabled() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		w.backlog = append(w.backlog, task)
		return
	}
	w.lockedRunInGoroutine(task)
}

// Backlog returns the number of submitted tasks waiting for a worker.
func (w *Pool) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

// lockedRunInGoroutine runs the task, and then any queued tasks, in a new goroutine, keeping tabs on numRunning.
// It must be called with mu locked.
func (w *Pool) lockedRunInGoroutine(task func()) {
	w.numRunning++
	go func() {
		for task != nil {
			task()
			w.mu.Lock()
			task = nil
			if len(w.backlog) > 0 {
				task = w.backlog[0]
				w.backlog[0] = nil
				w.backlog = w.backlog[1:]
			} else {
				w.numRunning--
				w.cond.Signal()
			}
			w.mu.Unlock()
		}
	}()
}
