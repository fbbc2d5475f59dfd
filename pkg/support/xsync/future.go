// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools used by the caches and the worker pools.
package xsync

import "sync"

// Future is a latch that, once resolved, carries a value or an error.
//
// It can be waited on by any number of goroutines. Once resolved it never changes state:
// later calls to Resolve are silently discarded.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve the future with the given value and error.
// It returns false if the future had already been resolved, in which case the values are discarded.
func (f *Future[T]) Resolve(value T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IsDone() {
		return false
	}
	f.value, f.err = value, err
	close(f.done)
	return true
}

// Wait blocks until the future is resolved and returns its value and error.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// IsDone checks whether the future has been resolved, without blocking.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the future is resolved, to be used in a `select`.
func (f *Future[T]) WaitChan() <-chan struct{} {
	return f.done
}
