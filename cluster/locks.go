// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// timedLock is a mutex whose acquisition can be bounded by a timeout.
// It serializes admissions and proposals on a leader.
type timedLock struct {
	ch chan struct{}
}

func newTimedLock() *timedLock {
	return &timedLock{ch: make(chan struct{}, 1)}
}

// Acquire takes the lock, giving up after [timeout].
func (l *timedLock) Acquire(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// Lock takes the lock, blocking indefinitely.
func (l *timedLock) Lock() {
	l.ch <- struct{}{}
}

// Release frees the lock.
func (l *timedLock) Release() {
	<-l.ch
}

// flagLock is a mutual-exclusion latch whose held state is observable
// by other goroutines. It marks "an election is in progress on this
// peer".
type flagLock struct {
	mu   sync.Mutex
	held atomic.Bool
}

// TryLock takes the latch without blocking.
func (l *flagLock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	l.held.Store(true)
	return true
}

// Unlock frees the latch.
func (l *flagLock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

// Held reports whether the latch is currently taken.
func (l *flagLock) Held() bool {
	return l.held.Load()
}
