// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockmgr enforces a global total order over the names of cache
// locks acquired by a single worker, so that parallel workers resolving
// cross-repository transitive dependencies cannot deadlock by acquiring
// the same two locks in different orders.
package lockmgr

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/cache"
)

// DefaultAcquireTimeout is the acquisition deadline callers use when they
// have no more specific timeout of their own.
const DefaultAcquireTimeout = 30 * time.Second

// Manager tracks, per worker identity, the sorted set of lock names
// currently held, and refuses acquisitions that would violate the
// alphabetical order.
type Manager struct {
	cache *cache.Cache

	nextWorkerID int64

	mu   sync.Mutex
	held map[int64][]string
}

// New returns a Manager that acquires underlying locks through c.
func New(c *cache.Cache) *Manager {
	return &Manager{cache: c, held: make(map[int64][]string)}
}

// NewWorkerID returns a fresh, monotonically increasing worker identity.
// Go has no OS-thread-id equivalent exposed to user code, so callers
// that launch one goroutine per logical task mint one of these per task
// and use it for every Acquire call that task makes.
func (m *Manager) NewWorkerID() int64 {
	return atomic.AddInt64(&m.nextWorkerID, 1)
}

// AcquiredLock represents one lock held by one worker. Releasing it
// (Close) deregisters it from the manager and releases the underlying
// cache lock.
type AcquiredLock struct {
	mgr      *Manager
	workerID int64
	name     string
	lock     *cache.Lock
}

// Acquire validates that name is not less than any lock already held by
// workerID, then acquires the underlying cache lock, giving up with a
// timeout error if it is not available within timeout (timeout <= 0
// blocks indefinitely). If workerID already holds name, it returns
// success without re-locking.
func (m *Manager) Acquire(workerID int64, name string, timeout time.Duration) (*AcquiredLock, error) {
	m.mu.Lock()
	heldNow := append([]string(nil), m.held[workerID]...)
	m.mu.Unlock()

	for _, h := range heldNow {
		if h == name {
			// Already held by this worker; no-op re-acquire.
			return &AcquiredLock{mgr: m, workerID: workerID, name: name, lock: nil}, nil
		}
		if name < h {
			return nil, &agpmerrs.OutOfOrder{HeldLocks: heldNow, RequestedLock: name}
		}
	}

	lk, err := m.cache.LockWithTimeout(name, timeout)
	if err != nil {
		return nil, agpmerrs.New(agpmerrs.KindLocking, "acquire lock", name, err)
	}

	m.mu.Lock()
	held := m.held[workerID]
	held = append(held, name)
	sort.Strings(held)
	m.held[workerID] = held
	m.mu.Unlock()

	return &AcquiredLock{mgr: m, workerID: workerID, name: name, lock: lk}, nil
}

// Close releases the lock and deregisters it from the worker's held set.
func (al *AcquiredLock) Close() error {
	if al == nil {
		return nil
	}
	al.mgr.release(al.workerID, al.name)
	if al.lock != nil {
		return al.lock.Close()
	}
	return nil
}

func (m *Manager) release(workerID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.held[workerID]
	for i, h := range held {
		if h == name {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(m.held, workerID)
	} else {
		m.held[workerID] = held
	}
}

// HeldLocks returns a snapshot of the sorted lock names currently held by
// workerID, for tests and diagnostics.
func (m *Manager) HeldLocks(workerID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.held[workerID]...)
}
