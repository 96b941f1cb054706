// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/cache"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	return New(c)
}

func TestAcquireInOrderSucceeds(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire(1, "a", 0)
	require.NoError(t, err)
	defer a.Close()

	b, err := m.Acquire(1, "b", 0)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, []string{"a", "b"}, m.HeldLocks(1))
}

func TestAcquireOutOfOrderFails(t *testing.T) {
	m := newTestManager(t)

	b, err := m.Acquire(1, "b", 0)
	require.NoError(t, err)
	defer b.Close()

	_, err = m.Acquire(1, "a", 0)
	require.Error(t, err)

	var ooo *agpmerrs.OutOfOrder
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, "a", ooo.RequestedLock)
	assert.Equal(t, []string{"b"}, ooo.HeldLocks)
}

func TestAcquireSameNameTwiceIsNoop(t *testing.T) {
	m := newTestManager(t)

	a1, err := m.Acquire(1, "a", 0)
	require.NoError(t, err)
	defer a1.Close()

	a2, err := m.Acquire(1, "a", 0)
	require.NoError(t, err)
	defer a2.Close()

	assert.Equal(t, []string{"a"}, m.HeldLocks(1))
}

func TestReleaseDeregisters(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire(1, "a", 0)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Empty(t, m.HeldLocks(1))
}

func TestIndependentWorkersDoNotInterfere(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire(1, "b", 0)
	require.NoError(t, err)
	defer a.Close()

	// Worker 2 can acquire "a" even though worker 1 holds "b", since the
	// ordering constraint is per-worker, not global.
	b, err := m.Acquire(2, "a", 0)
	require.NoError(t, err)
	defer b.Close()
}

func TestAcquireTimesOutWhenContended(t *testing.T) {
	m := newTestManager(t)

	held, err := m.Acquire(1, "a", 0)
	require.NoError(t, err)
	defer held.Close()

	_, err = m.Acquire(2, "a", 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}

func TestNewWorkerIDIsMonotonicAndDistinct(t *testing.T) {
	m := newTestManager(t)

	first := m.NewWorkerID()
	second := m.NewWorkerID()
	assert.NotEqual(t, first, second)
}
