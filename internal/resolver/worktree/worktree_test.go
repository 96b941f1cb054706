// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package worktree

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/cache"
	"github.com/agpm-dev/agpm/internal/gitdriver"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/resolver/version"
	"github.com/agpm-dev/agpm/internal/types"
)

type countingDriver struct {
	gitdriver.Driver
	mu    sync.Mutex
	calls int
}

func (d *countingDriver) AddWorktree(ctx context.Context, dest, sha, worktreePath string) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil
}

func (d *countingDriver) ParseGitURL(url string) (string, string, error) { return "acme", "repo", nil }

func TestMaterializeDedupesBySHA(t *testing.T) {
	driver := &countingDriver{}
	c, err := cache.New(t.TempDir(), driver)
	require.NoError(t, err)

	m := New(c, lockmgr.New(c))

	k1 := version.GroupKey{SourceName: "community", VersionKey: "^1.0.0"}
	k2 := version.GroupKey{SourceName: "community", VersionKey: "branch:main"}

	psvs := map[version.GroupKey]types.PreparedSourceVersion{
		k1: {SourceName: "community", ResolvedCommit: "deadbeef"},
		k2: {SourceName: "community", ResolvedCommit: "deadbeef"},
	}

	out, err := m.Materialize(context.Background(), map[string]string{"community": "/clones/community"}, psvs)
	require.NoError(t, err)

	assert.Equal(t, 1, driver.calls, "same (source, sha) pair must only create one worktree")
	assert.NotEmpty(t, out[k1].WorktreePath)
	assert.Equal(t, out[k1].WorktreePath, out[k2].WorktreePath)
}

func TestMaterializeSkipsLocalDirEntries(t *testing.T) {
	driver := &countingDriver{}
	c, err := cache.New(t.TempDir(), driver)
	require.NoError(t, err)

	m := New(c, lockmgr.New(c))

	k := version.GroupKey{SourceName: "local", VersionKey: "HEAD"}
	psvs := map[version.GroupKey]types.PreparedSourceVersion{
		k: {SourceName: "local", WorktreePath: "/local/dir"},
	}

	out, err := m.Materialize(context.Background(), nil, psvs)
	require.NoError(t, err)
	assert.Equal(t, 0, driver.calls)
	assert.Equal(t, "/local/dir", out[k].WorktreePath)
}

func TestMaterializeReleasesSourceLockAfterEachWorktree(t *testing.T) {
	driver := &countingDriver{}
	c, err := cache.New(t.TempDir(), driver)
	require.NoError(t, err)

	locks := lockmgr.New(c)
	m := New(c, locks)

	k1 := version.GroupKey{SourceName: "community", VersionKey: "^1.0.0"}
	k2 := version.GroupKey{SourceName: "other", VersionKey: "HEAD"}
	psvs := map[version.GroupKey]types.PreparedSourceVersion{
		k1: {SourceName: "community", ResolvedCommit: "deadbeef"},
		k2: {SourceName: "other", ResolvedCommit: "c0ffee"},
	}

	_, err = m.Materialize(context.Background(), map[string]string{
		"community": "/clones/community",
		"other":     "/clones/other",
	}, psvs)
	require.NoError(t, err)

	// Every worker minted during Materialize must have released its lock.
	for id := int64(1); id <= 2; id++ {
		assert.Empty(t, locks.HeldLocks(id))
	}
}
