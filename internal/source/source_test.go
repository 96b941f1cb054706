// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/cache"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/types"
)

type fakeDriver struct {
	cloned, fetched []string
	isRepo          bool
	verifyErr       error
}

func (f *fakeDriver) Clone(ctx context.Context, url, dest string) error {
	f.cloned = append(f.cloned, url)
	return nil
}
func (f *fakeDriver) Fetch(ctx context.Context, dest, url string) error {
	f.fetched = append(f.fetched, dest)
	return nil
}
func (f *fakeDriver) ResolveRef(ctx context.Context, dest, ref string) (string, error) { return "", nil }
func (f *fakeDriver) AddWorktree(ctx context.Context, dest, sha, worktreePath string) error {
	return nil
}
func (f *fakeDriver) PruneWorktrees(ctx context.Context, dest string) error { return nil }
func (f *fakeDriver) IsGitRepository(path string) bool                     { return f.isRepo }
func (f *fakeDriver) VerifyURL(ctx context.Context, url string) error      { return f.verifyErr }
func (f *fakeDriver) ParseGitURL(url string) (string, string, error)       { return "acme", "repo", nil }

func newTestManager(t *testing.T, driver *fakeDriver, sources map[string]types.Source) *Manager {
	t.Helper()
	c, err := cache.New(t.TempDir(), driver)
	require.NoError(t, err)
	return New(c, driver, sources, lockmgr.New(c))
}

func TestSyncUnknownSource(t *testing.T) {
	m := newTestManager(t, &fakeDriver{}, nil)
	_, err := m.Sync(context.Background(), "missing")
	require.Error(t, err)
}

func TestSyncDisabledSource(t *testing.T) {
	m := newTestManager(t, &fakeDriver{}, map[string]types.Source{
		"x": {Name: "x", URL: "https://example.com/x", Enabled: false},
	})
	_, err := m.Sync(context.Background(), "x")
	require.Error(t, err)
}

func TestSyncClonesWhenNotYetCached(t *testing.T) {
	driver := &fakeDriver{isRepo: false}
	m := newTestManager(t, driver, map[string]types.Source{
		"community": {Name: "community", URL: "https://github.com/acme/repo", Enabled: true},
	})

	h, err := m.Sync(context.Background(), "community")
	require.NoError(t, err)
	assert.False(t, h.IsLocalDir)
	assert.Len(t, driver.cloned, 1)
	assert.Empty(t, driver.fetched)
}

func TestSyncFetchesWhenAlreadyCached(t *testing.T) {
	driver := &fakeDriver{isRepo: true}
	m := newTestManager(t, driver, map[string]types.Source{
		"community": {Name: "community", URL: "https://github.com/acme/repo", Enabled: true},
	})

	_, err := m.Sync(context.Background(), "community")
	require.NoError(t, err)
	assert.Empty(t, driver.cloned)
	assert.Len(t, driver.fetched, 1)
}

func TestSyncLocalDirSource(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, &fakeDriver{}, map[string]types.Source{
		"local": {Name: "local", URL: dir, Enabled: true},
	})

	h, err := m.Sync(context.Background(), "local")
	require.NoError(t, err)
	assert.True(t, h.IsLocalDir)
	assert.Equal(t, dir, h.Path)
}

func TestSyncLocalDirRejectsBlacklistedPath(t *testing.T) {
	m := newTestManager(t, &fakeDriver{}, map[string]types.Source{
		"sneaky": {Name: "sneaky", URL: "/etc", Enabled: true},
	})

	_, err := m.Sync(context.Background(), "sneaky")
	require.Error(t, err)
}

func TestSyncLocalDirRejectsNonDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "notadir.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	m := newTestManager(t, &fakeDriver{}, map[string]types.Source{
		"file": {Name: "file", URL: file, Enabled: true},
	})

	_, err := m.Sync(context.Background(), "file")
	require.Error(t, err)
}

func TestGetCachedPathLocalDir(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, &fakeDriver{}, map[string]types.Source{
		"local": {Name: "local", URL: dir, Enabled: true},
	})

	path, ok := m.GetCachedPath("local")
	require.True(t, ok)
	assert.Equal(t, dir, path)
}

func TestGetCachedPathUnknownSource(t *testing.T) {
	m := newTestManager(t, &fakeDriver{}, nil)
	_, ok := m.GetCachedPath("missing")
	assert.False(t, ok)
}

func TestVerifyAllReportsPerSourceResult(t *testing.T) {
	driver := &fakeDriver{}
	m := newTestManager(t, driver, map[string]types.Source{
		"ok":      {Name: "ok", URL: "https://github.com/acme/ok", Enabled: true},
		"blocked": {Name: "blocked", URL: "/etc", Enabled: true},
	})

	results := m.VerifyAll(context.Background())
	require.Contains(t, results, "ok")
	assert.NoError(t, results["ok"])
	require.Contains(t, results, "blocked")
	assert.Error(t, results["blocked"])
}
