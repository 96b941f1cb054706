// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/gitdriver"
)

// fakeDriver embeds the Driver interface (nil) so only the methods a given
// test exercises need overriding.
type fakeDriver struct {
	gitdriver.Driver
	owner, repo string
	parseErr    error
	isRepo      bool
}

func (f *fakeDriver) ParseGitURL(url string) (string, string, error) {
	return f.owner, f.repo, f.parseErr
}

func (f *fakeDriver) IsGitRepository(dir string) bool { return f.isRepo }

func TestCloneDirKnownURL(t *testing.T) {
	c, err := New(t.TempDir(), &fakeDriver{owner: "acme", repo: "agents"})
	require.NoError(t, err)

	dir := c.CloneDir("community", "https://github.com/acme/agents")
	assert.Contains(t, dir, "acme_agents")
}

func TestCloneDirUnparseableURLFallsBackToSourceName(t *testing.T) {
	c, err := New(t.TempDir(), &fakeDriver{parseErr: errors.New("bad url")})
	require.NoError(t, err)

	dir := c.CloneDir("my source", "not a url")
	assert.Contains(t, dir, "unknown_my-source")
}

func TestLockRoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	lk, err := c.Lock("community")
	require.NoError(t, err)
	assert.Equal(t, "community", lk.Name())
	require.NoError(t, lk.Close())
}

func TestRepairIfInvalidRemovesNonRepo(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, &fakeDriver{owner: "acme", repo: "agents", isRepo: false})
	require.NoError(t, err)

	dir := c.CloneDir("community", "https://github.com/acme/agents")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, c.RepairIfInvalid(dir))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRepairIfInvalidKeepsValidRepo(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, &fakeDriver{owner: "acme", repo: "agents", isRepo: true})
	require.NoError(t, err)

	dir := c.CloneDir("community", "https://github.com/acme/agents")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, c.RepairIfInvalid(dir))
	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
}
