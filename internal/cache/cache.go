// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache is the content-addressed Git object & worktree store
// that lives under a process-wide cache root. It is the sole owner of
// on-disk clones, worktrees, and lock files: nothing else in the core
// writes there.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/gitdriver"
)

var log = agpmlog.New("agpm:cache")

// Cache manages the on-disk layout {root}/sources/{owner}_{repo}/... and
// the per-source lock files under {root}/.locks/{name}.lock.
type Cache struct {
	Root   string
	Driver gitdriver.Driver
}

// New returns a Cache rooted at root, creating it if necessary.
func New(root string, driver gitdriver.Driver) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(root, "sources"), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache root %s", root)
	}
	return &Cache{Root: root, Driver: driver}, nil
}

// Lock acquires an exclusive lock on the named cache resource, blocking
// until it is available.
func (c *Cache) Lock(name string) (*Lock, error) {
	return AcquireLock(c.Root, name)
}

// LockWithTimeout is Lock with an explicit acquisition deadline; see
// AcquireLockTimeout.
func (c *Cache) LockWithTimeout(name string, timeout time.Duration) (*Lock, error) {
	return AcquireLockTimeout(c.Root, name, timeout)
}

// CloneDir returns the directory a source's bare/working clone lives in.
// It derives {owner}_{repo} from the URL, falling back to
// "unknown_{sourceName}" if the URL cannot be parsed.
func (c *Cache) CloneDir(sourceName, url string) string {
	return filepath.Join(c.Root, "sources", c.dirName(sourceName, url))
}

func (c *Cache) dirName(sourceName, url string) string {
	owner, repo, err := c.Driver.ParseGitURL(url)
	if err != nil || owner == "" || repo == "" {
		return "unknown_" + sanitize(sourceName)
	}
	return sanitize(owner) + "_" + sanitize(repo)
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "-", ":", "-", "@", "-", " ", "-")
	return r.Replace(s)
}

// RepairIfInvalid removes dir if it exists but is not a valid git
// repository, so that the caller can safely reclone. This implements
// the "invalid cache directory is repaired by removal and reclone"
// recovery rule.
func (c *Cache) RepairIfInvalid(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "stat %s", dir)
	}

	if c.Driver.IsGitRepository(dir) {
		return nil
	}

	log.Printf("repairing invalid cache entry %s", dir)
	return errors.Wrapf(os.RemoveAll(dir), "removing invalid cache entry %s", dir)
}

// GetOrCreateWorktreeForSHA returns the path to a worktree of cloneDir
// pinned at sha, creating it if absent. Worktrees are named after the
// short SHA so distinct SHAs don't collide, and concurrent callers
// requesting the same SHA serialize on the cache's per-source lock
// (acquired by the caller before invoking this method).
func (c *Cache) GetOrCreateWorktreeForSHA(ctx context.Context, sourceName, cloneDir, sha string) (string, error) {
	short := sha
	if len(short) > 12 {
		short = short[:12]
	}
	worktreePath := filepath.Join(c.Root, "sources", filepath.Base(cloneDir)+"_worktrees", short)

	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "stat worktree %s", worktreePath)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating worktree parent for %s", sourceName)
	}

	if err := c.Driver.AddWorktree(ctx, cloneDir, sha, worktreePath); err != nil {
		return "", errors.Wrapf(err, "adding worktree for %s@%s", sourceName, sha)
	}

	return worktreePath, nil
}
