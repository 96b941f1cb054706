// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worktree turns the (source, SHA) pairs produced by the
// version resolver into materialized worktrees, deduplicating by SHA
// per source and creating the minimum set in parallel.
package worktree

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/cache"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/resolver/version"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:resolver:worktree")

// shaKey dedupes by (source, sha): the same SHA requested twice for the
// same source only needs one worktree.
type shaKey struct {
	sourceName string
	sha        string
}

// Manager materializes worktrees for resolved (source, SHA) pairs.
type Manager struct {
	cache *cache.Cache
	locks *lockmgr.Manager
}

// New builds a Manager backed by c. locks serializes concurrent worktree
// creation for the same source through the per-source cache lock (see
// internal/lockmgr), as required of GetOrCreateWorktreeForSHA's callers.
func New(c *cache.Cache, locks *lockmgr.Manager) *Manager {
	return &Manager{cache: c, locks: locks}
}

// Materialize takes the memoized PreparedSourceVersion table produced by
// the version resolver and fills in WorktreePath for every Git-backed
// entry, creating worktrees in parallel and reusing one per distinct
// (source, SHA).
func (m *Manager) Materialize(ctx context.Context, cloneDirs map[string]string, psvs map[version.GroupKey]types.PreparedSourceVersion) (map[version.GroupKey]types.PreparedSourceVersion, error) {
	// Collect the distinct (source, sha) pairs actually needed.
	needed := make(map[shaKey][]version.GroupKey)
	for k, psv := range psvs {
		if psv.ResolvedCommit == "" {
			continue // local-directory source; worktree_path is the source dir itself
		}
		sk := shaKey{sourceName: psv.SourceName, sha: psv.ResolvedCommit}
		needed[sk] = append(needed[sk], k)
	}

	type outcome struct {
		sk   shaKey
		path string
		err  error
	}

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(8)
	for sk, keys := range needed {
		sk := sk
		cloneDir := cloneDirs[sk.sourceName]
		_ = keys
		p.Go(func() outcome {
			log.Printf("materializing worktree %s@%s", sk.sourceName, sk.sha)

			workerID := m.locks.NewWorkerID()
			lk, err := m.locks.Acquire(workerID, sk.sourceName, lockmgr.DefaultAcquireTimeout)
			if err != nil {
				return outcome{sk: sk, err: agpmerrs.New(agpmerrs.KindLocking, "lock source for worktree creation", sk.sourceName, err)}
			}
			defer lk.Close()

			path, err := m.cache.GetOrCreateWorktreeForSHA(ctx, sk.sourceName, cloneDir, sk.sha)
			return outcome{sk: sk, path: path, err: err}
		})
	}

	results := p.Wait()

	paths := make(map[shaKey]string, len(results))
	var firstErr error
	var mu sync.Mutex
	for _, r := range results {
		if r.err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = r.err
			}
			mu.Unlock()
			continue
		}
		paths[r.sk] = r.path
	}
	if firstErr != nil {
		return nil, firstErr
	}

	out := make(map[version.GroupKey]types.PreparedSourceVersion, len(psvs))
	for k, psv := range psvs {
		if psv.ResolvedCommit != "" {
			sk := shaKey{sourceName: psv.SourceName, sha: psv.ResolvedCommit}
			psv.WorktreePath = paths[sk]
		}
		out[k] = psv
	}
	return out, nil
}
