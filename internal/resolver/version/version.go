// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version groups dependencies by (source, version-key), resolves
// each group to a concrete commit through the source manager and git
// driver, and memoizes the result for the life of one resolve.
package version

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/gitdriver"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/source"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:resolver:version")

// GroupKey identifies one (source, version-constraint) group.
type GroupKey struct {
	SourceName string
	VersionKey string
}

// Resolver memoizes PreparedSourceVersion per (source, version_key) for
// the duration of one resolve. It is safe for concurrent use.
type Resolver struct {
	sources *source.Manager
	driver  gitdriver.Driver
	locks   *lockmgr.Manager

	mu    sync.Mutex
	cache map[GroupKey]types.PreparedSourceVersion
}

// New builds a Resolver backed by sm and driver. locks serializes ref
// resolution against concurrent source syncs of the same source through
// the per-source cache lock (see internal/lockmgr).
func New(sm *source.Manager, driver gitdriver.Driver, locks *lockmgr.Manager) *Resolver {
	return &Resolver{sources: sm, driver: driver, locks: locks, cache: make(map[GroupKey]types.PreparedSourceVersion)}
}

// Group collects the distinct (source, version_key) pairs present in deps.
func Group(deps []types.ResourceDependency) map[GroupKey][]types.ResourceDependency {
	groups := make(map[GroupKey][]types.ResourceDependency)
	for _, d := range deps {
		k := GroupKey{SourceName: d.SourceName, VersionKey: d.VersionKey()}
		groups[k] = append(groups[k], d)
	}
	return groups
}

// ResolveAll resolves every distinct (source, version_key) group present
// in deps, concurrently, and returns the memoized table keyed by the
// same GroupKey shape callers can recompute via Group.
func (r *Resolver) ResolveAll(ctx context.Context, deps []types.ResourceDependency) (map[GroupKey]types.PreparedSourceVersion, error) {
	groups := Group(deps)

	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		if k.SourceName == "" {
			continue // purely local dependency; nothing to resolve
		}
		keys = append(keys, k)
	}

	p := pool.NewWithResults[resolveOutcome]().WithMaxGoroutines(8).WithErrors().WithContext(ctx)
	for _, k := range keys {
		k := k
		rep := groups[k][0]
		p.Go(func(ctx context.Context) (resolveOutcome, error) {
			psv, err := r.resolveOne(ctx, k, rep)
			return resolveOutcome{key: k, psv: psv}, err
		})
	}

	outcomes, err := p.Wait()
	if err != nil {
		return nil, err
	}

	result := make(map[GroupKey]types.PreparedSourceVersion, len(outcomes))
	for _, o := range outcomes {
		result[o.key] = o.psv
	}
	return result, nil
}

type resolveOutcome struct {
	key GroupKey
	psv types.PreparedSourceVersion
}

// Resolve resolves a single (source_name, version_key) group, consulting
// and populating the memo table.
func (r *Resolver) Resolve(ctx context.Context, sourceName, versionKey string, rep types.ResourceDependency) (types.PreparedSourceVersion, error) {
	return r.resolveOne(ctx, GroupKey{SourceName: sourceName, VersionKey: versionKey}, rep)
}

func (r *Resolver) resolveOne(ctx context.Context, k GroupKey, rep types.ResourceDependency) (types.PreparedSourceVersion, error) {
	r.mu.Lock()
	if cached, ok := r.cache[k]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	handle, err := r.sources.Sync(ctx, k.SourceName)
	if err != nil {
		return types.PreparedSourceVersion{}, err
	}

	if handle.IsLocalDir {
		psv := types.PreparedSourceVersion{SourceName: k.SourceName, WorktreePath: handle.Path}
		r.store(k, psv)
		return psv, nil
	}

	ref := refFromConstraint(rep)
	log.Printf("resolving %s@%s", k.SourceName, ref)

	workerID := r.locks.NewWorkerID()
	lk, err := r.locks.Acquire(workerID, k.SourceName, lockmgr.DefaultAcquireTimeout)
	if err != nil {
		return types.PreparedSourceVersion{}, agpmerrs.New(agpmerrs.KindLocking, "lock source for ref resolution", k.SourceName, err)
	}
	defer lk.Close()

	sha, err := r.driver.ResolveRef(ctx, handle.Path, ref)
	if err != nil {
		return types.PreparedSourceVersion{}, agpmerrs.New(agpmerrs.KindGit, "resolve ref", k.SourceName,
			errors.Wrapf(err, "resolving %q", ref))
	}

	psv := types.PreparedSourceVersion{
		SourceName:     k.SourceName,
		ResolvedRef:    ref,
		ResolvedCommit: sha,
	}
	r.store(k, psv)
	return psv, nil
}

func (r *Resolver) store(k GroupKey, psv types.PreparedSourceVersion) {
	r.mu.Lock()
	r.cache[k] = psv
	r.mu.Unlock()
}

func refFromConstraint(d types.ResourceDependency) string {
	switch {
	case d.Rev != "":
		return d.Rev
	case d.Branch != "":
		return d.Branch
	case d.Version != "":
		return d.Version
	default:
		return "HEAD"
	}
}
