// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package source maintains the catalog of named sources declared by a
// manifest (and, when available, the user-global config) and drives
// sync/fetch/verify against them through the cache and git driver.
package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/cache"
	"github.com/agpm-dev/agpm/internal/gitdriver"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:source")

// blacklistedPrefixes are system directories a local-directory source is
// never allowed to point at.
var blacklistedPrefixes = []string{
	"/etc", "/sys", "/proc", "/dev", "/System", "/private/etc", "/boot",
}

// Handle is what Sync hands back to the caller: where the materialized
// source content lives on disk. Sync leaves ResolvedCommit empty; commits
// are resolved by the version resolver.
type Handle struct {
	Path           string
	ResolvedCommit string // empty for local-directory sources
	IsLocalDir     bool
}

// Manager is the catalog of named sources. It is safe for concurrent use.
type Manager struct {
	cache  *cache.Cache
	driver gitdriver.Driver
	locks  *lockmgr.Manager

	mu      sync.RWMutex
	sources map[string]types.Source
}

// New builds a Manager from the merged manifest+global source map.
// On name collision manifest entries must already have won by the time
// this map is built (see internal/manifest). locks serializes per-source
// cache-lock acquisition through the ordering guard described in
// internal/lockmgr.
func New(c *cache.Cache, driver gitdriver.Driver, sources map[string]types.Source, locks *lockmgr.Manager) *Manager {
	m := &Manager{cache: c, driver: driver, locks: locks, sources: make(map[string]types.Source, len(sources))}
	for name, s := range sources {
		m.sources[name] = s
	}
	return m
}

// Get returns the named source.
func (m *Manager) Get(name string) (types.Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[name]
	return s, ok
}

func classify(url string) types.SourceKind {
	switch {
	case strings.HasPrefix(url, "file://"):
		return types.SourceKindFileGit
	case strings.Contains(url, "://"):
		return types.SourceKindRemoteGit
	default:
		// scp-style user@host:path is an ssh Git remote.
		if at, colon := strings.Index(url, "@"), strings.Index(url, ":"); at > 0 && colon > at && !strings.ContainsAny(url[:colon], `/\`) {
			return types.SourceKindRemoteGit
		}
		return types.SourceKindLocalDir
	}
}

// Sync brings all local information about the named source fully up to
// date: clone on first sight, fetch otherwise, for Git sources; for a
// plain local directory, a validated read-only handle with no repo
// semantics at all.
func (m *Manager) Sync(ctx context.Context, name string) (Handle, error) {
	m.mu.RLock()
	s, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return Handle{}, agpmerrs.New(agpmerrs.KindConfiguration, "sync source", name, errors.New("unknown source"))
	}
	if !s.Enabled {
		return Handle{}, agpmerrs.New(agpmerrs.KindConfiguration, "sync source", name, errors.New("source is disabled"))
	}

	return m.syncURL(ctx, name, s.URL)
}

// SyncByURL is the same operation as Sync but addressed directly by URL,
// for sources that are not named in the manifest (e.g. an override
// discovered transitively).
func (m *Manager) SyncByURL(ctx context.Context, url string) (Handle, error) {
	return m.syncURL(ctx, "direct", url)
}

func (m *Manager) syncURL(ctx context.Context, name, url string) (Handle, error) {
	kind := classify(url)

	if kind == types.SourceKindLocalDir {
		return m.syncLocalDir(url)
	}

	cloneDir := m.cache.CloneDir(name, url)

	workerID := m.locks.NewWorkerID()
	lk, err := m.locks.Acquire(workerID, lockNameFor(name, url), lockmgr.DefaultAcquireTimeout)
	if err != nil {
		return Handle{}, agpmerrs.New(agpmerrs.KindLocking, "lock source", name, err)
	}
	defer lk.Close()

	if err := m.cache.RepairIfInvalid(cloneDir); err != nil {
		return Handle{}, err
	}

	if !m.driver.IsGitRepository(cloneDir) {
		log.Printf("cloning %s -> %s", url, cloneDir)
		if err := m.driver.Clone(ctx, url, cloneDir); err != nil {
			return Handle{}, agpmerrs.New(agpmerrs.KindGit, "clone", url, err)
		}
	} else {
		log.Printf("fetching %s", cloneDir)
		fetchURL := ""
		if kind == types.SourceKindFileGit {
			fetchURL = strings.TrimPrefix(url, "file://")
		}
		if err := m.driver.Fetch(ctx, cloneDir, fetchURL); err != nil {
			return Handle{}, agpmerrs.New(agpmerrs.KindGit, "fetch", url, err)
		}
	}

	return Handle{Path: cloneDir}, nil
}

// lockNameFor derives the cache lock name for a source: the declared
// name when one exists, else a URL-derived key so ad hoc SyncByURL calls
// on the same repository still serialize with each other.
func lockNameFor(name, url string) string {
	if name != "" && name != "direct" {
		return name
	}
	return "url-" + strings.Map(func(r rune) rune {
		if r == '/' || r == ':' {
			return '-'
		}
		return r
	}, url)
}

func (m *Manager) syncLocalDir(url string) (Handle, error) {
	path := strings.TrimPrefix(url, "file://")
	if err := validateLocalPathSecurity(path); err != nil {
		return Handle{}, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Handle{}, agpmerrs.New(agpmerrs.KindIO, "resolve local source", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Handle{}, agpmerrs.New(agpmerrs.KindIO, "stat local source", abs, err)
	}
	if !info.IsDir() {
		return Handle{}, agpmerrs.New(agpmerrs.KindConfiguration, "local source", abs, errors.New("not a directory"))
	}

	return Handle{Path: abs, IsLocalDir: true}, nil
}

// validateLocalPathSecurity rejects blacklisted system directories and
// symlinked paths for local-directory sources.
func validateLocalPathSecurity(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return agpmerrs.New(agpmerrs.KindSecurity, "validate local source", path, err)
	}
	clean := filepath.Clean(abs)

	for _, bad := range blacklistedPrefixes {
		if clean == bad || strings.HasPrefix(clean, bad+string(filepath.Separator)) {
			return agpmerrs.New(agpmerrs.KindSecurity, "validate local source", path,
				errors.Errorf("path %q is under a blacklisted system directory", clean))
		}
	}

	if runtimeIsUnix() {
		if fi, err := os.Lstat(clean); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return agpmerrs.New(agpmerrs.KindSecurity, "validate local source", path,
				errors.Errorf("path %q is a symlink", clean))
		}
	}

	return nil
}

// VerifyAll performs a lightweight reachability check across every
// enabled source; it never clones.
func (m *Manager) VerifyAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	sources := make([]types.Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(sources))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(8)
	for _, s := range sources {
		s := s
		p.Go(func() {
			if !s.Enabled {
				return
			}
			if classify(s.URL) == types.SourceKindLocalDir {
				err := validateLocalPathSecurity(strings.TrimPrefix(s.URL, "file://"))
				mu.Lock()
				results[s.Name] = err
				mu.Unlock()
				return
			}
			err := m.driver.VerifyURL(ctx, s.URL)
			mu.Lock()
			results[s.Name] = err
			mu.Unlock()
		})
	}
	p.Wait()

	return results
}

// GetCachedPath is a pure function of name/URL: where Sync would place
// (or has placed) the source's clone, without touching the filesystem.
func (m *Manager) GetCachedPath(name string) (string, bool) {
	s, ok := m.Get(name)
	if !ok {
		return "", false
	}
	if classify(s.URL) == types.SourceKindLocalDir {
		abs, _ := filepath.Abs(strings.TrimPrefix(s.URL, "file://"))
		return abs, true
	}
	return m.cache.CloneDir(name, s.URL), true
}

// SyncMultipleByURL fans out Sync calls for distinct URLs concurrently.
func (m *Manager) SyncMultipleByURL(ctx context.Context, urls []string) ([]Handle, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	p := pool.NewWithResults[syncOutcome]().WithMaxGoroutines(8)
	for _, u := range urls {
		u := u
		p.Go(func() syncOutcome {
			h, err := m.SyncByURL(ctx, u)
			return syncOutcome{handle: h, err: err}
		})
	}

	outcomes := p.Wait()
	handles := make([]Handle, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			return nil, o.err
		}
		handles = append(handles, o.handle)
	}
	return handles, nil
}

type syncOutcome struct {
	handle Handle
	err    error
}
