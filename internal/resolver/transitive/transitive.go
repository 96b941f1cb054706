// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transitive walks the dependency graph breadth-first, in
// parallel batches, discovering transitively-declared dependencies via
// the content extractor and expanding pattern dependencies via the
// pattern expander, then emits a topologically ordered, deduplicated
// resource list.
package transitive

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/extractor"
	"github.com/agpm-dev/agpm/internal/pattern"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:resolver:transitive")

// Node is one base or discovered dependency plus its resolved identity.
type Node struct {
	Key types.DependencyKey
	Dep types.ResourceDependency
}

// ManifestOverride redirects a transitively-discovered dependency to a
// different resolution, keyed by (resource_type, normalized_path,
// source, tool, variant_hash).
type ManifestOverride struct {
	ResourceType types.ResourceType
	Path         string
	Source       string
	Tool         string
	VariantHash  string
	Replacement  types.ResourceDependency
}

// WorktreeRoots maps, for a given source name, the absolute path its
// worktree lives at (or the local directory for local sources).
type WorktreeRoots map[string]string

// Resolver walks the graph for one resolve.
type Resolver struct {
	ManifestDir string
	Roots       WorktreeRoots
	Overrides   []ManifestOverride

	variantHashOf func(types.ResourceDependency) (string, error)

	mu         sync.Mutex
	depsByKey  map[string]types.ResourceDependency
	adjacency  map[string][]string
	processed  map[string]bool
	patternMap map[string]string // pattern-alias-key -> concrete-match-key
}

// New builds a Resolver. variantHashOf computes a dependency's variant
// hash (merged project + dependency template vars); it is injected so
// the resolver has no direct dependency on the template engine.
func New(manifestDir string, roots WorktreeRoots, overrides []ManifestOverride, variantHashOf func(types.ResourceDependency) (string, error)) *Resolver {
	return &Resolver{
		ManifestDir:   manifestDir,
		Roots:         roots,
		Overrides:     overrides,
		variantHashOf: variantHashOf,
		depsByKey:     make(map[string]types.ResourceDependency),
		adjacency:     make(map[string][]string),
		processed:     make(map[string]bool),
		patternMap:    make(map[string]string),
	}
}

type queueEntry struct {
	key    string
	dep    types.ResourceDependency
	parent string // empty for base deps
}

// Resolve runs the parallel BFS over base deps and returns the
// topologically ordered, deduplicated node list.
func (r *Resolver) Resolve(ctx context.Context, baseDeps []types.ResourceDependency) ([]Node, error) {
	var queue []queueEntry
	for _, d := range baseDeps {
		key, err := r.keyFor(d)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.depsByKey[key] = d
		r.mu.Unlock()
		queue = append(queue, queueEntry{key: key, dep: d})
	}

	batchSize := batchSizeFor(runtime.NumCPU())

	for len(queue) > 0 {
		n := batchSize
		if n > len(queue) {
			n = len(queue)
		}
		// Drain from the end (LIFO relative to the serial baseline).
		batch := queue[len(queue)-n:]
		queue = queue[:len(queue)-n]

		p := pool.New().WithMaxGoroutines(n).WithErrors().WithContext(ctx)
		var mu sync.Mutex
		var nextQueue []queueEntry

		for _, entry := range batch {
			entry := entry
			p.Go(func(ctx context.Context) error {
				children, err := r.process(ctx, entry)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					mu.Lock()
					nextQueue = append(nextQueue, children...)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return nil, err
		}
		queue = append(queue, nextQueue...)
	}

	order, err := r.topoSort()
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(order))
	for _, key := range order {
		dep := r.depsByKey[key]
		if dep.IsPattern() {
			// A pattern dependency is replaced by its concrete matches.
			continue
		}
		nodes = append(nodes, Node{Key: keyFromString(key, dep), Dep: dep})
	}
	return nodes, nil
}

func batchSizeFor(cpu int) int {
	v := 2 * cpu
	if v < 10 {
		v = 10
	}
	return v
}

func (r *Resolver) process(ctx context.Context, entry queueEntry) ([]queueEntry, error) {
	r.mu.Lock()
	current, ok := r.depsByKey[entry.key]
	if ok && current.VersionKey() != entry.dep.VersionKey() {
		r.mu.Unlock()
		return nil, nil // superseded
	}
	if entry.parent != "" {
		r.adjacency[entry.parent] = append(r.adjacency[entry.parent], entry.key)
	}
	if r.processed[entry.key] {
		r.mu.Unlock()
		return nil, nil
	}
	r.processed[entry.key] = true
	r.mu.Unlock()

	dep := entry.dep

	if dep.IsPattern() {
		return r.expandPattern(entry)
	}

	return r.extractChildren(ctx, entry)
}

func (r *Resolver) expandPattern(entry queueEntry) ([]queueEntry, error) {
	dep := entry.dep
	root := r.rootFor(dep)
	base, pat := pattern.Split(dep.Path)
	baseDir := filepath.Join(root, base)

	matches, err := pattern.Expand(baseDir, pat, nil)
	if err != nil {
		return nil, err
	}

	var out []queueEntry
	for _, m := range matches {
		child := dep
		child.Path = filepath.ToSlash(filepath.Join(base, m))
		child.Alias = child.Path

		key, err := r.keyFor(child)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.depsByKey[key] = child
		r.patternMap[entry.key+"|"+m] = key
		r.mu.Unlock()

		out = append(out, queueEntry{key: key, dep: child, parent: entry.key})
	}
	return out, nil
}

func (r *Resolver) extractChildren(ctx context.Context, entry queueEntry) ([]queueEntry, error) {
	dep := entry.dep
	root := r.rootFor(dep)
	absPath := filepath.Join(root, dep.Path)

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, agpmerrs.New(agpmerrs.KindIO, "read resource", absPath, err)
	}

	extracted, err := extractor.Extract(absPath, content, dep.ResourceType)
	if err != nil {
		return nil, err
	}

	var out []queueEntry
	for plural, specs := range extracted.Dependencies {
		rt := resourceTypeFromPlural(plural)
		for _, spec := range specs {
			childPath, err := r.resolveChildPath(dep, spec.Path, root)
			if err != nil {
				return nil, err
			}

			install := true
			if spec.Install != nil {
				install = *spec.Install
			}
			tool := dep.Tool
			if spec.Tool != "" {
				tool = types.ToolKind(spec.Tool)
			}

			child := types.ResourceDependency{
				Alias:        childPath,
				SourceName:   dep.SourceName,
				Path:         childPath,
				Version:      firstNonEmpty(spec.Version, dep.Version),
				Branch:       dep.Branch,
				Rev:          dep.Rev,
				Tool:         tool,
				Install:      install,
				ResourceType: rt,
			}

			child = r.applyOverride(child)

			key, err := r.keyFor(child)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			_, seen := r.depsByKey[key]
			if !seen {
				r.depsByKey[key] = child
			}
			r.mu.Unlock()

			out = append(out, queueEntry{key: key, dep: child, parent: entry.key})
			if seen {
				continue
			}
		}
	}
	return out, nil
}

func (r *Resolver) applyOverride(dep types.ResourceDependency) types.ResourceDependency {
	for _, o := range r.Overrides {
		if o.ResourceType != dep.ResourceType || o.Path != dep.Path || o.Source != dep.SourceName || o.Tool != string(dep.Tool) {
			continue
		}
		variantHash := ""
		if r.variantHashOf != nil {
			vh, err := r.variantHashOf(dep)
			if err != nil {
				continue
			}
			variantHash = vh
		}
		if o.VariantHash == variantHash {
			return o.Replacement
		}
	}
	return dep
}

// resolveChildPath resolves a declared dependency path to a canonical
// repo/manifest-relative path, per the path-resolution rules: glob
// patterns normalize against the parent's directory but keep their
// pattern filename verbatim; file-relative/bare paths canonicalize
// against the parent's directory; repo-relative paths canonicalize
// against the worktree root.
func (r *Resolver) resolveChildPath(parent types.ResourceDependency, declared, root string) (string, error) {
	parentDir := filepath.Dir(filepath.Join(root, parent.Path))

	if pattern.HasMeta(declared) {
		base, pat := pattern.Split(declared)
		joined := filepath.Join(parentDir, base)
		rel, err := filepath.Rel(root, joined)
		if err != nil {
			return "", agpmerrs.New(agpmerrs.KindIO, "resolve pattern base", declared, err)
		}
		return filepath.ToSlash(filepath.Join(rel, pat)), nil
	}

	isRepoRelative := strings.HasPrefix(declared, "/")
	var abs string
	if isRepoRelative || (!strings.HasPrefix(declared, "./") && !strings.HasPrefix(declared, "../") && strings.Contains(declared, "/") && looksRepoRelative(declared)) {
		abs = filepath.Join(root, strings.TrimPrefix(declared, "/"))
	} else {
		abs = filepath.Join(parentDir, declared)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", agpmerrs.New(agpmerrs.KindIO, "resolve dependency path", declared, err)
	}
	return filepath.ToSlash(rel), nil
}

// looksRepoRelative is a conservative default: bare filenames and
// "./"/"../" paths are always file-relative; anything else containing a
// separator that isn't explicitly relative is treated as file-relative
// too, matching the spec's "bare filenames are file-relative" rule. This
// helper exists so repo-relative resolution is only ever chosen when a
// caller explicitly used a leading "/".
func looksRepoRelative(_ string) bool {
	return false
}

func (r *Resolver) rootFor(dep types.ResourceDependency) string {
	if dep.SourceName == "" {
		return r.ManifestDir
	}
	return r.Roots[dep.SourceName]
}

func (r *Resolver) keyFor(dep types.ResourceDependency) (string, error) {
	variantHash := ""
	if r.variantHashOf != nil {
		vh, err := r.variantHashOf(dep)
		if err != nil {
			return "", err
		}
		variantHash = vh
	}
	return dep.Key(r.ManifestDir, variantHash).String(), nil
}

func keyFromString(key string, dep types.ResourceDependency) types.DependencyKey {
	parts := strings.SplitN(key, ":", 5)
	k := types.DependencyKey{ResourceType: dep.ResourceType, Tool: dep.Tool}
	if len(parts) >= 2 {
		k.CanonicalName = parts[1]
	}
	if len(parts) >= 3 {
		k.SourceName = parts[2]
	}
	if len(parts) >= 5 {
		k.VariantHash = parts[4]
	}
	return k
}

func resourceTypeFromPlural(plural string) types.ResourceType {
	for _, rt := range types.AllResourceTypes {
		if rt.Plural() == plural {
			return rt
		}
	}
	return types.ResourceType(plural)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// topoSort emits keys in deterministic topological order (ties broken by
// canonical name), appending keys that never entered the graph edges at
// the end, and failing with a cycle report on a cycle.
func (r *Resolver) topoSort() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allKeys := make([]string, 0, len(r.depsByKey))
	for k := range r.depsByKey {
		allKeys = append(allKeys, k)
	}
	sort.Strings(allKeys)

	// Keys on either end of an edge are ordered by the walk below; the
	// rest are appended afterwards.
	inGraph := make(map[string]bool, len(allKeys))
	for parent, children := range r.adjacency {
		inGraph[parent] = true
		for _, c := range children {
			inGraph[c] = true
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(allKeys))
	var order []string
	var stack []string

	var visit func(k string) error
	visit = func(k string) error {
		color[k] = gray
		stack = append(stack, k)

		children := append([]string(nil), r.adjacency[k]...)
		sort.Sort(sort.Reverse(sort.StringSlice(children)))
		for _, c := range children {
			switch color[c] {
			case white:
				if err := visit(c); err != nil {
					return err
				}
			case gray:
				return &agpmerrs.CycleError{Members: append([]string(nil), stack...)}
			}
		}

		stack = stack[:len(stack)-1]
		color[k] = black
		order = append(order, k)
		return nil
	}

	// Roots and children are walked in descending key order so that, once
	// the post-order is reversed below, ties come out in ascending order.
	for i := len(allKeys) - 1; i >= 0; i-- {
		k := allKeys[i]
		if inGraph[k] && color[k] == white {
			if err := visit(k); err != nil {
				return nil, err
			}
		}
	}

	// visit emits in post-order (children before parents); reverse to get
	// parents-before-children topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	for _, k := range allKeys {
		if !inGraph[k] {
			order = append(order, k)
		}
	}
	return order, nil
}
