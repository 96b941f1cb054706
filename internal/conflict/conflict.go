// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conflict tracks, per logical resource, the set of versions,
// tools, and variant hashes requested against it, and reports when two
// *direct* dependencies disagree.
package conflict

import (
	"fmt"
	"sort"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/types"
)

// observation accumulates what's been seen for one (resource_type,
// canonical_name) group.
type observation struct {
	resourceType   types.ResourceType
	canonicalName  string
	versions       map[string]bool
	tools          map[types.ToolKind]bool
	variantHashes  map[string]bool
	sources        map[string]bool
	directVersions map[string]bool
	directTools    map[types.ToolKind]bool
	directVariants map[string]bool
}

// Detector accumulates observations across the whole resolve.
type Detector struct {
	byGroup map[string]*observation
}

// New returns an empty Detector.
func New() *Detector {
	return &Detector{byGroup: make(map[string]*observation)}
}

// Observe records one resolved dependency. isDirect marks whether this
// dependency was declared directly in the manifest (as opposed to
// discovered transitively).
func (d *Detector) Observe(key types.DependencyKey, dep types.ResourceDependency, isDirect bool) {
	g := key.GroupKey()
	o, ok := d.byGroup[g]
	if !ok {
		o = &observation{
			resourceType:   key.ResourceType,
			canonicalName:  key.CanonicalName,
			versions:       map[string]bool{},
			tools:          map[types.ToolKind]bool{},
			variantHashes:  map[string]bool{},
			sources:        map[string]bool{},
			directVersions: map[string]bool{},
			directTools:    map[types.ToolKind]bool{},
			directVariants: map[string]bool{},
		}
		d.byGroup[g] = o
	}

	o.versions[dep.VersionKey()] = true
	o.tools[dep.Tool] = true
	o.variantHashes[key.VariantHash] = true
	o.sources[dep.SourceName] = true

	if isDirect {
		o.directVersions[key.SourceName+"@"+dep.VersionKey()] = true
		o.directTools[dep.Tool] = true
		o.directVariants[key.VariantHash] = true
	}
}

// Check reports a ConflictError for the first logical resource that was
// requested as a direct dependency with two different version
// constraints (source plus declared version key), tools, or variant
// hashes. Resolved commit SHAs are not compared, so two different
// constraints conflict even when they resolve to the same commit.
// Transitive duplicates never conflict.
func (d *Detector) Check() error {
	groups := make([]string, 0, len(d.byGroup))
	for g := range d.byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		o := d.byGroup[g]

		if len(o.directVersions) > 1 {
			return &agpmerrs.ConflictError{
				CanonicalName: o.canonicalName,
				ResourceType:  string(o.resourceType),
				Reason:        fmt.Sprintf("conflicting versions requested directly: %s", sortedKeys(o.directVersions)),
			}
		}
		if len(o.directTools) > 1 {
			return &agpmerrs.ConflictError{
				CanonicalName: o.canonicalName,
				ResourceType:  string(o.resourceType),
				Reason:        fmt.Sprintf("conflicting tools requested directly: %s", sortedToolKeys(o.directTools)),
			}
		}
		if len(o.directVariants) > 1 {
			return &agpmerrs.ConflictError{
				CanonicalName: o.canonicalName,
				ResourceType:  string(o.resourceType),
				Reason:        fmt.Sprintf("conflicting template variants requested directly: %s", sortedKeys(o.directVariants)),
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedToolKeys(m map[types.ToolKind]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
