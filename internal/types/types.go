// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package types holds the entities shared across the resolve->prepare->install
// pipeline: resources, sources, dependency keys, and the records that end up
// in the lockfile. It has no dependencies on the rest of the core so that
// every component can import it without risking a cycle.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ResourceType is the closed set of resource kinds AGPM understands.
type ResourceType string

const (
	ResourceAgent      ResourceType = "agent"
	ResourceSnippet    ResourceType = "snippet"
	ResourceCommand    ResourceType = "command"
	ResourceScript     ResourceType = "script"
	ResourceHook       ResourceType = "hook"
	ResourceMCPServer  ResourceType = "mcp_server"
)

// AllResourceTypes lists every member of the closed ResourceType set, in
// the canonical ordering used for manifest tables and lockfile sections.
var AllResourceTypes = []ResourceType{
	ResourceAgent, ResourceSnippet, ResourceCommand, ResourceScript, ResourceHook, ResourceMCPServer,
}

// Plural returns the manifest table / lockfile array name for a resource type.
func (t ResourceType) Plural() string {
	switch t {
	case ResourceAgent:
		return "agents"
	case ResourceSnippet:
		return "snippets"
	case ResourceCommand:
		return "commands"
	case ResourceScript:
		return "scripts"
	case ResourceHook:
		return "hooks"
	case ResourceMCPServer:
		return "mcp-servers"
	default:
		return string(t) + "s"
	}
}

// IsMergeTarget reports whether installing a resource of this type means
// splicing it into a shared JSON configuration file, rather than writing
// a standalone file.
func (t ResourceType) IsMergeTarget() bool {
	return t == ResourceHook || t == ResourceMCPServer
}

// ToolKind identifies the consuming tool (e.g. "claude-code", "opencode").
// It is an opaque string as far as the core is concerned.
type ToolKind string

// Source is a named origin of resources: a remote Git URL, a file:// Git
// URL, or a plain local directory path.
type Source struct {
	Name    string
	URL     string
	Enabled bool
}

// SourceKind classifies a Source's URL shape.
type SourceKind int

const (
	SourceKindRemoteGit SourceKind = iota
	SourceKindFileGit
	SourceKindLocalDir
)

// ResourceDependency is one declared entry, whether it came from the
// manifest directly or was discovered transitively by the content
// extractor.
type ResourceDependency struct {
	// Alias is the manifest key (or synthesized name for transitive deps).
	Alias string

	// SourceName is empty for a purely local dependency.
	SourceName string
	Path       string

	// Version constraint forms; mutually exclusive by construction.
	Version  string
	Branch   string
	Rev      string

	Tool     ToolKind
	Target   string
	Filename string
	Flatten  bool
	Install  bool

	TemplateVars map[string]interface{}

	ResourceType ResourceType
}

// IsPattern reports whether Path contains glob meta-characters.
func (d ResourceDependency) IsPattern() bool {
	for _, r := range d.Path {
		switch r {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}

// IsLocal reports whether this dependency has no backing Git source.
func (d ResourceDependency) IsLocal() bool {
	return d.SourceName == ""
}

// VersionKey is the group key the Version Resolver uses: the declared
// constraint, or "HEAD" when nothing was specified.
func (d ResourceDependency) VersionKey() string {
	switch {
	case d.Rev != "":
		return d.Rev
	case d.Branch != "":
		return "branch:" + d.Branch
	case d.Version != "":
		return d.Version
	default:
		return "HEAD"
	}
}

// VariantHash returns the SHA-256 of the canonical JSON serialization of
// the merged project + dependency template vars, or the empty-object
// sentinel hash when there are none.
func VariantHash(merged map[string]interface{}) (string, error) {
	canon, err := canonicalJSON(merged)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON serializes a map with keys sorted at every level so that
// two semantically identical maps always produce identical bytes.
func canonicalJSON(v interface{}) ([]byte, error) {
	ordered, err := orderValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ordered)
}

func orderValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ov, err := orderValue(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kv{k, ov})
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			ov, err := orderValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ov
		}
		return out, nil
	default:
		return val, nil
	}
}

type kv struct {
	K string
	V interface{}
}

// orderedMap marshals as a JSON object whose keys appear in slice order,
// which is how we get deterministic bytes out of encoding/json (which
// otherwise sorts map[string]X keys itself, but only one level deep).
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(pair.K)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(pair.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// CanonicalName computes the identity used for lockfile and install-tree
// naming. Git-backed resources are named by their repo-relative path;
// purely local resources are named by their path normalized relative to
// the manifest directory, which may include leading "../" segments for
// transitive deps that escape it.
func CanonicalName(dep ResourceDependency, manifestDir string) string {
	if dep.SourceName != "" {
		return filepath.ToSlash(filepath.Clean(dep.Path))
	}
	if manifestDir == "" || filepath.IsAbs(dep.Path) {
		return filepath.ToSlash(filepath.Clean(dep.Path))
	}
	rel, err := filepath.Rel(manifestDir, filepath.Join(manifestDir, dep.Path))
	if err != nil {
		return filepath.ToSlash(filepath.Clean(dep.Path))
	}
	return filepath.ToSlash(rel)
}

// Key builds the DependencyKey this dependency is deduplicated and
// conflict-checked under.
func (d ResourceDependency) Key(manifestDir, variantHash string) DependencyKey {
	tool := d.Tool
	return DependencyKey{
		ResourceType:  d.ResourceType,
		CanonicalName: CanonicalName(d, manifestDir),
		SourceName:    d.SourceName,
		Tool:          tool,
		VariantHash:   variantHash,
	}
}

// GroupKey returns the (resource_type, canonical_name) identity the
// Conflict Detector groups by, ignoring source/tool/variant.
func (k DependencyKey) GroupKey() string {
	return fmt.Sprintf("%s:%s", k.ResourceType, k.CanonicalName)
}

// IsLocalEscaping reports whether a local canonical name climbs outside
// the manifest directory (contains a leading "../").
func (k DependencyKey) IsLocalEscaping() bool {
	return strings.HasPrefix(k.CanonicalName, "../")
}

// DependencyKey identifies a logical resource for deduplication and
// conflict detection purposes.
type DependencyKey struct {
	ResourceType  ResourceType
	CanonicalName string
	SourceName    string // optional
	Tool          ToolKind
	VariantHash   string
}

func (k DependencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", k.ResourceType, k.CanonicalName, k.SourceName, k.Tool, k.VariantHash)
}

// PreparedSourceVersion is the result of resolving one (source,
// version-key) group: a concrete worktree pinned at an immutable commit.
type PreparedSourceVersion struct {
	SourceName      string
	WorktreePath    string
	ResolvedRef     string
	ResolvedCommit  string // empty for local-directory sources
}

// LockedResource is the persisted record for one resolved resource.
type LockedResource struct {
	CanonicalName  string
	ResourceType   ResourceType
	SourceName     string
	URL            string
	Path           string
	Version        string
	ResolvedCommit string
	Checksum       string
	InstalledAt    string
	Tool           ToolKind
	ManifestAlias  string
	AppliedPatches map[string]interface{}
	Install        bool
	VariantInputs  map[string]interface{}
	VariantHash    string
	ContextChecksum string
	IsPrivate      bool
	Dependencies   []string // lockfile dependency refs
}

// LockedSource is the pinned commit recorded for a source in the lockfile.
type LockedSource struct {
	Name           string
	URL            string
	ResolvedCommit string
}

// DependencyRef builds the pure string key used to reference a locked
// resource from another locked resource's Dependencies list.
func DependencyRef(rt ResourceType, name string, source string) string {
	if source == "" {
		return fmt.Sprintf("%s:%s", rt, name)
	}
	return fmt.Sprintf("%s:%s:%s", rt, name, source)
}
