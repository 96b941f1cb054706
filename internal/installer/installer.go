// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package installer is the sole writer to the project tree; it does not
// write the lockfile. It writes file-install resources atomically, merges
// structured resources into shared target files while preserving
// user-owned entries, rewrites private-dependency install paths, and
// takes a backup of any merge-target file before the first time it is
// overwritten in a run.
package installer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/fs"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:installer")

const ownershipKey = "_agpm"

// ownership is the metadata AGPM attaches to every entry it manages
// inside a merge-target file, so a later run (or a human) can tell an
// AGPM-managed entry apart from a user-authored one.
type ownership struct {
	Managed        bool   `json:"managed"`
	Source         string `json:"source,omitempty"`
	Version        string `json:"version,omitempty"`
	InstalledAt    string `json:"installed_at"`
	DependencyName string `json:"dependency_name"`
}

// Item is one resource ready to be installed: its LockedResource shell
// (installed_at/checksum are computed here, not by the caller) plus the
// bytes to write (already template-rendered for file-install textual
// resources).
type Item struct {
	Resource     types.LockedResource
	Tool         types.ToolKind
	Bytes        []byte
	Target       string // custom sub-path override, if any
	Filename     string
	Flatten      bool
	SourceRelDir string // the dep's directory within its source/local tree, for non-flattened installs
}

// Installer writes resolved resources into a project tree.
type Installer struct {
	ProjectRoot string
	Manifest    *manifest.Manifest

	mu           sync.Mutex
	backedUp     map[string]bool
	mergedTarget map[string]map[string]interface{} // target file path -> accumulated JSON document
}

// New returns an Installer rooted at projectRoot.
func New(projectRoot string, m *manifest.Manifest) *Installer {
	return &Installer{
		ProjectRoot:  projectRoot,
		Manifest:     m,
		backedUp:     make(map[string]bool),
		mergedTarget: make(map[string]map[string]interface{}),
	}
}

// InstallAll installs every item in order (lockfile order) and returns
// the updated LockedResource records with installed_at/checksum filled
// in. Any per-resource failure aborts the whole install; files already
// written are left in place (best-effort forward progress), but the
// caller must not persist a lockfile when this returns an error.
func (inst *Installer) InstallAll(items []Item) ([]types.LockedResource, error) {
	results := make([]types.LockedResource, 0, len(items))

	for _, item := range items {
		res, err := inst.installOne(item)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := inst.flushMergeTargets(); err != nil {
		return nil, err
	}

	return results, nil
}

func (inst *Installer) installOne(item Item) (types.LockedResource, error) {
	r := item.Resource

	if r.ResourceType.IsMergeTarget() {
		return inst.installMergeTarget(item)
	}
	return inst.installFile(item)
}

func (inst *Installer) installFile(item Item) (types.LockedResource, error) {
	r := item.Resource

	installedAt, err := inst.ResolveInstallPath(item)
	if err != nil {
		return r, err
	}

	abs := filepath.Join(inst.ProjectRoot, installedAt)
	if err := fs.AtomicWriteFile(abs, item.Bytes, 0o644); err != nil {
		return r, agpmerrs.New(agpmerrs.KindIO, "install resource", abs, err)
	}

	sum := sha256.Sum256(item.Bytes)
	r.InstalledAt = installedAt
	r.Checksum = fmt.Sprintf("%x", sum)
	r.Tool = item.Tool
	return r, nil
}

// ResolveInstallPath computes installed_at for a file-install resource:
// the tool's artifact directory, optionally joined with a custom
// target, then the (possibly flattened) relative filename, then
// rewritten for privacy if the resource is private.
func (inst *Installer) ResolveInstallPath(item Item) (string, error) {
	r := item.Resource

	artifactDir, _ := inst.Manifest.GetArtifactResourcePath(item.Tool, r.ResourceType)

	filename := item.Filename
	if filename == "" {
		filename = filepath.Base(r.Path)
	}

	var rel string
	if item.Flatten || item.SourceRelDir == "" {
		rel = filename
	} else {
		rel = filepath.Join(item.SourceRelDir, filename)
	}

	installedAt := filepath.Join(artifactDir, item.Target, rel)
	installedAt = filepath.ToSlash(installedAt)

	if r.IsPrivate {
		installedAt = rewritePrivatePath(installedAt)
	}

	return installedAt, nil
}

// rewritePrivatePath inserts a private segment ahead of the filename
// while preserving the rest of the path, isolating private dependencies
// from the regular install tree.
func rewritePrivatePath(installedAt string) string {
	dir := filepath.Dir(installedAt)
	base := filepath.Base(installedAt)
	if dir == "." {
		return filepath.ToSlash(filepath.Join(".private", base))
	}
	return filepath.ToSlash(filepath.Join(dir, ".private", base))
}

func (inst *Installer) installMergeTarget(item Item) (types.LockedResource, error) {
	r := item.Resource

	targetRel, ok := inst.Manifest.GetMergeTarget(item.Tool, r.ResourceType)
	if !ok {
		return r, agpmerrs.New(agpmerrs.KindConfiguration, "install merge target", r.CanonicalName,
			errors.Errorf("no merge target configured for tool %q resource type %q", item.Tool, r.ResourceType))
	}
	targetAbs := filepath.Join(inst.ProjectRoot, targetRel)

	var entry map[string]interface{}
	if err := json.Unmarshal(item.Bytes, &entry); err != nil {
		return r, agpmerrs.New(agpmerrs.KindMerge, "parse structured resource", r.CanonicalName, err)
	}

	inst.mu.Lock()
	doc, ok := inst.mergedTarget[targetAbs]
	if !ok {
		loaded, err := inst.loadOrInitTarget(targetAbs, item.Tool)
		if err != nil {
			inst.mu.Unlock()
			return r, err
		}
		doc = loaded
		inst.mergedTarget[targetAbs] = doc
	}

	bucket := mergeBucketKey(r.ResourceType)
	resources, _ := doc[bucket].(map[string]interface{})
	if resources == nil {
		resources = map[string]interface{}{}
	}

	if existing, exists := resources[r.CanonicalName]; exists {
		if !isAgpmManaged(existing) {
			inst.mu.Unlock()
			return r, &agpmerrs.MergeConflictError{TargetFile: targetRel, Key: r.CanonicalName}
		}
	}

	own := ownership{
		Managed:        true,
		Source:         r.SourceName,
		Version:        r.Version,
		InstalledAt:    time.Now().UTC().Format(time.RFC3339),
		DependencyName: r.ManifestAlias,
	}
	entry[ownershipKey] = own
	resources[r.CanonicalName] = entry
	doc[bucket] = resources
	inst.mergedTarget[targetAbs] = doc
	inst.mu.Unlock()

	sum := sha256.Sum256(item.Bytes)
	r.InstalledAt = targetRel
	r.Checksum = fmt.Sprintf("%x", sum)
	r.Tool = item.Tool
	return r, nil
}

// mergeBucketKey returns the top-level JSON key a merge-target resource
// type is spliced under. MCP servers use the literal camelCase key the
// consuming tools (Claude Code, opencode) expect in .mcp.json /
// opencode.json, which does not match ResourceType.Plural()'s kebab-case
// manifest/lockfile naming.
func mergeBucketKey(t types.ResourceType) string {
	if t == types.ResourceMCPServer {
		return "mcpServers"
	}
	return t.Plural()
}

func isAgpmManaged(entry interface{}) bool {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return false
	}
	own, ok := m[ownershipKey].(map[string]interface{})
	if !ok {
		return false
	}
	managed, _ := own["managed"].(bool)
	return managed
}

// loadOrInitTarget loads targetAbs as a JSON document (or creates an
// empty one if it doesn't exist yet), backing up the existing file first.
func (inst *Installer) loadOrInitTarget(targetAbs string, tool types.ToolKind) (map[string]interface{}, error) {
	data, err := os.ReadFile(targetAbs)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, agpmerrs.New(agpmerrs.KindIO, "read merge target", targetAbs, err)
	}

	if err := inst.backupIfNeeded(targetAbs, tool, data); err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, agpmerrs.New(agpmerrs.KindMerge, "parse merge target", targetAbs, err)
	}
	return doc, nil
}

// backupIfNeeded copies the existing contents of targetAbs to
// .agpm/backups/{tool}/{filename} the first time this run is about to
// overwrite it.
func (inst *Installer) backupIfNeeded(targetAbs string, tool types.ToolKind, data []byte) error {
	if inst.backedUp[targetAbs] {
		return nil
	}
	inst.backedUp[targetAbs] = true

	toolDir := string(tool)
	if toolDir == "" {
		toolDir = "root"
	}

	backupPath := filepath.Join(inst.ProjectRoot, ".agpm", "backups", toolDir, filepath.Base(targetAbs))
	log.Printf("backing up %s -> %s", targetAbs, backupPath)
	return fs.AtomicWriteFile(backupPath, data, 0o644)
}

// flushMergeTargets writes every accumulated merge-target document to
// disk atomically, once, after all resources have been staged.
func (inst *Installer) flushMergeTargets() error {
	for targetAbs, doc := range inst.mergedTarget {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return agpmerrs.New(agpmerrs.KindMerge, "serialize merge target", targetAbs, err)
		}
		if err := fs.AtomicWriteFile(targetAbs, data, 0o644); err != nil {
			return agpmerrs.New(agpmerrs.KindIO, "write merge target", targetAbs, err)
		}
	}
	return nil
}
