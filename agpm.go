// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package agpm is the single public entry point: given a manifest, it
// drives source sync, version resolution, worktree materialization,
// transitive resolution, conflict detection, lockfile construction, and
// (optionally) installation into the project tree.
package agpm

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/cache"
	"github.com/agpm-dev/agpm/internal/conflict"
	"github.com/agpm-dev/agpm/internal/extractor"
	"github.com/agpm-dev/agpm/internal/gitdriver"
	"github.com/agpm-dev/agpm/internal/installer"
	"github.com/agpm-dev/agpm/internal/lockfile"
	"github.com/agpm-dev/agpm/internal/lockmgr"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/pattern"
	"github.com/agpm-dev/agpm/internal/resolver/transitive"
	"github.com/agpm-dev/agpm/internal/resolver/version"
	"github.com/agpm-dev/agpm/internal/resolver/worktree"
	"github.com/agpm-dev/agpm/internal/source"
	"github.com/agpm-dev/agpm/internal/template"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm")

// Mode selects how far the orchestrator carries the pipeline.
type Mode int

const (
	// ModeResolveOnly stops after the lockfile is built.
	ModeResolveOnly Mode = iota
	// ModeInstall runs the full pipeline through the Installer.
	ModeInstall
)

// Options configures one orchestration run.
type Options struct {
	ManifestPath string
	CacheRoot    string
	GlobalConfig map[string]types.Source
	Mode         Mode
}

// Result is what one orchestration run produces.
type Result struct {
	Lockfile lockfile.Lockfile
}

// Run executes the resolver pipeline described in the orchestrator
// component: source sync, version resolution, worktree materialization,
// transitive resolution, conflict detection, lockfile construction, and
// (in ModeInstall) installation.
func Run(ctx context.Context, opts Options) (*Result, error) {
	m, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	m.MergeGlobalSources(opts.GlobalConfig)

	driver := gitdriver.Exec{}
	c, err := cache.New(opts.CacheRoot, driver)
	if err != nil {
		return nil, err
	}
	locks := lockmgr.New(c)
	sm := source.New(c, driver, m.Sources, locks)

	baseDeps := expandManifestDeps(m)

	localBase := make([]types.ResourceDependency, 0, len(baseDeps))
	var gitPatterns, concrete []types.ResourceDependency
	for _, d := range baseDeps {
		switch {
		case d.IsPattern() && d.SourceName != "":
			gitPatterns = append(gitPatterns, d)
		case d.IsPattern():
			localBase = append(localBase, d)
		default:
			concrete = append(concrete, d)
		}
	}

	localExpanded, err := expandLocalPatterns(m.ManifestDir, localBase)
	if err != nil {
		return nil, err
	}
	concrete = append(concrete, localExpanded...)

	vr := version.New(sm, driver, locks)
	psvs, err := vr.ResolveAll(ctx, append(append([]types.ResourceDependency{}, concrete...), gitPatterns...))
	if err != nil {
		return nil, err
	}

	cloneDirs := make(map[string]string)
	for name, s := range m.Sources {
		if isLocalSource(s.URL) {
			continue
		}
		cloneDirs[name] = c.CloneDir(name, s.URL)
	}

	wm := worktree.New(c, locks)
	psvs, err = wm.Materialize(ctx, cloneDirs, psvs)
	if err != nil {
		return nil, err
	}

	roots := make(transitive.WorktreeRoots, len(psvs))
	for k, psv := range psvs {
		roots[k.SourceName] = psv.WorktreePath
	}

	gitExpanded, err := expandGitPatterns(roots, gitPatterns)
	if err != nil {
		return nil, err
	}
	concrete = append(concrete, gitExpanded...)

	variantHashOf := func(dep types.ResourceDependency) (string, error) {
		merged := mergeProjectVars(m.ProjectConfig, dep.TemplateVars)
		return types.VariantHash(merged)
	}

	tr := transitive.New(m.ManifestDir, roots, nil, variantHashOf)
	nodes, err := tr.Resolve(ctx, concrete)
	if err != nil {
		return nil, err
	}

	cd := conflict.New()
	directKeys := make(map[string]bool, len(concrete))
	for _, d := range concrete {
		k, _ := variantHashOf(d)
		directKeys[d.Key(m.ManifestDir, k).GroupKey()] = true
	}
	for _, n := range nodes {
		isDirect := directKeys[n.Key.GroupKey()]
		cd.Observe(n.Key, n.Dep, isDirect)
	}
	if err := cd.Check(); err != nil {
		return nil, err
	}

	lb := lockfile.NewBuilder()
	for name, psv := range uniqueSources(psvs) {
		lb.AddSource(types.LockedSource{Name: name, URL: m.Sources[name].URL, ResolvedCommit: psv.ResolvedCommit})
	}

	for _, n := range nodes {
		lb.Add(buildLockedResource(n, m))
	}
	lf := lb.Build()

	if opts.Mode == ModeResolveOnly {
		return &Result{Lockfile: lf}, nil
	}

	if err := install(m, roots, nodes, lf); err != nil {
		return nil, err
	}

	return &Result{Lockfile: lf}, nil
}

func expandManifestDeps(m *manifest.Manifest) []types.ResourceDependency {
	var out []types.ResourceDependency
	for _, byAlias := range m.Dependencies {
		for _, dep := range byAlias {
			out = append(out, dep)
		}
	}
	return out
}

// isLocalSource mirrors internal/source's URL classification: a source
// is Git-backed (and so gets a clone directory) if its URL names a
// remote (including scp-style user@host:path) or file:// Git repository;
// anything else is a plain directory.
func isLocalSource(url string) bool {
	if strings.Contains(url, "://") {
		return false
	}
	at, colon := strings.Index(url, "@"), strings.Index(url, ":")
	return !(at > 0 && colon > at && !strings.ContainsAny(url[:colon], `/\`))
}

func expandLocalPatterns(manifestDir string, deps []types.ResourceDependency) ([]types.ResourceDependency, error) {
	var out []types.ResourceDependency
	for _, d := range deps {
		base, pat := pattern.Split(d.Path)
		matches, err := pattern.Expand(filepath.Join(manifestDir, base), pat, nil)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			child := d
			child.Path = filepath.ToSlash(filepath.Join(base, match))
			out = append(out, child)
		}
	}
	return out, nil
}

func expandGitPatterns(roots transitive.WorktreeRoots, deps []types.ResourceDependency) ([]types.ResourceDependency, error) {
	var out []types.ResourceDependency
	for _, d := range deps {
		root := roots[d.SourceName]
		if root == "" {
			continue
		}
		base, pat := pattern.Split(d.Path)
		matches, err := pattern.Expand(filepath.Join(root, base), pat, nil)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			child := d
			child.Path = filepath.ToSlash(filepath.Join(base, match))
			out = append(out, child)
		}
	}
	return out, nil
}

func uniqueSources(psvs map[version.GroupKey]types.PreparedSourceVersion) map[string]types.PreparedSourceVersion {
	out := make(map[string]types.PreparedSourceVersion)
	for k, psv := range psvs {
		if k.SourceName == "" {
			continue
		}
		out[k.SourceName] = psv
	}
	return out
}

func mergeProjectVars(project map[string]interface{}, depVars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(project)+len(depVars))
	for k, v := range project {
		out[k] = v
	}
	for k, v := range depVars {
		out[k] = v
	}
	return out
}

func buildLockedResource(n transitive.Node, m *manifest.Manifest) types.LockedResource {
	dep := n.Dep
	canonical := types.CanonicalName(dep, m.ManifestDir)
	tool := dep.Tool
	if tool == "" {
		tool = m.GetDefaultTool(dep.ResourceType)
	}

	variantInputs := mergeProjectVars(m.ProjectConfig, dep.TemplateVars)
	hash, _ := types.VariantHash(variantInputs)

	isPrivate := m.IsPrivateDependency(dep.ResourceType, dep.Alias)

	return types.LockedResource{
		CanonicalName: canonical,
		ResourceType:  dep.ResourceType,
		SourceName:    dep.SourceName,
		Path:          dep.Path,
		Version:       dep.Version,
		Tool:          tool,
		ManifestAlias: dep.Alias,
		Install:       dep.Install,
		VariantInputs: variantInputs,
		VariantHash:   hash,
		IsPrivate:     isPrivate,
	}
}

func install(m *manifest.Manifest, roots transitive.WorktreeRoots, nodes []transitive.Node, lf lockfile.Lockfile) error {
	inst := installer.New(m.ManifestDir, m)
	engine := template.New()

	items := make([]installer.Item, 0, len(lf.Resources))
	byCanonical := make(map[string]transitive.Node, len(nodes))
	for _, n := range nodes {
		byCanonical[types.CanonicalName(n.Dep, m.ManifestDir)] = n
	}

	for _, r := range lf.Resources {
		if !r.Install {
			continue
		}
		n, ok := byCanonical[r.CanonicalName]
		if !ok {
			continue
		}
		root := roots[n.Dep.SourceName]
		if root == "" {
			root = m.ManifestDir
		}
		absPath := filepath.Join(root, n.Dep.Path)

		raw, err := readResourceBytes(absPath)
		if err != nil {
			return err
		}

		body := raw
		if !r.ResourceType.IsMergeTarget() {
			extracted, err := extractor.Extract(absPath, raw, r.ResourceType)
			if err == nil {
				body = extracted.Body
			}
			rendered, err := engine.Render(r.CanonicalName, string(body), template.Context{
				Resource: template.ResourceContext{
					Type:        string(r.ResourceType),
					Name:        r.CanonicalName,
					Source:      r.SourceName,
					Version:     r.Version,
					Path:        r.Path,
				},
				Project: m.ProjectConfig,
			}, n.Dep.TemplateVars)
			if err == nil {
				body = []byte(rendered)
			}
		}

		items = append(items, installer.Item{
			Resource:     r,
			Tool:         r.Tool,
			Bytes:        body,
			Target:       n.Dep.Target,
			Filename:     n.Dep.Filename,
			Flatten:      n.Dep.Flatten,
			SourceRelDir: filepath.Dir(n.Dep.Path),
		})
	}

	_, err := inst.InstallAll(items)
	return err
}

func readResourceBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading resource %s", path)
	}
	return data, nil
}
