// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifest parses agpm.toml into the structured representation
// the rest of the core consumes: sources, per-type dependency tables,
// tool configuration, patches, and privacy flags.
package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/types"
)

const FileName = "agpm.toml"

// ToolConfig describes, for one tool, where each resource type installs
// and (for merge-target types) which file it merges into.
type ToolConfig struct {
	Resources map[types.ResourceType]ToolResourceConfig
}

// ToolResourceConfig is one (tool, resource_type) entry.
type ToolResourceConfig struct {
	Path        string
	MergeTarget string
	Flatten     bool
	Supported   bool
}

// Manifest is the parsed representation of agpm.toml.
type Manifest struct {
	ManifestDir string

	Sources map[string]types.Source

	// Dependencies is keyed by resource type then by manifest alias.
	Dependencies map[types.ResourceType]map[string]types.ResourceDependency

	Tools map[string]ToolConfig

	// Patches is keyed by resource type then alias then arbitrary patch spec.
	Patches map[types.ResourceType]map[string]map[string]interface{}

	// Private is keyed by resource type then alias.
	Private map[types.ResourceType]map[string]bool

	ProjectConfig map[string]interface{}
}

// rawManifest mirrors the TOML shape of agpm.toml directly.
type rawManifest struct {
	Sources map[string]string `toml:"sources"`

	Agents      map[string]rawDependency `toml:"agents"`
	Snippets    map[string]rawDependency `toml:"snippets"`
	Commands    map[string]rawDependency `toml:"commands"`
	Scripts     map[string]rawDependency `toml:"scripts"`
	Hooks       map[string]rawDependency `toml:"hooks"`
	MCPServers  map[string]rawDependency `toml:"mcp-servers"`

	Tools map[string]rawToolConfig `toml:"tools"`

	Patches map[string]map[string]map[string]interface{} `toml:"patches"`
	Private map[string]map[string]bool                    `toml:"private"`
	Project map[string]interface{}                        `toml:"project"`
}

type rawToolConfig struct {
	Resources map[string]rawToolResource `toml:"resources"`
}

type rawToolResource struct {
	Path        string `toml:"path"`
	MergeTarget string `toml:"merge_target"`
	Flatten     bool   `toml:"flatten"`
}

// rawDependency accepts either a bare string (a local path) or a full
// table, matching spec.md §6's "[agents] alias = dependency table or
// simple string" grammar.
type rawDependency struct {
	IsString bool
	String   string

	Source       string                 `toml:"source"`
	Path         string                 `toml:"path"`
	Version      string                 `toml:"version"`
	Branch       string                 `toml:"branch"`
	Rev          string                 `toml:"rev"`
	Target       string                 `toml:"target"`
	Filename     string                 `toml:"filename"`
	Tool         string                 `toml:"tool"`
	Flatten      bool                   `toml:"flatten"`
	Install      *bool                  `toml:"install"`
	TemplateVars map[string]interface{} `toml:"template_vars"`
}

// UnmarshalTOML implements toml.Unmarshaler, allowing a dependency entry
// to be either a bare string or a table.
func (d *rawDependency) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case string:
		d.IsString = true
		d.String = v
		return nil
	case map[string]interface{}:
		if s, ok := v["source"].(string); ok {
			d.Source = s
		}
		if s, ok := v["path"].(string); ok {
			d.Path = s
		}
		if s, ok := v["version"].(string); ok {
			d.Version = s
		}
		if s, ok := v["branch"].(string); ok {
			d.Branch = s
		}
		if s, ok := v["rev"].(string); ok {
			d.Rev = s
		}
		if s, ok := v["target"].(string); ok {
			d.Target = s
		}
		if s, ok := v["filename"].(string); ok {
			d.Filename = s
		}
		if s, ok := v["tool"].(string); ok {
			d.Tool = s
		}
		if b, ok := v["flatten"].(bool); ok {
			d.Flatten = b
		}
		if b, ok := v["install"].(bool); ok {
			d.Install = &b
		}
		if tv, ok := v["template_vars"].(map[string]interface{}); ok {
			d.TemplateVars = tv
		}
		return nil
	default:
		return fmt.Errorf("dependency entry must be a string or a table, got %T", value)
	}
}

func (d rawDependency) toResourceDependency(alias string, rt types.ResourceType) (types.ResourceDependency, error) {
	install := true
	if d.Install != nil {
		install = *d.Install
	}

	if d.IsString {
		return types.ResourceDependency{
			Alias:        alias,
			Path:         d.String,
			Install:      install,
			ResourceType: rt,
		}, nil
	}

	set := 0
	if d.Version != "" {
		set++
	}
	if d.Branch != "" {
		set++
	}
	if d.Rev != "" {
		set++
	}
	if set > 1 {
		return types.ResourceDependency{}, errors.Errorf("%s: version, branch, and rev are mutually exclusive", alias)
	}

	return types.ResourceDependency{
		Alias:        alias,
		SourceName:   d.Source,
		Path:         d.Path,
		Version:      d.Version,
		Branch:       d.Branch,
		Rev:          d.Rev,
		Tool:         types.ToolKind(d.Tool),
		Target:       d.Target,
		Filename:     d.Filename,
		Flatten:      d.Flatten,
		Install:      install,
		TemplateVars: d.TemplateVars,
		ResourceType: rt,
	}, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving manifest directory for %s", path)
	}
	m.ManifestDir = abs
	return m, nil
}

// Parse decodes a manifest from r.
func Parse(r io.Reader) (*Manifest, error) {
	raw := rawManifest{}
	dec := toml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parsing manifest TOML")
	}

	m := &Manifest{
		Sources:       make(map[string]types.Source, len(raw.Sources)),
		Dependencies:  make(map[types.ResourceType]map[string]types.ResourceDependency),
		Tools:         make(map[string]ToolConfig, len(raw.Tools)),
		Patches:       make(map[types.ResourceType]map[string]map[string]interface{}),
		Private:       make(map[types.ResourceType]map[string]bool),
		ProjectConfig: raw.Project,
	}

	for name, url := range raw.Sources {
		m.Sources[name] = types.Source{Name: name, URL: url, Enabled: true}
	}

	tables := []struct {
		rt   types.ResourceType
		deps map[string]rawDependency
	}{
		{types.ResourceAgent, raw.Agents},
		{types.ResourceSnippet, raw.Snippets},
		{types.ResourceCommand, raw.Commands},
		{types.ResourceScript, raw.Scripts},
		{types.ResourceHook, raw.Hooks},
		{types.ResourceMCPServer, raw.MCPServers},
	}

	for _, t := range tables {
		if len(t.deps) == 0 {
			continue
		}
		bucket := make(map[string]types.ResourceDependency, len(t.deps))
		for alias, raw := range t.deps {
			dep, err := raw.toResourceDependency(alias, t.rt)
			if err != nil {
				return nil, err
			}
			bucket[alias] = dep
		}
		m.Dependencies[t.rt] = bucket
	}

	for name, rt := range raw.Tools {
		tc := ToolConfig{Resources: make(map[types.ResourceType]ToolResourceConfig, len(rt.Resources))}
		for plural, r := range rt.Resources {
			resType := resourceTypeFromPlural(plural)
			tc.Resources[resType] = ToolResourceConfig{
				Path:        r.Path,
				MergeTarget: r.MergeTarget,
				Flatten:     r.Flatten,
				Supported:   true,
			}
		}
		m.Tools[name] = tc
	}

	for pluralType, aliases := range raw.Patches {
		rt := resourceTypeFromPlural(pluralType)
		m.Patches[rt] = aliases
	}

	for pluralType, aliases := range raw.Private {
		rt := resourceTypeFromPlural(pluralType)
		m.Private[rt] = aliases
	}

	return m, nil
}

func resourceTypeFromPlural(plural string) types.ResourceType {
	for _, rt := range types.AllResourceTypes {
		if rt.Plural() == plural {
			return rt
		}
	}
	return types.ResourceType(plural)
}

// MergeGlobalSources folds in sources from the global config, with
// manifest entries winning on name collision.
func (m *Manifest) MergeGlobalSources(global map[string]types.Source) {
	for name, s := range global {
		if _, exists := m.Sources[name]; !exists {
			m.Sources[name] = s
		}
	}
}

// defaultMergeTargets is consulted when a tool config doesn't specify a
// merge_target for a merge-target resource type.
var defaultMergeTargets = map[string]map[types.ResourceType]string{
	"claude-code": {
		types.ResourceHook:      ".claude/settings.local.json",
		types.ResourceMCPServer: ".mcp.json",
	},
	"opencode": {
		types.ResourceHook:      ".claude/settings.local.json",
		types.ResourceMCPServer: ".opencode/opencode.json",
	},
}

var defaultToolByType = map[types.ResourceType]string{
	types.ResourceAgent:     "claude-code",
	types.ResourceSnippet:   "claude-code",
	types.ResourceCommand:   "claude-code",
	types.ResourceScript:    "claude-code",
	types.ResourceHook:      "claude-code",
	types.ResourceMCPServer: "claude-code",
}

// GetDefaultTool returns the implicit tool for a resource type when a
// dependency doesn't specify one.
func (m *Manifest) GetDefaultTool(rt types.ResourceType) types.ToolKind {
	return types.ToolKind(defaultToolByType[rt])
}

// GetArtifactResourcePath returns the install directory for (tool,
// resource_type).
func (m *Manifest) GetArtifactResourcePath(tool types.ToolKind, rt types.ResourceType) (string, bool) {
	tc, ok := m.Tools[string(tool)]
	if !ok {
		return defaultArtifactPath(tool, rt), true
	}
	rc, ok := tc.Resources[rt]
	if !ok || rc.Path == "" {
		return defaultArtifactPath(tool, rt), true
	}
	return rc.Path, true
}

func defaultArtifactPath(tool types.ToolKind, rt types.ResourceType) string {
	return fmt.Sprintf(".%s/%s", tool, rt.Plural())
}

// GetMergeTarget returns the merge-target file for (tool, resource_type),
// falling back to the hardcoded per-tool defaults when the manifest
// doesn't override it.
func (m *Manifest) GetMergeTarget(tool types.ToolKind, rt types.ResourceType) (string, bool) {
	if tc, ok := m.Tools[string(tool)]; ok {
		if rc, ok := tc.Resources[rt]; ok && rc.MergeTarget != "" {
			return rc.MergeTarget, true
		}
	}
	if byType, ok := defaultMergeTargets[string(tool)]; ok {
		if target, ok := byType[rt]; ok {
			return target, true
		}
	}
	return "", false
}

// IsResourceSupported reports whether tool supports resource type rt. A
// tool with no explicit configuration is assumed to support every type,
// matching the teacher's permissive default for unconfigured tools.
func (m *Manifest) IsResourceSupported(tool types.ToolKind, rt types.ResourceType) bool {
	tc, ok := m.Tools[string(tool)]
	if !ok {
		return true
	}
	rc, ok := tc.Resources[rt]
	if !ok {
		return false
	}
	return rc.Supported
}

// IsPrivateDependency reports whether alias was flagged private for
// resource type rt.
func (m *Manifest) IsPrivateDependency(rt types.ResourceType, alias string) bool {
	byAlias, ok := m.Private[rt]
	if !ok {
		return false
	}
	return byAlias[alias]
}

// GetDefaultFlatten returns the tool's default flatten setting for rt.
func (m *Manifest) GetDefaultFlatten(tool types.ToolKind, rt types.ResourceType) bool {
	tc, ok := m.Tools[string(tool)]
	if !ok {
		return false
	}
	rc, ok := tc.Resources[rt]
	if !ok {
		return false
	}
	return rc.Flatten
}
