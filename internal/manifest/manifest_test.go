// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/types"
)

const golden = `
[sources]
community = "https://github.com/acme/agpm-community"
local = "./vendor/agents"

[agents]
reviewer = { source = "community", path = "agents/reviewer.md", version = "^1.0.0", template_vars = { tone = "concise" } }
local-helper = "local/helper.md"

[hooks]
pre-commit = { source = "community", path = "hooks/pre-commit.json", branch = "main", tool = "claude-code" }

[tools.claude-code.resources.agents]
path = ".claude/agents"

[tools.claude-code.resources.hooks]
merge_target = ".claude/settings.local.json"

[patches.agents.reviewer]
note = "patched"

[private.agents]
reviewer = true

[project]
name = "demo"
`

func TestParseGolden(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	require.Contains(t, m.Sources, "community")
	assert.Equal(t, "https://github.com/acme/agpm-community", m.Sources["community"].URL)

	agents := m.Dependencies[types.ResourceAgent]
	require.Contains(t, agents, "reviewer")
	reviewer := agents["reviewer"]
	assert.Equal(t, "community", reviewer.SourceName)
	assert.Equal(t, "agents/reviewer.md", reviewer.Path)
	assert.Equal(t, "^1.0.0", reviewer.Version)
	assert.True(t, reviewer.Install)

	helper := agents["local-helper"]
	assert.Equal(t, "local/helper.md", helper.Path)
	assert.True(t, helper.IsLocal())

	hooks := m.Dependencies[types.ResourceHook]
	require.Contains(t, hooks, "pre-commit")
	assert.Equal(t, "main", hooks["pre-commit"].Branch)

	assert.True(t, m.IsPrivateDependency(types.ResourceAgent, "reviewer"))
	assert.False(t, m.IsPrivateDependency(types.ResourceAgent, "local-helper"))

	assert.Equal(t, "demo", m.ProjectConfig["name"])
}

func TestParseRejectsMutuallyExclusiveVersionFields(t *testing.T) {
	const bad = `
[agents]
reviewer = { source = "community", path = "agents/reviewer.md", version = "^1.0.0", branch = "main" }
`
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestGetArtifactResourcePathUsesToolOverride(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	path, ok := m.GetArtifactResourcePath("claude-code", types.ResourceAgent)
	require.True(t, ok)
	assert.Equal(t, ".claude/agents", path)
}

func TestGetArtifactResourcePathFallsBackToDefault(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	path, ok := m.GetArtifactResourcePath("opencode", types.ResourceSnippet)
	require.True(t, ok)
	assert.Equal(t, ".opencode/snippets", path)
}

func TestGetMergeTargetPrefersManifestOverDefault(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	target, ok := m.GetMergeTarget("claude-code", types.ResourceHook)
	require.True(t, ok)
	assert.Equal(t, ".claude/settings.local.json", target)
}

func TestGetMergeTargetFallsBackToHardcodedDefault(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	target, ok := m.GetMergeTarget("claude-code", types.ResourceMCPServer)
	require.True(t, ok)
	assert.Equal(t, ".mcp.json", target)
}

func TestMergeGlobalSourcesManifestWins(t *testing.T) {
	m, err := Parse(strings.NewReader(golden))
	require.NoError(t, err)

	m.MergeGlobalSources(map[string]types.Source{
		"community": {Name: "community", URL: "https://should-not-win"},
		"extra":     {Name: "extra", URL: "https://example.com/extra"},
	})

	assert.Equal(t, "https://github.com/acme/agpm-community", m.Sources["community"].URL)
	assert.Equal(t, "https://example.com/extra", m.Sources["extra"].URL)
}
