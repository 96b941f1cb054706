// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package extractor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/types"
)

const frontMatterDoc = `---
name: reviewer
dependencies:
  snippets:
    - path: snippets/header.md
      version: "^1.0.0"
    - snippets/footer.md
---
# Reviewer

Reviews pull requests.
`

func TestExtractFrontMatter(t *testing.T) {
	got, err := Extract("agents/reviewer.md", []byte(frontMatterDoc), types.ResourceAgent)
	require.NoError(t, err)

	assert.Equal(t, "# Reviewer\n\nReviews pull requests.\n", string(got.Body))
	require.Contains(t, got.Dependencies, "snippets")
	require.Len(t, got.Dependencies["snippets"], 2)
	assert.Equal(t, "snippets/header.md", got.Dependencies["snippets"][0].Path)
	assert.Equal(t, "^1.0.0", got.Dependencies["snippets"][0].Version)
	assert.Equal(t, "snippets/footer.md", got.Dependencies["snippets"][1].Path)
	assert.Equal(t, "reviewer", got.Metadata["name"])
}

func TestExtractNoFrontMatterReturnsWholeBodyUnchanged(t *testing.T) {
	got, err := Extract("agents/plain.md", []byte("# Just content\n"), types.ResourceAgent)
	require.NoError(t, err)
	assert.Equal(t, "# Just content\n", string(got.Body))
	assert.Empty(t, got.Dependencies)
}

func TestExtractUnclosedFrontMatterFallsBackToRawContent(t *testing.T) {
	raw := "---\nname: x\nno closing delimiter\n"
	got, err := Extract("agents/broken.md", []byte(raw), types.ResourceAgent)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got.Body))
}

const mcpServerJSON = `{
  "command": "npx",
  "args": ["@acme/mcp-server"],
  "dependencies": {
    "snippets": ["snippets/config.md"]
  }
}`

func TestExtractJSONStructuredResource(t *testing.T) {
	got, err := Extract("mcp-servers/acme.json", []byte(mcpServerJSON), types.ResourceMCPServer)
	require.NoError(t, err)

	require.Contains(t, got.Dependencies, "snippets")
	require.Len(t, got.Dependencies["snippets"], 1)
	assert.Equal(t, "snippets/config.md", got.Dependencies["snippets"][0].Path)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Body, &body))
	assert.Equal(t, "npx", body["command"])
	_, hasDeps := body["dependencies"]
	assert.False(t, hasDeps, "dependencies field must be stripped from the installable body")
}

func TestExtractJSONDetectedByContentShapeRegardlessOfType(t *testing.T) {
	got, err := Extract("scripts/weird.json", []byte(`{"command": "echo hi"}`), types.ResourceScript)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Body, &body))
	assert.Equal(t, "echo hi", body["command"])
}
