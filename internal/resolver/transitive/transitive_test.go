// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transitive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/types"
)

func noVariant(types.ResourceDependency) (string, error) { return "", nil }

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestResolveDiscoversTransitiveDependency(t *testing.T) {
	root := t.TempDir()
	// "header.md" is a bare filename, so it resolves relative to the
	// parent's own directory (agents/), not the worktree root.
	writeFile(t, root, "agents/reviewer.md", "---\ndependencies:\n  snippets:\n    - header.md\n---\nBody\n")
	writeFile(t, root, "agents/header.md", "# Header\n")

	r := New(root, nil, nil, noVariant)
	nodes, err := r.Resolve(context.Background(), []types.ResourceDependency{
		{Path: "agents/reviewer.md", ResourceType: types.ResourceAgent, Install: true},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	// Parent must come before the child it discovered.
	var reviewerIdx, headerIdx = -1, -1
	for i, n := range nodes {
		switch n.Dep.Path {
		case "agents/reviewer.md":
			reviewerIdx = i
		case "agents/header.md":
			headerIdx = i
		}
	}
	require.NotEqual(t, -1, reviewerIdx)
	require.NotEqual(t, -1, headerIdx)
	assert.Less(t, reviewerIdx, headerIdx)
}

func TestResolveExpandsPatternDependency(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "agents/a.md", "content a")
	writeFile(t, root, "agents/b.md", "content b")

	r := New(root, nil, nil, noVariant)
	nodes, err := r.Resolve(context.Background(), []types.ResourceDependency{
		{Path: "agents/*.md", ResourceType: types.ResourceAgent, Install: true},
	})
	require.NoError(t, err)

	var paths []string
	for _, n := range nodes {
		paths = append(paths, n.Dep.Path)
	}
	assert.ElementsMatch(t, []string{"agents/a.md", "agents/b.md"}, paths)
}

func TestResolveDetectsCycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "agents/a.md", "---\ndependencies:\n  agents:\n    - b.md\n---\nA\n")
	writeFile(t, root, "agents/b.md", "---\ndependencies:\n  agents:\n    - a.md\n---\nB\n")

	r := New(root, nil, nil, noVariant)
	_, err := r.Resolve(context.Background(), []types.ResourceDependency{
		{Path: "agents/a.md", ResourceType: types.ResourceAgent, Install: true},
	})
	require.Error(t, err)
}

func TestResolveDeduplicatesSharedDependency(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "agents/a.md", "---\ndependencies:\n  snippets:\n    - shared.md\n---\nA\n")
	writeFile(t, root, "agents/b.md", "---\ndependencies:\n  snippets:\n    - shared.md\n---\nB\n")
	writeFile(t, root, "agents/shared.md", "# Shared\n")

	r := New(root, nil, nil, noVariant)
	nodes, err := r.Resolve(context.Background(), []types.ResourceDependency{
		{Path: "agents/a.md", ResourceType: types.ResourceAgent, Install: true},
		{Path: "agents/b.md", ResourceType: types.ResourceAgent, Install: true},
	})
	require.NoError(t, err)

	count := 0
	for _, n := range nodes {
		if n.Dep.Path == "agents/shared.md" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a dependency shared by two parents appears once in the result")
}
