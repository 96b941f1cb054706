// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pattern

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasMeta(t *testing.T) {
	assert.True(t, HasMeta("agents/*.md"))
	assert.True(t, HasMeta("agents/[ab].md"))
	assert.True(t, HasMeta("agents/?.md"))
	assert.False(t, HasMeta("agents/reviewer.md"))
}

func TestSplit(t *testing.T) {
	base, pat := Split("agents/team/*.md")
	assert.Equal(t, "agents/team", base)
	assert.Equal(t, "*.md", pat)

	base, pat = Split("agents/reviewer.md")
	assert.Equal(t, "agents/reviewer.md", base)
	assert.Equal(t, "", pat)

	base, pat = Split("*.md")
	assert.Equal(t, "", base)
	assert.Equal(t, "*.md", pat)
}

func writeFiles(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		p := filepath.Join(root, r)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestExpandMatchesAndSorts(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "reviewer.md", "writer.md", "notes.txt")

	matches, err := Expand(root, "*.md", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer.md", "writer.md"}, matches)
}

func TestExpandDoubleStar(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "team/reviewer.md", "team/sub/writer.md")

	matches, err := Expand(root, "**/*.md", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"team/reviewer.md", "team/sub/writer.md"}, matches)
}

func TestExpandHonorsExcludes(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "reviewer.md", "draft.md")

	matches, err := Expand(root, "*.md", []string{"draft.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer.md"}, matches)
}

func TestExpandSkipsSymlinks(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("symlink creation may be restricted in some CI sandboxes")
	}
	root := t.TempDir()
	writeFiles(t, root, "real/reviewer.md")

	err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "linked"))
	require.NoError(t, err)

	matches, err := Expand(root, "**/*.md", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"real/reviewer.md"}, matches)
}

func TestValidatePatternRejectsDotDot(t *testing.T) {
	_, err := Expand(t.TempDir(), "../*.md", nil)
	require.Error(t, err)
}

func TestValidatePatternRejectsAbsolute(t *testing.T) {
	_, err := Expand(t.TempDir(), "/etc/*.md", nil)
	require.Error(t, err)
}
