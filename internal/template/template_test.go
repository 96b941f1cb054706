// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBasicContext(t *testing.T) {
	e := New()

	ctx := Context{
		Resource: ResourceContext{Type: "agent", Name: "reviewer", Path: "agents/reviewer.md"},
		Project:  map[string]interface{}{"name": "demo"},
	}

	out, err := e.Render("agents/reviewer.md", "Hello from {{.agpm.resource.Name}} in {{.project.name}}", ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello from reviewer in demo", out)
}

func TestRenderAppliesFuncMap(t *testing.T) {
	e := New()
	out, err := e.Render("x", "{{upper .project.name}}", Context{Project: map[string]interface{}{"name": "demo"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "DEMO", out)
}

func TestRenderDeepMergesTemplateVars(t *testing.T) {
	e := New()
	ctx := Context{Project: map[string]interface{}{
		"name":   "demo",
		"config": map[string]interface{}{"a": 1, "b": 2},
	}}
	vars := map[string]interface{}{
		"config": map[string]interface{}{"b": 99},
	}

	out, err := e.Render("x", "{{.project.config.a}}-{{.project.config.b}}", ctx, vars)
	require.NoError(t, err)
	assert.Equal(t, "1-99", out)
}

func TestRenderEmbedsDepsContent(t *testing.T) {
	e := New()
	ctx := Context{
		Deps: map[string]map[string]ResourceContext{
			"snippets": {"header": {Content: "# Header"}},
		},
	}

	out, err := e.Render("x", "{{(index .agpm.deps.snippets \"header\").Content}}", ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "# Header", out)
}

func TestRenderCachesByContextDigest(t *testing.T) {
	e := New()
	ctx := Context{Project: map[string]interface{}{"name": "demo"}}

	out1, err := e.Render("x", "{{.project.name}}-{{now}}", ctx, nil)
	// "now" isn't a registered func, so this must fail; use a cacheable template instead.
	if err == nil {
		t.Fatalf("expected parse error for unregistered function, got output %q", out1)
	}

	first, err := e.Render("x", "value is {{.project.name}}", ctx, nil)
	require.NoError(t, err)

	second, err := e.Render("x", "value is {{.project.name}}", ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRenderInvalidTemplateReturnsTemplateError(t *testing.T) {
	e := New()
	_, err := e.Render("x", "{{.unterminated", Context{}, nil)
	require.Error(t, err)
}

func TestDeepMergeReplacesNonObjectValues(t *testing.T) {
	dst := map[string]interface{}{"a": []interface{}{1, 2}}
	deepMerge(dst, map[string]interface{}{"a": []interface{}{3}})
	assert.Equal(t, []interface{}{3}, dst["a"])
}

func TestContextDigestStableUnderKeyOrder(t *testing.T) {
	ctx1 := Context{Project: map[string]interface{}{"a": 1, "b": 2}}
	ctx2 := Context{Project: map[string]interface{}{"b": 2, "a": 1}}

	d1, err := contextDigest(ctx1, nil)
	require.NoError(t, err)
	d2, err := contextDigest(ctx2, nil)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}
