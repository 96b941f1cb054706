// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package template renders textual resources with a single-pass
// text/template expansion over a context exposing the resource's own
// metadata, its declared dependencies' metadata and content, and
// project-level variables, memoizing renders in a shared cache.
package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
)

// ResourceContext is the metadata exposed for "agpm.resource" and for
// each entry of "agpm.deps.<plural>.<name>".
type ResourceContext struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	InstallPath    string `json:"install_path"`
	Source         string `json:"source,omitempty"`
	Version        string `json:"version,omitempty"`
	ResolvedCommit string `json:"resolved_commit,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
	Path           string `json:"path"`
	Content        string `json:"content,omitempty"`
}

// Context is the full render context for one resource.
type Context struct {
	Resource ResourceContext
	Deps     map[string]map[string]ResourceContext // plural type -> name -> dep context
	Project  map[string]interface{}
}

// funcMap is deliberately small: template expansion here embeds
// pre-rendered dependency content, it does not run arbitrary logic.
var funcMap = template.FuncMap{
	"upper":   strings.ToUpper,
	"lower":   strings.ToLower,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
	"join":    strings.Join,
}

// Engine renders resource bodies and memoizes results by
// (resource_id, context_digest).
type Engine struct {
	mu    sync.Mutex
	cache map[string]string
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{cache: make(map[string]string)}
}

// Render expands body against ctx, merged with the resource's own
// template_vars (deep-merged: objects recurse, primitives/arrays/nulls
// replace). Dependencies must already be rendered, since their Content
// fields are embedded verbatim.
func (e *Engine) Render(resourceID string, body string, ctx Context, templateVars map[string]interface{}) (string, error) {
	digest, err := contextDigest(ctx, templateVars)
	if err != nil {
		return "", err
	}
	cacheKey := resourceID + "|" + digest

	e.mu.Lock()
	if cached, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	data := buildTemplateData(ctx)
	deepMerge(data["project"].(map[string]interface{}), templateVars)

	tmpl, err := template.New(resourceID).Funcs(funcMap).Parse(body)
	if err != nil {
		return "", agpmerrs.New(agpmerrs.KindTemplate, "parse template", resourceID, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", agpmerrs.New(agpmerrs.KindTemplate, "render template", resourceID, err)
	}

	rendered := buf.String()

	e.mu.Lock()
	e.cache[cacheKey] = rendered
	e.mu.Unlock()

	return rendered, nil
}

func buildTemplateData(ctx Context) map[string]interface{} {
	project := make(map[string]interface{}, len(ctx.Project))
	for k, v := range ctx.Project {
		project[k] = v
	}

	agpm := map[string]interface{}{
		"resource": ctx.Resource,
		"deps":     ctx.Deps,
		"project":  project,
	}

	return map[string]interface{}{
		"agpm":    agpm,
		"project": project,
	}
}

// deepMerge merges src into dst in place: nested maps recurse,
// everything else (primitives, arrays, explicit nulls) replaces the
// destination value outright.
func deepMerge(dst map[string]interface{}, src map[string]interface{}) {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// contextDigest computes the first 16 hex chars of SHA-256 over a
// stably-ordered JSON projection of the rendering-relevant context.
func contextDigest(ctx Context, templateVars map[string]interface{}) (string, error) {
	proj := struct {
		Resource     ResourceContext                   `json:"resource"`
		Deps         map[string]map[string]ResourceContext `json:"deps"`
		Project      map[string]interface{}            `json:"project"`
		TemplateVars map[string]interface{}            `json:"template_vars"`
	}{
		Resource:     ctx.Resource,
		Deps:         ctx.Deps,
		Project:      ctx.Project,
		TemplateVars: templateVars,
	}

	canon, err := canonicalJSON(proj)
	if err != nil {
		return "", errors.Wrap(err, "computing context digest")
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum)[:16], nil
}

// canonicalJSON re-marshals v through a generic map so that object keys
// come out sorted at every nesting level, the same scheme used for
// variant-hash computation in internal/types.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	ordered := orderValue(generic)
	return json.Marshal(ordered)
}

func orderValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, orderValue(val[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = orderValue(e)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	K string
	V interface{}
}

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
