// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package extractor parses a resource file's metadata envelope (YAML
// front-matter for textual resources, top-level fields for JSON-shaped
// ones) and exposes the declared transitive dependencies plus the
// envelope-stripped content body used for template embedding.
package extractor

import (
	"encoding/json"
	"strings"

	goyaml "github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmlog"
	"github.com/agpm-dev/agpm/internal/types"
)

var log = agpmlog.New("agpm:extractor")

const frontMatterDelim = "---"

// DependencySpec is one transitively-declared dependency, as embedded in
// a resource's metadata envelope.
type DependencySpec struct {
	Path    string `yaml:"path" json:"path"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Install *bool  `yaml:"install,omitempty" json:"install,omitempty"`
	Tool    string `yaml:"tool,omitempty" json:"tool,omitempty"`
}

// Extracted is the pure result of extracting one resource file.
type Extracted struct {
	// Dependencies is keyed by resource type plural ("agents", "snippets", ...).
	Dependencies map[string][]DependencySpec
	Body         []byte
	Metadata     map[string]interface{}
}

// Extract parses content for path, dispatching on whether it looks like
// a JSON-shaped structured resource (mcp servers, hook definitions) or a
// textual resource carrying YAML front-matter. Extraction is pure: it
// depends only on its arguments.
func Extract(path string, content []byte, rt types.ResourceType) (Extracted, error) {
	if rt == types.ResourceMCPServer || looksLikeJSON(content) {
		return extractJSON(content)
	}
	return extractFrontMatter(content)
}

func looksLikeJSON(content []byte) bool {
	trimmed := strings.TrimSpace(string(content))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func extractJSON(content []byte) (Extracted, error) {
	var meta map[string]interface{}
	if err := json.Unmarshal(content, &meta); err != nil {
		return Extracted{}, errors.Wrap(err, "parsing structured resource metadata")
	}

	deps, err := depsFromMetadata(meta["dependencies"])
	if err != nil {
		return Extracted{}, err
	}

	body := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if k == "dependencies" {
			continue
		}
		body[k] = v
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return Extracted{}, errors.Wrap(err, "re-serializing structured resource body")
	}

	return Extracted{Dependencies: deps, Body: bodyBytes, Metadata: meta}, nil
}

func extractFrontMatter(content []byte) (Extracted, error) {
	text := string(content)
	if !strings.HasPrefix(text, frontMatterDelim) {
		return Extracted{Dependencies: map[string][]DependencySpec{}, Body: content}, nil
	}

	rest := text[len(frontMatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end == -1 {
		log.Printf("front-matter delimiter opened but never closed")
		return Extracted{Dependencies: map[string][]DependencySpec{}, Body: content}, nil
	}

	yamlBlock := rest[:end]
	body := rest[end+len("\n"+frontMatterDelim):]
	body = strings.TrimPrefix(body, "\n")

	var meta map[string]interface{}
	if err := goyaml.Unmarshal([]byte(yamlBlock), &meta); err != nil {
		return Extracted{}, errors.Wrap(err, "parsing front-matter YAML")
	}

	deps, err := depsFromMetadata(meta["dependencies"])
	if err != nil {
		return Extracted{}, err
	}

	return Extracted{
		Dependencies: deps,
		Body:         []byte(body),
		Metadata:     meta,
	}, nil
}

// depsFromMetadata converts the raw "dependencies" field (a
// map[resource_plural][]spec, decoded generically by the YAML/JSON
// unmarshaler) into typed DependencySpecs.
func depsFromMetadata(raw interface{}) (map[string][]DependencySpec, error) {
	out := map[string][]DependencySpec{}
	if raw == nil {
		return out, nil
	}
	byType, ok := raw.(map[string]interface{})
	if !ok {
		return out, nil
	}

	for plural, rawList := range byType {
		list, ok := rawList.([]interface{})
		if !ok {
			continue
		}
		specs := make([]DependencySpec, 0, len(list))
		for _, rawEntry := range list {
			spec, err := toDependencySpec(rawEntry)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		out[plural] = specs
	}
	return out, nil
}

func toDependencySpec(raw interface{}) (DependencySpec, error) {
	switch v := raw.(type) {
	case string:
		return DependencySpec{Path: v}, nil
	case map[string]interface{}:
		spec := DependencySpec{}
		if s, ok := v["path"].(string); ok {
			spec.Path = s
		}
		if s, ok := v["version"].(string); ok {
			spec.Version = s
		}
		if s, ok := v["name"].(string); ok {
			spec.Name = s
		}
		if s, ok := v["tool"].(string); ok {
			spec.Tool = s
		}
		if b, ok := v["install"].(bool); ok {
			spec.Install = &b
		}
		return spec, nil
	default:
		return DependencySpec{}, errors.Errorf("dependency spec must be a string or table, got %T", raw)
	}
}
