// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pattern expands glob dependency paths against a working tree
// into a sorted, deduplicated list of concrete relative paths, without
// ever traversing outside the base directory or following symlinks.
package pattern

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmerrs"
)

const metaChars = "*?["

// HasMeta reports whether s contains glob meta-characters.
func HasMeta(s string) bool {
	return strings.ContainsAny(s, metaChars)
}

// Split divides a dependency path containing directory separators into
// its longest non-meta base and the remaining meta pattern, per the
// Pattern Expander's base/pattern splitting rule.
func Split(p string) (base, pattern string) {
	parts := strings.Split(filepath.ToSlash(p), "/")
	i := 0
	for ; i < len(parts); i++ {
		if HasMeta(parts[i]) {
			break
		}
	}
	base = strings.Join(parts[:i], "/")
	pattern = strings.Join(parts[i:], "/")
	return base, pattern
}

// Expand returns the sorted, deduplicated set of paths (relative to
// baseDir) matching pattern, excluding any path matched by one of
// excludes. Symlinks are never followed, and patterns containing ".."
// components or an absolute path are rejected outright.
func Expand(baseDir, pattern string, excludes []string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	var matches []string
	seen := make(map[string]bool)

	err := godirwalk.Walk(baseDir, &godirwalk.Options{
		FollowSymbolicLinks: false,
		Unsorted:            true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsSymlink() {
				if osPathname == baseDir {
					return nil
				}
				return filepath.SkipDir
			}
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(baseDir, osPathname)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return errors.Wrapf(err, "matching pattern %q", pattern)
			}
			if !ok {
				return nil
			}
			if matchesAny(rel, excludes) {
				return nil
			}
			if !seen[rel] {
				seen[rel] = true
				matches = append(matches, rel)
			}
			return nil
		},
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, agpmerrs.New(agpmerrs.KindIO, "expand pattern", baseDir, err)
		}
		return nil, agpmerrs.New(agpmerrs.KindIO, "expand pattern", baseDir, err)
	}

	sort.Strings(matches)
	return matches, nil
}

func matchesAny(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(ex, rel); ok {
			return true
		}
	}
	return false
}

// validatePattern rejects ".." path components and absolute patterns.
func validatePattern(pattern string) error {
	if filepath.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
		return agpmerrs.New(agpmerrs.KindSecurity, "validate pattern", pattern,
			errors.New("absolute glob patterns are not allowed"))
	}
	for _, part := range strings.Split(filepath.ToSlash(pattern), "/") {
		if part == ".." {
			return agpmerrs.New(agpmerrs.KindSecurity, "validate pattern", pattern,
				errors.New("pattern must not contain .. components"))
		}
	}
	return nil
}
