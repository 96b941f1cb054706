// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gitdriver is the thin contract the rest of the core consumes
// for everything backed by the system git binary. It is the only
// package allowed to invoke subprocesses.
package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/agpm-dev/agpm/internal/agpmlog"
)

var log = agpmlog.New("agpm:gitdriver")

// Driver is the contract the rest of the core consumes.
type Driver interface {
	Clone(ctx context.Context, url, dest string) error
	Fetch(ctx context.Context, dest, url string) error
	ResolveRef(ctx context.Context, dest, ref string) (string, error)
	AddWorktree(ctx context.Context, dest, sha, worktreePath string) error
	PruneWorktrees(ctx context.Context, dest string) error
	IsGitRepository(path string) bool
	VerifyURL(ctx context.Context, url string) error
	ParseGitURL(url string) (owner, repo string, err error)
}

// Exec is the default Driver, backed by the system `git` binary.
type Exec struct{}

var _ Driver = Exec{}

func run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.LazyPrintf(func() string { return fmt.Sprintf("git %s (dir=%s)", strings.Join(args, " "), dir) })
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Clone performs a fresh clone of url into dest.
func (Exec) Clone(ctx context.Context, url, dest string) error {
	_, err := run(ctx, "", "clone", "--origin", "origin", url, dest)
	return err
}

// Fetch fetches all refs into the repository at dest. If url is
// non-empty it is used as the remote, otherwise the configured origin
// is used.
func (Exec) Fetch(ctx context.Context, dest, url string) error {
	args := []string{"fetch", "--tags", "--prune"}
	if url != "" {
		args = append(args, url)
	} else {
		args = append(args, "origin")
	}
	_, err := run(ctx, dest, args...)
	return err
}

// ResolveRef resolves a tag, branch, short SHA, or semver-range constraint
// against dest to an immutable commit SHA.
func (Exec) ResolveRef(ctx context.Context, dest, ref string) (string, error) {
	if ref == "" || ref == "HEAD" {
		return resolveRevParse(ctx, dest, "HEAD")
	}

	if looksLikeSemverRange(ref) {
		return resolveSemverRange(ctx, dest, ref)
	}

	return resolveRevParse(ctx, dest, ref)
}

func resolveRevParse(ctx context.Context, dest, ref string) (string, error) {
	out, err := run(ctx, dest, "rev-parse", ref+"^{commit}")
	if err != nil {
		return "", errors.Wrapf(err, "resolving ref %q", ref)
	}
	return strings.TrimSpace(string(out)), nil
}

// looksLikeSemverRange reports whether ref contains characters that only
// appear in a semver range expression (as opposed to a branch/tag name
// or raw SHA).
func looksLikeSemverRange(ref string) bool {
	for _, r := range ref {
		switch r {
		case '^', '~', '>', '<', '=', ' ', ',':
			return true
		}
	}
	return false
}

// resolveSemverRange lists tags matching a semver shape and picks the
// highest one satisfying the constraint.
func resolveSemverRange(ctx context.Context, dest, rangeExpr string) (string, error) {
	constraint, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return "", errors.Wrapf(err, "invalid semver constraint %q", rangeExpr)
	}

	out, err := run(ctx, dest, "tag", "--list")
	if err != nil {
		return "", errors.Wrap(err, "listing tags")
	}

	var best *semver.Version
	var bestTag string
	for _, line := range strings.Split(string(out), "\n") {
		tag := strings.TrimSpace(line)
		if tag == "" {
			continue
		}
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue // not a semver-shaped tag
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestTag = tag
		}
	}

	if best == nil {
		return "", errors.Errorf("no tag satisfies constraint %q", rangeExpr)
	}
	return resolveRevParse(ctx, dest, bestTag)
}

// AddWorktree adds a read-only worktree pinned at sha.
func (Exec) AddWorktree(ctx context.Context, dest, sha, worktreePath string) error {
	_, err := run(ctx, dest, "worktree", "add", "--detach", worktreePath, sha)
	return err
}

// PruneWorktrees removes administrative files for worktrees whose
// directories have been deleted.
func (Exec) PruneWorktrees(ctx context.Context, dest string) error {
	_, err := run(ctx, dest, "worktree", "prune")
	return err
}

// IsGitRepository performs a structural check, supporting both bare and
// non-bare repositories.
func (Exec) IsGitRepository(path string) bool {
	out, err := run(context.Background(), path, "rev-parse", "--is-inside-work-tree")
	if err == nil && strings.TrimSpace(string(out)) == "true" {
		return true
	}
	out, err = run(context.Background(), path, "rev-parse", "--is-bare-repository")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// VerifyURL performs a best-effort reachability check for remote URLs.
// file:// URLs are checked for path existence and repo validity instead
// of making a network call.
func (e Exec) VerifyURL(ctx context.Context, url string) error {
	if strings.HasPrefix(url, "file://") {
		path := strings.TrimPrefix(url, "file://")
		if !e.IsGitRepository(path) {
			return errors.Errorf("%s is not a git repository", path)
		}
		return nil
	}
	_, err := run(ctx, "", "ls-remote", "--exit-code", url, "HEAD")
	return err
}

var scpLikeRE = regexp.MustCompile(`^[\w.-]+@([\w.-]+):(.+?)(?:\.git)?/?$`)
var httpLikeRE = regexp.MustCompile(`^(?:https?|ssh|git|file)://(?:[^@/]+@)?[^/]+/(.+?)(?:\.git)?/?$`)

// ParseGitURL extracts (owner, repo) from a Git URL using string-level
// parsing only (no network access).
func (Exec) ParseGitURL(url string) (owner, repo string, err error) {
	var rest string
	if m := httpLikeRE.FindStringSubmatch(url); m != nil {
		rest = m[1]
	} else if m := scpLikeRE.FindStringSubmatch(url); m != nil {
		rest = m[2]
	} else {
		return "", "", errors.Errorf("cannot parse owner/repo from url %q", url)
	}

	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 {
		return "", "", errors.Errorf("cannot parse owner/repo from url %q", url)
	}
	repo = parts[len(parts)-1]
	owner = parts[len(parts)-2]
	return owner, repo, nil
}
