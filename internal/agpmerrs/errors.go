// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package agpmerrs defines the closed taxonomy of error kinds the core
// pipeline can produce, per the error handling design: each error carries
// a machine-readable kind, the file/path/URL it concerns, and a
// description of the failed operation. Only the outermost CLI layer
// formats these for display; everything else propagates them verbatim.
package agpmerrs

import "fmt"

// Kind is a closed set of machine-readable error categories.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindSecurity      Kind = "security"
	KindIO            Kind = "io"
	KindGit           Kind = "git"
	KindLocking       Kind = "locking"
	KindResolution    Kind = "resolution"
	KindMerge         Kind = "merge"
	KindTemplate      Kind = "template"
)

// Error is the single error type used across the core for anything that
// needs a Kind and a Subject (file path, URL, source name, ...) attached.
type Error struct {
	Kind    Kind
	Subject string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s: %s", e.Op, e.Subject, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind, operation name, subject and
// underlying cause.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// OutOfOrder is returned by the lock manager when a caller requests a
// lock name that would violate the global acquisition order. It is
// retryable: release everything held and retry with the full, sorted
// set of required lock names.
type OutOfOrder struct {
	HeldLocks      []string
	RequestedLock  string
}

func (e *OutOfOrder) Error() string {
	return fmt.Sprintf("lock order violation: requested %q while holding %v", e.RequestedLock, e.HeldLocks)
}

// CycleError reports a circular transitive dependency. Members lists the
// canonical names participating in the cycle, in discovery order.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %v", e.Members)
}

// ConflictError reports two direct dependencies that resolve to the same
// logical resource but disagree on requested version, tool, or variant
// hash.
type ConflictError struct {
	CanonicalName string
	ResourceType  string
	Reason        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict for %s %q: %s", e.ResourceType, e.CanonicalName, e.Reason)
}

// MergeConflictError reports a user-owned entry colliding with a managed
// one in a merge-target file.
type MergeConflictError struct {
	TargetFile string
	Key        string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %s: entry %q already exists and is not AGPM-managed", e.TargetFile, e.Key)
}
