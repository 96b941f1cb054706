// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package agpmlog is a small namespaced debug logger in the style of the
// Node "debug" package. Loggers are silent unless their namespace matches
// a pattern in the AGPM_LOG (or DEBUG) environment variable.
package agpmlog

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// Logger writes namespaced debug output to stderr when enabled.
type Logger struct {
	ns      string
	enabled bool
}

var (
	patternsOnce sync.Once
	patterns     []string
)

func loadPatterns() []string {
	patternsOnce.Do(func() {
		raw := os.Getenv("AGPM_LOG")
		if raw == "" {
			raw = os.Getenv("DEBUG")
		}
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				patterns = append(patterns, p)
			}
		}
	})
	return patterns
}

// New returns a logger for the given namespace, e.g. "agpm:cache".
func New(ns string) *Logger {
	enabled := false
	for _, p := range loadPatterns() {
		if ok, _ := path.Match(p, ns); ok {
			enabled = true
			break
		}
	}
	return &Logger{ns: ns, enabled: enabled}
}

// Enabled reports whether this logger will actually emit anything.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Printf writes a formatted line if the logger is enabled.
func (l *Logger) Printf(format string, args ...interface{}) {
	if !l.Enabled() {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(os.Stderr, "%s %s %s\n", ts, l.ns, fmt.Sprintf(format, args...))
}

// LazyPrintf only evaluates fn when the logger is enabled, so callers can
// defer expensive string construction to the rare case debugging is on.
func (l *Logger) LazyPrintf(fn func() string) {
	if !l.Enabled() {
		return
	}
	l.Printf("%s", fn())
}
