// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Use)
	}
	assert.ElementsMatch(t, []string{"resolve", "install"}, names)
}

func TestDefaultCacheRootIsNonEmpty(t *testing.T) {
	assert.NotEmpty(t, defaultCacheRoot())
}
