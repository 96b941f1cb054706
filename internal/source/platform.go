// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import "runtime"

// runtimeIsUnix reports whether symlink rejection for local-directory
// sources should apply. Windows symlinks (reparse points) are not
// checked here, mirroring the platform split the teacher's fs package
// uses for rename fallback behavior.
func runtimeIsUnix() bool {
	return runtime.GOOS != "windows"
}
