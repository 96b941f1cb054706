// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	flock "github.com/theckman/go-flock"
)

// lockPollInterval is how often AcquireLockTimeout retries TryLock while
// waiting for a contended lock to free up.
const lockPollInterval = 25 * time.Millisecond

// Lock is an exclusive OS file lock on one named cache resource. It is
// released when Close is called, and best-effort released by the OS if
// the process exits first.
type Lock struct {
	f    *flock.Flock
	name string
}

// AcquireLock obtains a blocking exclusive lock on
// {cacheRoot}/.locks/{name}.lock, creating the locks directory and the
// lock file if they do not exist.
func AcquireLock(cacheRoot, name string) (*Lock, error) {
	return AcquireLockTimeout(cacheRoot, name, 0)
}

// AcquireLockTimeout is AcquireLock with an explicit acquisition
// deadline: timeout <= 0 blocks indefinitely (the underlying file lock
// is itself OS-level blocking); a positive timeout polls TryLock and
// gives up once the deadline passes, returning a timeout error.
func AcquireLockTimeout(cacheRoot, name string, timeout time.Duration) (*Lock, error) {
	locksDir := filepath.Join(cacheRoot, ".locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating locks directory %s", locksDir)
	}

	path := filepath.Join(locksDir, name+".lock")
	fl := flock.NewFlock(path)

	if timeout <= 0 {
		if err := fl.Lock(); err != nil {
			return nil, errors.Wrapf(err, "acquiring lock %s", path)
		}
		return &Lock{f: fl, name: name}, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "acquiring lock %s", path)
		}
		if locked {
			return &Lock{f: fl, name: name}, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("timed out acquiring lock %s after %s", path, timeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// Close releases the lock. Unlock is best-effort: the OS reclaims the
// lock on process exit regardless of whether Close is called.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Unlock()
}

// Name returns the lock's name, as passed to AcquireLock.
func (l *Lock) Name() string {
	return l.name
}
