// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package weave implements the recursive bind-mount tree-merge algorithm:
// given a base directory handle and a top directory handle, it decides,
// for every directory pair, whether top can be bind-mounted as a single
// subtree on base ("stack") or whether the directory must be reconstituted
// entry-by-entry on a fresh tmpfs ("explode"). It is strictly
// single-threaded and synchronous: every directory handle and path-only
// descriptor it opens is closed before the frame that opened it returns.
package weave

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// dirOpenFlags matches kOpendirFlags in the reference implementation:
// read-only, refuses to follow a terminal symlink, and never leaks across
// exec.
const dirOpenFlags = unix.O_RDONLY | unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC

// fdOf returns dir's descriptor, or AT_FDCWD when dir is nil. A nil handle
// is the "current working directory" sentinel used for the top-level
// merge call, where outName is itself the absolute path "/newroot".
func fdOf(dir *os.File) int {
	if dir == nil {
		return unix.AT_FDCWD
	}
	return int(dir.Fd())
}

// openDir opens name as a directory handle beneath dir (or the process cwd
// if dir is nil).
func openDir(dir *os.File, name string) (*os.File, error) {
	fd, err := unix.Openat(fdOf(dir), name, dirOpenFlags, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: name, Err: err}
	}
	runtime.KeepAlive(dir)
	return os.NewFile(uintptr(fd), name), nil
}

// OpenRootDir opens an absolute path as a directory handle, for the two
// top-level inputs (the host root and the user-supplied overlay tree) that
// the namespace bootstrap hands to Merge.
func OpenRootDir(path string) (*os.File, error) {
	fd, err := unix.Open(path, dirOpenFlags, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
