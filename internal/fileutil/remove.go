// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fileutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// RemoveExtractedTree removes a directory tree produced by
// internal/archive's extraction of a user-supplied <tree> archive. A tar
// entry can carry any mode the archive's author chose, including one
// that denies the owner write access to its own directory, which would
// otherwise make os.RemoveAll fail partway through; this walks the tree
// first and grants owner rwx to every directory so the removal can
// always complete.
//
// Unlike a generic recursive-chmod-then-remove helper, this does not
// also touch the permissions of path's parent: every caller in this
// tool passes an os.MkdirTemp-created staging directory directly under
// the system temp directory, which is already writable by its owner, so
// there is nothing to fix there -- and doing so would mean briefly
// narrowing the shared temp directory's permissions out from under
// every other unrelated process using it.
func RemoveExtractedTree(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	if err := filepath.WalkDir(path, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Mode().Perm()&0700 == 0700 {
			return nil
		}
		return os.Chmod(entryPath, 0700)
	}); err != nil {
		return err
	}

	return os.RemoveAll(path)
}
