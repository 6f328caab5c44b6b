// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave

import (
	"io"
	"io/fs"
	"os"
)

// entryKind classifies a directory entry the way the engine cares about:
// only the directory/symlink distinction matters for the explode decision,
// everything else (regular files, device nodes, sockets, fifos) is "other".
type entryKind int

const (
	kindOther entryKind = iota
	kindDir
	kindSymlink
)

func kindOf(mode fs.FileMode) entryKind {
	switch {
	case mode&fs.ModeDir != 0:
		return kindDir
	case mode&fs.ModeSymlink != 0:
		return kindSymlink
	default:
		return kindOther
	}
}

type dirEntry struct {
	name string
	kind entryKind
}

// dirEnumerator yields the non-dot entries of an open directory and can be
// rewound for a second pass, matching nextent()/rewinddir() in the
// reference implementation. Go's ReadDir already excludes "." and ".." at
// the getdents64 level, and reports d_type without an extra stat.
type dirEnumerator struct {
	dir     *os.File
	entries []fs.DirEntry
	pos     int
}

func newDirEnumerator(dir *os.File) *dirEnumerator {
	return &dirEnumerator{dir: dir}
}

// Reset rewinds the enumerator so the next Next() call starts over.
func (e *dirEnumerator) Reset() {
	e.entries = nil
	e.pos = 0
}

func (e *dirEnumerator) load() error {
	if e.entries != nil {
		return nil
	}
	if _, err := e.dir.Seek(0, io.SeekStart); err != nil {
		return &os.PathError{Op: "seek", Path: e.dir.Name(), Err: err}
	}
	ents, err := e.dir.ReadDir(-1)
	if err != nil {
		return err
	}
	e.entries = ents
	e.pos = 0
	return nil
}

// Next returns the next entry, or ok=false once the directory is exhausted.
func (e *dirEnumerator) Next() (dirEntry, bool, error) {
	if err := e.load(); err != nil {
		return dirEntry{}, false, err
	}
	if e.pos >= len(e.entries) {
		return dirEntry{}, false, nil
	}
	d := e.entries[e.pos]
	e.pos++
	return dirEntry{name: d.Name(), kind: kindOf(d.Type())}, true, nil
}
