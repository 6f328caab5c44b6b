// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave

import (
	"os"
	"path"
)

// trace receives one line per stack/explode decision when non-nil. It is
// nil by default (the hot path costs nothing); cmd/overlay wires it up to
// internal/diag under --verbose.
var trace func(format string, args ...any)

// SetTracer installs f as the merge engine's decision logger, or clears it
// when f is nil. Not safe to call concurrently with a Merge in progress --
// the engine is single-threaded by design (spec.md "Concurrency").
func SetTracer(f func(format string, args ...any)) {
	trace = f
}

// Merge weaves base and top into an entry named outName beneath outDir (or
// the process's current directory if outDir is nil) and consumes both
// handles, closing them on every exit path.
func Merge(base, top *os.File, outDir *os.File, outName string) error {
	return mergeFrame(base, top, outDir, outName, roleRoot, outName)
}

// mergeFrame is Merge plus the accumulated output path, threaded through
// purely for diagnostics.
func mergeFrame(base, top *os.File, outDir *os.File, outName string, r role, tracePath string) error {
	defer base.Close()
	defer top.Close()

	topEnum := newDirEnumerator(top)
	explode, reason, err := shouldExplode(topEnum, base)
	if err != nil {
		return err
	}
	topEnum.Reset()

	if explode {
		if trace != nil {
			trace("explode %s (%s)", tracePath, reason)
		}
		return explodeInto(base, top, topEnum, outDir, outName, r, tracePath)
	}
	if trace != nil {
		trace("stack   %s", tracePath)
	}
	return stackInto(base, top, topEnum, outDir, outName, r, tracePath)
}

func childTracePath(parent, name string) string {
	return path.Join(parent, name)
}
