// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave

import (
	"fmt"
	"os"
)

// stackInto lays top over base with a single whole-subtree bind of base
// plus one bind per top-side entry, recursing into shared subdirectories.
// When r is roleBase, the parent's own whole-subtree bind already carried
// this directory along, so the bind here is skipped.
func stackInto(base, top *os.File, topEnum *dirEnumerator, outDir *os.File, outName string, r role, tracePath string) error {
	if r != roleBase {
		if err := bindAt(base, ".", outDir, outName); err != nil {
			return err
		}
	}

	out, err := openDir(outDir, outName)
	if err != nil {
		return err
	}
	defer out.Close()

	for {
		e, ok, err := topEnum.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if e.kind != kindDir {
			if err := bindAt(top, e.name, out, e.name); err != nil {
				return err
			}
			continue
		}

		b, err := openDir(base, e.name)
		if err != nil {
			return fmt.Errorf("openat(base %s): %w", e.name, err)
		}
		t, err := openDir(top, e.name)
		if err != nil {
			b.Close()
			return fmt.Errorf("openat(top %s): %w", e.name, err)
		}
		if err := mergeFrame(b, t, out, e.name, roleBase, childTracePath(tracePath, e.name)); err != nil {
			return err
		}
	}
}
