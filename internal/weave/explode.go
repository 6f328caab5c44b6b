// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"cros.local/overlay/internal/cliutil"
)

// shouldExplode decides, for one (base, top) directory pair, whether top
// can simply be stacked on base. Stacking requires every entry of top to
// have a same-named entry in base with matching directory-ness; any
// mismatch -- missing entry or a directory on one side and a non-directory
// on the other -- forces an explode. It is a pure read of both sides: no
// mutation, no privilege required, so it is unit-testable without a mount
// namespace.
func shouldExplode(top *dirEnumerator, base *os.File) (explode bool, reason string, err error) {
	defer top.Reset()
	for {
		e, ok, err := top.Next()
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "", nil
		}

		var st unix.Stat_t
		if err := unix.Fstatat(int(base.Fd()), e.name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return true, fmt.Sprintf("%q missing from base", e.name), nil
		}
		baseIsDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
		if (e.kind == kindDir) != baseIsDir {
			return true, fmt.Sprintf("%q changes kind (dir=%v in top, dir=%v in base)", e.name, e.kind == kindDir, baseIsDir), nil
		}
	}
}

// explodeInto materializes outName fresh on a tmpfs (unless the parent
// already did so, role roleSkeleton) and populates it in two passes: top's
// entries first, then base's entries with EEXIST treated as "top already
// won here".
func explodeInto(base, top *os.File, topEnum *dirEnumerator, outDir *os.File, outName string, r role, tracePath string) error {
	if r != roleSkeleton {
		target := mountTarget(outDir, outName)
		if err := unix.Mount("", target, "tmpfs", 0, "mode=0755"); err != nil {
			return fmt.Errorf("mount(tmpfs, %s): %w", target, err)
		}
	}

	out, err := openDir(outDir, outName)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := explodeTopPass(base, top, topEnum, out, tracePath); err != nil {
		return err
	}
	if err := explodeBasePass(base, out); err != nil {
		return err
	}

	mode := os.FileMode(0555)
	if unix.Faccessat(int(base.Fd()), ".", unix.W_OK, 0) == nil {
		mode = 0o1777
	}
	if err := unix.Fchmod(int(out.Fd()), uint32(mode)); err != nil {
		return fmt.Errorf("fchmod(%s): %w", tracePath, err)
	}
	return nil
}

func explodeTopPass(base, top *os.File, topEnum *dirEnumerator, out *os.File, tracePath string) error {
	for {
		e, ok, err := topEnum.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch e.kind {
		case kindDir:
			if err := unix.Mkdirat(int(out.Fd()), e.name, 0755); err != nil {
				return fmt.Errorf("mkdirat(%s): %w", e.name, err)
			}
			b, berr := openDir(base, e.name)
			if berr != nil {
				// Top-only directory (or base has something incompatible
				// under it): bind the whole top subtree onto the mountpoint
				// we just created.
				if err := bindAt(top, e.name, out, e.name); err != nil {
					return err
				}
				continue
			}
			t, terr := openDir(top, e.name)
			if terr != nil {
				b.Close()
				return terr
			}
			if err := mergeFrame(b, t, out, e.name, roleSkeleton, childTracePath(tracePath, e.name)); err != nil {
				return err
			}
		case kindSymlink:
			target, err := readlinkAt(top, e.name)
			if err != nil {
				return err
			}
			if err := unix.Symlinkat(target, int(out.Fd()), e.name); err != nil {
				return fmt.Errorf("symlinkat(%s): %w", e.name, err)
			}
		default:
			if err := unix.Mknodat(int(out.Fd()), e.name, unix.S_IFREG|0644, 0); err != nil {
				return fmt.Errorf("mknodat(%s): %w", e.name, err)
			}
			if err := bindAt(top, e.name, out, e.name); err != nil {
				return err
			}
		}
	}
}

// baseConflictError reports a base-entry creation failure that is not
// EEXIST. Unlike the syscall-wrapper failures surrounding it, the
// reference overlay.c reports these with a plain err(1, ...) rather than
// its CHKSYS-guarded err(255, ...), since the base tree's own layout --
// not the weave engine's own mount/pivot plumbing -- is at fault; it
// exits 1 like a usage error instead of 255 like a wrapper failure.
func baseConflictError(op, name string, err error) error {
	return fmt.Errorf("%s(base %s): %w: %w", op, name, cliutil.ExitCode(1), err)
}

// explodeBasePass replays base's entries, treating EEXIST as success:
// top already created that name in pass 1 and wins. Directory collisions
// were already resolved by the roleSkeleton recursion above and must not
// be re-bound here -- that would reverse the precedence.
func explodeBasePass(base, out *os.File) error {
	baseEnum := newDirEnumerator(base)
	for {
		e, ok, err := baseEnum.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch e.kind {
		case kindDir:
			if err := unix.Mkdirat(int(out.Fd()), e.name, 0755); err != nil {
				if errors.Is(err, unix.EEXIST) {
					continue
				}
				return baseConflictError("mkdirat", e.name, err)
			}
			if err := bindAt(base, e.name, out, e.name); err != nil {
				return err
			}
		case kindSymlink:
			target, err := readlinkAt(base, e.name)
			if err != nil {
				return err
			}
			if err := unix.Symlinkat(target, int(out.Fd()), e.name); err != nil {
				if errors.Is(err, unix.EEXIST) {
					continue
				}
				return baseConflictError("symlinkat", e.name, err)
			}
		default:
			if err := unix.Mknodat(int(out.Fd()), e.name, unix.S_IFREG|0644, 0); err != nil {
				if errors.Is(err, unix.EEXIST) {
					continue
				}
				return baseConflictError("mknodat", e.name, err)
			}
			if err := bindAt(base, e.name, out, e.name); err != nil {
				return err
			}
		}
	}
}
