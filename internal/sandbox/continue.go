// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"cros.local/overlay/internal/hardening"
	"cros.local/overlay/internal/weave"
)

// scratchMode is the permission mode of the throwaway tmpfs root the two
// pivots happen through.
const scratchMode = "mode=0755"

// Continue runs inside the freshly created user+mount namespace. It
// performs spec.md §4.5 steps (2)-(10): opens handles onto base and top,
// pivots through a scratch tmpfs, weaves them into /newroot, pivots into
// the woven tree, detaches the scratch root, and execs the child.
func Continue(cfg Config) error {
	if cfg.Trace != nil {
		weave.SetTracer(cfg.Trace)
	}

	savedCwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	baseHandle, err := weave.OpenRootDir(cfg.Base)
	if err != nil {
		return fmt.Errorf("opening base %s: %w", cfg.Base, err)
	}
	topHandle, err := weave.OpenRootDir(cfg.Top)
	if err != nil {
		return fmt.Errorf("opening top %s: %w", cfg.Top, err)
	}

	if err := os.Chdir("/proc/self/fd"); err != nil {
		return fmt.Errorf("chdir /proc/self/fd: %w", err)
	}

	if err := unix.Mount("tmpfs", "/tmp", "tmpfs", 0, scratchMode); err != nil {
		return fmt.Errorf("mount(tmpfs, /tmp): %w", err)
	}
	if err := os.Mkdir("/tmp/newroot", 0755); err != nil {
		return fmt.Errorf("mkdir /tmp/newroot: %w", err)
	}
	if err := os.Mkdir("/tmp/oldroot", 0755); err != nil {
		return fmt.Errorf("mkdir /tmp/oldroot: %w", err)
	}
	if err := unix.PivotRoot("/tmp", "/tmp/oldroot"); err != nil {
		return fmt.Errorf("pivot_root(/tmp, /tmp/oldroot): %w", err)
	}

	if err := weave.Merge(baseHandle, topHandle, nil, "/newroot"); err != nil {
		return fmt.Errorf("weaving tree: %w", err)
	}

	if err := os.Mkdir("/newroot/oldroot", 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("mkdir /newroot/oldroot: %w", err)
	}
	if err := unix.PivotRoot("/newroot", "/newroot/oldroot"); err != nil {
		return fmt.Errorf("pivot_root(/newroot, /newroot/oldroot): %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching /oldroot: %w", err)
	}

	if err := os.Chdir(savedCwd); err != nil {
		return fmt.Errorf("restoring working directory %s: %w", savedCwd, err)
	}

	if cfg.Seccomp {
		if err := hardening.Install(); err != nil {
			return err
		}
	}

	if len(cfg.Args) == 0 {
		return errors.New("no child command given")
	}
	exe, err := exec.LookPath(cfg.Args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", cfg.Args[0], err)
	}
	if err := unix.Exec(exe, cfg.Args, cfg.Env); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}
