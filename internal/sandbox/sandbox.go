// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sandbox drives the two-phase namespace bootstrap: an outer,
// unprivileged process that re-execs itself into a fresh user+mount
// namespace, and the re-exec'd process itself, which performs the pivots,
// invokes the weave engine, and execs the user's program.
//
// The split exists because the Go runtime is always multi-threaded by the
// time any of our own code runs, and unshare(CLONE_NEWUSER) fails with
// EINVAL on a multi-threaded caller. clone(2) with CLONE_NEWUSER does not
// have that restriction when it is the kernel, not unshare(2), creating
// the new thread/process -- which is exactly what os/exec's
// SysProcAttr.Cloneflags does on our behalf before the child's own exec.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"cros.local/overlay/internal/cliutil"
	"cros.local/overlay/internal/processes"
)

// InternalContinueFlag is the hidden flag cmd/overlay uses to tell a
// re-exec'd process it is already inside the new namespaces and should run
// Continue instead of Enter.
const InternalContinueFlag = "internal-continue"

// Config carries everything Continue needs to finish the bootstrap. Enter
// needs only the argument list its caller builds for the re-exec (see
// Enter).
type Config struct {
	// Base is the directory that supplies the lower layer, normally "/".
	Base string
	// Top is the directory supplying the upper layer, already resolved to
	// a plain directory (any archive in the original <tree> argument has
	// been extracted by the caller before Continue runs).
	Top string
	// Env is the full environment to exec the child with.
	Env []string
	// Args is the child's argv; Args[0] is looked up on PATH.
	Args []string
	// Seccomp installs the hardening filter immediately before exec.
	Seccomp bool
	// Trace receives one line per merge decision, or is nil to disable.
	Trace func(format string, args ...any)
}

// Enter re-execs the current binary with args, under
// CLONE_NEWUSER|CLONE_NEWNS and an identity uid/gid mapping, then blocks
// until it exits, propagating its exit status. The caller builds args
// (normally os.Args[1:] plus "--"+InternalContinueFlag up front) so it can
// substitute a resolved tree path before the re-exec, e.g. after
// extracting an archive tree to a scratch directory.
func Enter(ctx context.Context, args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	cmd := exec.Command(self, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	uid, gid := os.Getuid(), os.Getgid()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: uid, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: gid, HostID: gid, Size: 1},
		},
	}

	runErr := processes.Run(ctx, cmd)
	if cmd.ProcessState != nil {
		if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return cliutil.ExitCode(int(status.Signal()) + 128)
			}
			return cliutil.ExitCode(status.ExitStatus())
		}
	}
	if runErr != nil {
		return fmt.Errorf("starting namespaced process: %w", runErr)
	}
	return nil
}
