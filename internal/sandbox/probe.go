// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"os/exec"
	"syscall"
)

// CanUnshareUserNS reports whether this host lets an unprivileged caller
// create a user+mount namespace -- the capability the whole tool depends
// on. It is used to gate namespace-touching tests the way moby/moby gates
// root-only tests with skip.If, except here the condition we probe for is
// "unprivileged userns available" rather than "running as root", since
// this tool's entire point is to avoid needing root.
func CanUnshareUserNS() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
	}
	if err := cmd.Run(); err != nil {
		cmd = exec.Command("/bin/true")
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		}
		return cmd.Run() == nil
	}
	return true
}
