// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hardening installs an optional defense-in-depth seccomp filter on
// the child process, once the weave is complete, blocking syscalls a
// misbehaving or compromised child could use to nest another namespace or
// disturb the mount table it is about to inherit.
package hardening

import (
	"fmt"

	seccomp "github.com/elastic/go-seccomp-bpf"
)

// blockedSyscalls are denied with EPERM rather than killing the process:
// a child that merely probes for the capability (as some build sandboxes
// do) gets a normal error instead of dying.
var blockedSyscalls = []string{
	"unshare",
	"mount",
	"umount2",
	"pivot_root",
	"ptrace",
}

// Install loads a seccomp-bpf filter into the calling thread that denies
// blockedSyscalls for the remaining lifetime of the process (and anything
// it execs, since the filter survives exec). It must run after the weave
// is fully mounted -- installing it earlier would break the bootstrap's
// own mount/pivot_root calls.
func Install() error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{
					Action: seccomp.ActionErrno,
					Names:  blockedSyscalls,
				},
			},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("installing seccomp filter: %w", err)
	}
	return nil
}
