// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package processes supervises the single re-exec'd child that Enter
// starts inside the new namespaces.
package processes

import (
	"context"
	"log"
	"os"
	"os/exec"
	"os/signal"

	"golang.org/x/sys/unix"
)

func forwardTerm(cmd *exec.Cmd) {
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		// The child may have already exited.
		log.Printf("failed to send SIGTERM to pid %d: %v\n", cmd.Process.Pid, err)
	}
}

// Run starts cmd and blocks until it exits, forwarding SIGTERM to it and
// ignoring SIGINT for the duration. cmd must not have been built with
// CommandContext, which would SIGKILL the child instead of giving it a
// chance to clean up.
//
// cmd inherits this process's process group -- Enter's Cloneflags put it
// in new user and mount namespaces, not a new PGID -- so a SIGINT from
// the controlling terminal already reaches the child directly and needs
// no forwarding here; only SIGTERM, which a caller like an orchestrator
// sends to this process alone, needs relaying.
func Run(ctx context.Context, cmd *exec.Cmd) error {
	signal.Ignore(unix.SIGINT)
	defer signal.Reset(unix.SIGINT)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM)
	defer signal.Stop(sigs)

	if err := cmd.Start(); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- cmd.Wait() }()

	for {
		select {
		case <-sigs:
			forwardTerm(cmd)
		case <-ctx.Done():
			forwardTerm(cmd)
			return <-errc
		case err := <-errc:
			return err
		}
	}
}
