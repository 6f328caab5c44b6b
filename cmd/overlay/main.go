// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command overlay launches a child process inside a new user+mount
// namespace whose root filesystem is the recursive bind-mount weave of a
// user-supplied tree atop a base tree (normally the host root).
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"cros.local/overlay/internal/archive"
	"cros.local/overlay/internal/cliutil"
	"cros.local/overlay/internal/diag"
	"cros.local/overlay/internal/envfile"
	"cros.local/overlay/internal/fileutil"
	"cros.local/overlay/internal/sandbox"
)

var flagBase = &cli.StringFlag{
	Name:  "base",
	Value: "/",
	Usage: "directory supplying the lower layer of the weave",
}

var flagEnvFile = &cli.StringFlag{
	Name:  "env-file",
	Usage: "file of shell-syntax NAME=VALUE assignments applied before the positional ones",
}

var flagSeccomp = &cli.BoolFlag{
	Name:  "seccomp",
	Usage: "install a seccomp filter blocking further namespace/mount syscalls before exec'ing the child",
}

var flagVerbose = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "trace stack/explode decisions to stderr",
}

var flagInternalContinue = &cli.BoolFlag{
	Name:   sandbox.InternalContinueFlag,
	Hidden: true,
}

var app = &cli.App{
	Name:      "overlay",
	Usage:     "run a command inside a bind-mount weave of TREE over BASE",
	UsageText: "overlay [--verbose] [--seccomp] [--env-file FILE] <tree> [NAME=VALUE ...] <exe> [args...]",
	Flags: []cli.Flag{
		flagBase,
		flagEnvFile,
		flagSeccomp,
		flagVerbose,
		flagInternalContinue,
	},
	Before: func(c *cli.Context) error {
		if _, _, err := splitInvocation(c.Args().Slice()); err != nil {
			return err
		}
		return nil
	},
	Action: func(c *cli.Context) error {
		if c.Bool(flagInternalContinue.Name) {
			return cliutil.AsFailureCode(continueAction(c))
		}
		return cliutil.AsFailureCode(enterAction(c))
	},
}

// splitInvocation separates the tree argument, the leading NAME=VALUE
// bindings, and the child's own argv out of the positional arguments,
// per spec.md §6: assignments are consumed greedily while they contain
// "=", and whatever follows is the child command.
func splitInvocation(args []string) (tree string, bindings []string, err error) {
	if len(args) == 0 {
		return "", nil, errors.New("usage: overlay <tree> [NAME=VALUE ...] <exe> [args...]")
	}
	tree = args[0]
	i := 1
	for i < len(args) && strings.Contains(args[i], "=") {
		bindings = append(bindings, args[i])
		i++
	}
	if i >= len(args) {
		return "", nil, errors.New("usage: overlay <tree> [NAME=VALUE ...] <exe> [args...]: missing child command")
	}
	return tree, bindings, nil
}

// enterAction is the outer, unprivileged phase. It resolves an archive
// tree argument to a plain directory up front -- the scratch directory
// must outlive the re-exec'd child's whole run and be cleaned up here,
// since the child's own mount namespace (and anything it stages inside
// it) vanishes with it, but a host-side temp directory would not.
func enterAction(c *cli.Context) error {
	tree := c.Args().First()

	resolvedTree := tree
	if archive.IsArchive(tree) {
		dir, err := os.MkdirTemp("", "overlay-tree-")
		if err != nil {
			return fmt.Errorf("creating scratch directory: %w", err)
		}
		defer func() {
			if err := fileutil.RemoveExtractedTree(dir); err != nil {
				fmt.Fprintf(os.Stderr, "overlay: cleaning up %s: %v\n", dir, err)
			}
		}()
		if err := archive.Extract(tree, dir); err != nil {
			return fmt.Errorf("extracting %s: %w: %w", tree, cliutil.ExitCode(1), err)
		}
		resolvedTree = dir
	}

	args := append([]string{}, c.Args().Slice()...)
	args[0] = resolvedTree
	childArgs := append([]string{"--" + sandbox.InternalContinueFlag}, globalFlagArgs(c)...)
	childArgs = append(childArgs, args...)

	return sandbox.Enter(c.Context, childArgs)
}

// globalFlagArgs replays the flags the user passed (other than the
// hidden continue flag) so the re-exec'd process sees the same
// configuration.
func globalFlagArgs(c *cli.Context) []string {
	var out []string
	if c.String(flagBase.Name) != flagBase.Value {
		out = append(out, "--"+flagBase.Name, c.String(flagBase.Name))
	}
	if c.String(flagEnvFile.Name) != "" {
		out = append(out, "--"+flagEnvFile.Name, c.String(flagEnvFile.Name))
	}
	if c.Bool(flagSeccomp.Name) {
		out = append(out, "--"+flagSeccomp.Name)
	}
	if c.Bool(flagVerbose.Name) {
		out = append(out, "--"+flagVerbose.Name)
	}
	return out
}

// continueAction runs inside the freshly created namespaces.
func continueAction(c *cli.Context) error {
	tree, bindings, err := splitInvocation(c.Args().Slice())
	if err != nil {
		return cliutil.ExitCode(1)
	}
	childArgs := c.Args().Slice()[1+len(bindings):]

	env := os.Environ()
	if path := c.String(flagEnvFile.Name); path != "" {
		fileBindings, err := envfile.ParseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", path, cliutil.ExitCode(1), err)
		}
		env = append(env, fileBindings...)
	}
	env = append(env, bindings...)

	// unix.Exec passes env through verbatim and getenv(3) returns the first
	// match, so collapse duplicates here, letting the later entry win.
	index := make(map[string]int, len(env))
	var merged []string
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if i, ok := index[name]; ok {
			merged[i] = kv
			continue
		}
		index[name] = len(merged)
		merged = append(merged, kv)
	}
	env = merged

	var trace func(format string, args ...any)
	if c.Bool(flagVerbose.Name) {
		logger := diag.New(true)
		trace = logger.Tracef
		logger.Tracef("exec %s", diag.QuoteArgs(childArgs))
	}

	cfg := sandbox.Config{
		Base:    c.String(flagBase.Name),
		Top:     tree,
		Env:     env,
		Args:    childArgs,
		Seccomp: c.Bool(flagSeccomp.Name),
		Trace:   trace,
	}
	return sandbox.Continue(cfg)
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
