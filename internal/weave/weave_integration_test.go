// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"gotest.tools/v3/skip"

	"cros.local/overlay/internal/sandbox"
	"cros.local/overlay/internal/weave"
)

// These tests exercise spec.md §8's scenarios S1, S2, and S3, plus
// property 7 (root mode), end to end through real mount(2)/pivot-adjacent
// syscalls. They cannot run in the
// test binary's own process: unshare(CLONE_NEWUSER) fails on a
// multi-threaded caller, and the Go runtime is always multi-threaded by
// the time a test body runs. Instead, like cmd/overlay itself, they
// re-exec the test binary with CLONE_NEWUSER|CLONE_NEWNS and uid/gid
// mappings set on the child's SysProcAttr -- the namespace is created by
// the kernel as part of clone(2) before the child's own exec, so it is
// already in place no matter how many threads the child's Go runtime
// later starts.

const (
	envChildScenario = "OVERLAY_WEAVE_TEST_SCENARIO"
	envChildBase     = "OVERLAY_WEAVE_TEST_BASE"
	envChildTop      = "OVERLAY_WEAVE_TEST_TOP"
)

func TestMain(m *testing.M) {
	if scenario := os.Getenv(envChildScenario); scenario != "" {
		os.Exit(runChildScenario(scenario))
	}
	os.Exit(m.Run())
}

func runChildScenario(scenario string) int {
	base, top := os.Getenv(envChildBase), os.Getenv(envChildTop)

	outDir, err := os.MkdirTemp("", "overlay-weave-test-out")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdtemp: %v\n", err)
		return 1
	}

	baseHandle, err := weave.OpenRootDir(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open base: %v\n", err)
		return 1
	}
	topHandle, err := weave.OpenRootDir(top)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open top: %v\n", err)
		return 1
	}
	outParent, err := weave.OpenRootDir(filepath.Dir(outDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open out parent: %v\n", err)
		return 1
	}

	if err := os.Chdir("/proc/self/fd"); err != nil {
		fmt.Fprintf(os.Stderr, "chdir: %v\n", err)
		return 1
	}

	if err := weave.Merge(baseHandle, topHandle, outParent, filepath.Base(outDir)); err != nil {
		fmt.Fprintf(os.Stderr, "merge: %v\n", err)
		return 1
	}

	return checkScenario(scenario, outDir)
}

func checkScenario(scenario, outDir string) int {
	switch scenario {
	case "stack-top-wins":
		data, err := os.ReadFile(filepath.Join(outDir, "etc", "hosts"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read hosts: %v\n", err)
			return 1
		}
		if string(data) != "B" {
			fmt.Fprintf(os.Stderr, "hosts = %q, want B\n", data)
			return 1
		}
	case "explode-symlink-kind-mismatch":
		info, err := os.Lstat(filepath.Join(outDir, "var"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "lstat var: %v\n", err)
			return 1
		}
		if info.Mode()&os.ModeSymlink == 0 {
			fmt.Fprintln(os.Stderr, "var is not a symlink")
			return 1
		}
		target, err := os.Readlink(filepath.Join(outDir, "var"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "readlink var: %v\n", err)
			return 1
		}
		if target != "/data" {
			fmt.Fprintf(os.Stderr, "var -> %q, want /data\n", target)
			return 1
		}
		// Property 7, writable-base branch: base (a fresh t.TempDir()) is
		// writable to the invoking user, so the exploded root must come
		// out 01777, not 0555.
		rootInfo, err := os.Stat(outDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stat root: %v\n", err)
			return 1
		}
		if rootInfo.Mode()&(os.ModePerm|os.ModeSticky) != os.ModePerm|os.ModeSticky {
			fmt.Fprintf(os.Stderr, "root mode = %v, want 01777 (trwxrwxrwx)\n", rootInfo.Mode())
			return 1
		}
	case "explode-root-mode-readonly-base":
		// Property 7, unwritable-base branch: the exploded root must come
		// out 0555 when the host root (here, base) is unwritable to the
		// invoking user.
		info, err := os.Stat(outDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stat root: %v\n", err)
			return 1
		}
		if info.Mode().Perm() != 0555 {
			fmt.Fprintf(os.Stderr, "root mode = %#o, want 0555\n", info.Mode().Perm())
			return 1
		}
	case "explode-top-only-subtree":
		runData, err := os.ReadFile(filepath.Join(outDir, "opt", "app", "run"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read opt/app/run: %v\n", err)
			return 1
		}
		if string(runData) != "run-binary" {
			fmt.Fprintf(os.Stderr, "opt/app/run = %q, want run-binary\n", runData)
			return 1
		}
		lsData, err := os.ReadFile(filepath.Join(outDir, "usr", "bin", "ls"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read usr/bin/ls: %v\n", err)
			return 1
		}
		if string(lsData) != "ls-binary" {
			fmt.Fprintf(os.Stderr, "usr/bin/ls = %q, want ls-binary (bound from base)\n", lsData)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", scenario)
		return 1
	}
	return 0
}

func runScenario(t *testing.T, scenario, base, top string) {
	t.Helper()
	skip.If(t, !sandbox.CanUnshareUserNS(), "unprivileged user namespaces unavailable")

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(),
		envChildScenario+"="+scenario,
		envChildBase+"="+base,
		envChildTop+"="+top,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("scenario %s failed: %v\n%s", scenario, err, out)
	}
}

// TestMergeStacksAndTopWins is scenario S1 from spec.md §8: base and top
// both have /etc/hosts; the merged view must show top's content.
func TestMergeStacksAndTopWins(t *testing.T) {
	base, top := t.TempDir(), t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "etc", "hosts"), []byte("A"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(top, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(top, "etc", "hosts"), []byte("B"), 0644); err != nil {
		t.Fatal(err)
	}

	runScenario(t, "stack-top-wins", base, top)
}

// TestMergeExplodesOnSymlinkKindMismatch is scenario S3: base has /var as a
// directory, top has /var as a symlink. Root must explode, and the child's
// /var must be the symlink top supplied, verbatim.
func TestMergeExplodesOnSymlinkKindMismatch(t *testing.T) {
	base, top := t.TempDir(), t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "var"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/data", filepath.Join(top, "var")); err != nil {
		t.Fatal(err)
	}

	runScenario(t, "explode-symlink-kind-mismatch", base, top)
}

// TestMergeRootModeIsReadOnlyWhenBaseIsReadOnly is property 7 from spec.md
// §8: an exploded root must come out mode 0555, rather than the usual
// 01777, when base is unwritable to the invoking user.
func TestMergeRootModeIsReadOnlyWhenBaseIsReadOnly(t *testing.T) {
	base, top := t.TempDir(), t.TempDir()
	if err := os.Symlink("/data", filepath.Join(top, "var")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(base, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(base, 0755) })

	runScenario(t, "explode-root-mode-readonly-base", base, top)
}

// TestMergeExplodesOnTopOnlySubtree is scenario S2: base has /usr/bin/ls,
// top has /opt/app/run, which base lacks entirely. Root must explode (top
// supplies an entry, "opt", missing from base); /usr is still a single
// bind of base's subtree, and /opt/app/run is bound in from top.
func TestMergeExplodesOnTopOnlySubtree(t *testing.T) {
	base, top := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "usr", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "usr", "bin", "ls"), []byte("ls-binary"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(top, "opt", "app"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(top, "opt", "app", "run"), []byte("run-binary"), 0644); err != nil {
		t.Fatal(err)
	}

	runScenario(t, "explode-top-only-subtree", base, top)
}
