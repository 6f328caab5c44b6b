// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package weave

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// bindAt recursively bind-mounts the object named srcName under srcDir
// onto the object named dstName under dstDir. Both sides are opened
// O_PATH|O_NOFOLLOW, which works whether the object is a directory, a
// regular file, or a symlink, and the mount(2) call addresses them via
// /proc/self/fd/<n> -- the trick described at
// https://lkml.org/lkml/2019/12/30/14. The caller's working directory
// must therefore be /proc/self/fd, a precondition the namespace bootstrap
// establishes once, up front.
//
// Both path-only descriptors are kept open until after mount(2) returns;
// closing either one first would invalidate the /proc/self/fd entry mount
// is about to resolve.
func bindAt(srcDir *os.File, srcName string, dstDir *os.File, dstName string) error {
	src, err := openPathOnly(srcDir, srcName)
	if err != nil {
		return fmt.Errorf("openat(%s, O_PATH): %w", srcName, err)
	}
	defer src.Close()

	dst, err := openPathOnly(dstDir, dstName)
	if err != nil {
		return fmt.Errorf("openat(%s, O_PATH): %w", dstName, err)
	}
	defer dst.Close()

	srcName = strconv.Itoa(int(src.Fd()))
	dstName = strconv.Itoa(int(dst.Fd()))
	if err := unix.Mount(srcName, dstName, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("mount(bind /proc/self/fd/%s -> /proc/self/fd/%s): %w", srcName, dstName, err)
	}
	return nil
}

func openPathOnly(dir *os.File, name string) (*os.File, error) {
	fd, err := unix.Openat(fdOf(dir), name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	runtime.KeepAlive(dir)
	return os.NewFile(uintptr(fd), name), nil
}

// mountTarget formats the target operand for a tmpfs mount at name beneath
// dir. When dir is a real handle it relies on the same /proc/self/fd cwd
// precondition as bindAt (mount(2) resolves "<fd>/<name>" relative to cwd);
// when dir is nil, name is itself the absolute path to mount on.
func mountTarget(dir *os.File, name string) string {
	if dir == nil {
		return name
	}
	return strconv.Itoa(int(dir.Fd())) + "/" + name
}

func readlinkAt(dir *os.File, name string) (string, error) {
	size := 256
	for {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(fdOf(dir), name, buf)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: name, Err: err}
		}
		runtime.KeepAlive(dir)
		if n < size {
			return string(buf[:n]), nil
		}
		size *= 2
	}
}
