// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cliutil

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// ExitCode is an error value that instructs the program to exit with a certain
// exit code.
// The program must call cliutil.Exit in its main function to handle ExitCode
// errors.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

// AsFailureCode turns a non-nil err into an ExitCode, logging it first
// unless it is already a bare ExitCode with nothing more to say (a
// usage error, or a child's exit status forwarded verbatim by
// sandbox.Enter -- the child already reported its own diagnostic, if
// any, to its own stderr). A wrapped ExitCode, such as a base-pass
// creation conflict, still carries a real diagnostic in its Error()
// string even though ExitCode's own Error() does not, so it is logged
// here and reduced to the bare code Exit expects. Anything that is not
// an ExitCode at all is a syscall/exec failure and becomes ExitCode(255).
func AsFailureCode(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := err.(ExitCode); ok {
		return code
	}
	var code ExitCode
	if errors.As(err, &code) {
		log.Printf("FATAL: %v", err)
		return code
	}
	log.Printf("FATAL: %v", err)
	return ExitCode(255)
}

// Exit terminates the program by calling os.Exit. If err contains ExitCode,
// it calls os.Exit with the specified exit code. Otherwise it prints an error
// message and calls os.Exit(1).
//
// The function never returns. Beware that deferred function calls are not
// triggered.
func Exit(err error) {
	var code ExitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}
