// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package diag is the --verbose trace logger wired into the weave engine.
package diag

import (
	"fmt"
	"os"

	"github.com/alessio/shellescape"
)

// Logger writes one line per merge decision to stderr when enabled.
type Logger struct {
	verbose bool
}

// New returns a Logger that writes when verbose is true and is silent
// otherwise.
func New(verbose bool) *Logger {
	return &Logger{verbose: verbose}
}

// Tracef matches the signature weave.SetTracer expects.
func (l *Logger) Tracef(format string, args ...any) {
	if !l.verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "[overlay] "+format+"\n", args...)
}

// QuoteArgs renders argv the way a shell would need to see it quoted, for
// logging the child command line before exec.
func QuoteArgs(args []string) string {
	return shellescape.QuoteCommand(args)
}
