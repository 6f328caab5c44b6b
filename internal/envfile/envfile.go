// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package envfile parses the shell-syntax assignment lists accepted by
// --env-file: one NAME=VALUE assignment per statement, with the quoting
// and expansion rules of a POSIX/bash word.
package envfile

import (
	"fmt"
	"io"
	"os"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// environ implements the string-only expand.Environ a literal expansion
// needs, backed by the assignments parsed so far -- so a later assignment
// in the same file can reference an earlier one, matching ordinary shell
// semantics.
type environ map[string]string

func (e environ) Get(name string) expand.Variable {
	value, ok := e[name]
	if !ok {
		return expand.Variable{}
	}
	return expand.Variable{Local: true, Kind: expand.String, Str: value}
}

func (e environ) Each(f func(name string, v expand.Variable) bool) {
	for name := range e {
		if !f(name, e.Get(name)) {
			return
		}
	}
}

// Parse reads NAME=VALUE assignments from r and returns them in the order
// they appeared. Anything that is not a bare assignment -- a command, a
// pipeline, a control-flow keyword -- is rejected, since an env file is
// data, not a script to run.
func Parse(r io.Reader) ([]string, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(r, "")
	if err != nil {
		return nil, fmt.Errorf("parsing env file: %w", err)
	}

	vars := make(environ)
	var order []string

	for _, stmt := range file.Stmts {
		call, ok := stmt.Cmd.(*syntax.CallExpr)
		if !ok {
			return nil, fmt.Errorf("%s: only NAME=VALUE assignments are allowed", stmt.Pos())
		}
		if len(call.Args) != 0 {
			return nil, fmt.Errorf("%s: commands are not allowed in an env file", call.Pos())
		}
		for _, assign := range call.Assigns {
			if assign.Array != nil || assign.Append || assign.Naked {
				return nil, fmt.Errorf("%s: only simple NAME=VALUE assignments are allowed", assign.Pos())
			}
			name := assign.Name.Value
			value, err := expand.Literal(&expand.Config{Env: vars}, assign.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", assign.Value.Pos(), err)
			}
			if _, exists := vars[name]; !exists {
				order = append(order, name)
			}
			vars[name] = value
		}
	}

	bindings := make([]string, 0, len(order))
	for _, name := range order {
		bindings = append(bindings, name+"="+vars[name])
	}
	return bindings, nil
}

// ParseFile is a convenience wrapper around Parse for a path on disk.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
