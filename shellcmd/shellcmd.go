// Package shellcmd turns the shell-style command lines found in plugin
// descriptors into an executable path, arguments and extra environment, and
// redacts such command lines before they are logged.
package shellcmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// ErrEmpty is returned for command lines without a program.
var ErrEmpty = errors.New("empty command line")

// Command is a parsed command line.
type Command struct {
	Path string
	Args []string
	// Env holds leading assignments such as FOO=bar in "FOO=bar prog".
	Env map[string]string
}

// Parse splits a command line like `PYTHONUNBUFFERED=1 python3 -q "$HOME/repl.py"`
// into its parts. Quotes are honoured and parameters are expanded through
// lookup (os.Getenv when nil). Pipelines, redirections and command
// substitution are rejected: plugins are exec'd directly, never via a shell.
func Parse(line string, lookup func(string) string) (Command, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(prog.Stmts) == 0 {
		return Command{}, ErrEmpty
	}
	if len(prog.Stmts) > 1 {
		return Command{}, fmt.Errorf("command %q: expected a single command", line)
	}
	stmt := prog.Stmts[0]
	if len(stmt.Redirs) > 0 || stmt.Background || stmt.Negated {
		return Command{}, fmt.Errorf("command %q: redirections and job control are not supported", line)
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return Command{}, fmt.Errorf("command %q: expected a simple command", line)
	}

	cfg := &expand.Config{Env: expand.FuncEnviron(lookup)}

	cmd := Command{}
	for _, as := range call.Assigns {
		if as.Name == nil || as.Array != nil || as.Append {
			return Command{}, fmt.Errorf("command %q: unsupported assignment", line)
		}
		val := ""
		if as.Value != nil {
			if val, err = expand.Literal(cfg, as.Value); err != nil {
				return Command{}, fmt.Errorf("expand %s: %w", as.Name.Value, err)
			}
		}
		if cmd.Env == nil {
			cmd.Env = make(map[string]string)
		}
		cmd.Env[as.Name.Value] = val
	}

	fields, err := expand.Fields(cfg, call.Args...)
	if err != nil {
		return Command{}, fmt.Errorf("expand command %q: %w", line, err)
	}
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}
	cmd.Path = fields[0]
	cmd.Args = fields[1:]
	return cmd, nil
}

// Join renders words as a command line that Parse splits back into the same
// words. Words that cannot be quoted for bash fall back to Go quoting.
func Join(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		q, err := syntax.Quote(w, syntax.LangBash)
		if err != nil {
			q = strconv.Quote(w)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " ")
}
