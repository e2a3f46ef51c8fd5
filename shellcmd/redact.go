package shellcmd

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables whose values are fine to show in logs.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "SHELL": true, "PATH": true,
	"LANG": true, "TERM": true, "TMPDIR": true, "LC_ALL": true, "LC_CTYPE": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_RUNTIME_DIR": true,
	"PYTHONPATH": true, "PYTHONUNBUFFERED": true, "NODE_PATH": true,
	"GOPATH": true, "GOFLAGS": true, "RUST_BACKTRACE": true,
}

// positional holds the positional and special parameters, which name no
// environment value and so are left as written.
var positional = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"@": true, "*": true, "#": true, "?": true, "!": true,
	"$": true, "-": true, "_": true,
}

// Redact hides the values of assignments and references to non-safe
// variables in a command line so it can be logged.
//
//	API_KEY=s3cr3t repl --token $TOKEN  =>  API_KEY=*** repl --token $REDACTED
func Redact(line string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return regexRedact(line)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !positional[n.Param.Value] {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(line)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// RedactEnv renders env as sorted KEY=value pairs with non-safe values masked.
func RedactEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if !safeVars[k] {
			v = "***"
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// regexRedact is the fallback for lines the parser rejects.
func regexRedact(line string) string {
	line = reBraceVar.ReplaceAllStringFunc(line, func(m string) string {
		if name := reBraceVar.FindStringSubmatch(m)[1]; safeVars[name] || positional[name] {
			return m
		}
		return "${REDACTED}"
	})
	line = reSimpleVar.ReplaceAllStringFunc(line, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] || positional[name] {
			return m
		}
		return "$REDACTED"
	})
	return reAssign.ReplaceAllStringFunc(line, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})
}
