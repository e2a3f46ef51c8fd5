// Package goeval evaluates Go constant expressions with go/types. It backs
// the bundled calc plugin.
//
// Input is a sequence of statements separated by newlines or semicolons:
//
//	x := 1 << 10        // bind a constant
//	print("x is", x)    // stream a line of output
//	x * 3               // the last statement's value is the result
package goeval

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/pluginapi"
)

// Meta is attached to every value result.
type Meta struct {
	Type string `json:"type"`
}

var assignRe = regexp.MustCompile(`^([\pL_][\pL\pN_]*)\s*:?=([^=][\s\S]*)$`)

// Eval is a pluginapi evaluator. Bindings live for one request only.
func Eval(ctx context.Context, code string, w *pluginapi.ResponseWriter) error {
	stmts, err := split(code)
	if err != nil {
		return w.Error(err.Error(), errSpan(code, err, 0))
	}

	env := make(map[string]types.TypeAndValue)
	var last *result
	for _, st := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, out, err := run(env, st)
		if err != nil {
			var ee *evalError
			if errors.As(err, &ee) {
				return w.Error(ee.msg, ee.span)
			}
			return err
		}
		if out != "" {
			if err := w.Partial(out); err != nil {
				return err
			}
		}
		last = res
	}
	if last == nil {
		return w.Value("", nil)
	}
	return w.Value(last.text, Meta{Type: last.typ})
}

type stmt struct {
	off  int
	text string
}

type result struct {
	text string
	typ  string
}

type evalError struct {
	msg  string
	span *evalvana.Span
}

func (e *evalError) Error() string { return e.msg }

// split cuts code into top-level statements using the Go scanner, so
// semicolons inside strings and newlines inside parentheses do not split.
func split(code string) ([]stmt, error) {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(code))

	var errs scanner.ErrorList
	var s scanner.Scanner
	s.Init(file, []byte(code), errs.Add, 0)

	var (
		stmts []stmt
		depth int
		start = -1
		end   int
	)
	flush := func() {
		if start >= 0 {
			stmts = append(stmts, stmt{off: start, text: code[start:end]})
			start = -1
		}
	}
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if tok == token.SEMICOLON && depth == 0 {
			flush()
			continue
		}
		switch tok {
		case token.LPAREN, token.LBRACK, token.LBRACE:
			depth++
		case token.RPAREN, token.RBRACK, token.RBRACE:
			if depth > 0 {
				depth--
			}
		}
		off := file.Offset(pos)
		if start < 0 {
			start = off
		}
		if lit != "" {
			end = off + len(lit)
		} else {
			end = off + len(tok.String())
		}
	}
	flush()
	if errs.Len() > 0 {
		errs.Sort()
		return nil, errs.Err()
	}
	return stmts, nil
}

func run(env map[string]types.TypeAndValue, st stmt) (*result, string, error) {
	if m := assignRe.FindStringSubmatchIndex(st.text); m != nil {
		name := st.text[m[2]:m[3]]
		tv, err := evalExpr(env, st.text[m[4]:m[5]], st.off+m[4])
		if err != nil {
			return nil, "", err
		}
		if tv.Value == nil {
			return nil, "", &evalError{
				msg:  fmt.Sprintf("cannot bind %s: expression of type %s is not constant", name, tv.Type),
				span: &evalvana.Span{Start: st.off + m[4], End: st.off + len(st.text)},
			}
		}
		env[name] = tv
		return &result{text: display(tv.Value, true), typ: tv.Type.String()}, "", nil
	}

	if args, ok := printArgs(st.text); ok {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			tv, err := evalExpr(env, st.text[a[0]:a[1]], st.off+a[0])
			if err != nil {
				return nil, "", err
			}
			if tv.Value == nil {
				return nil, "", &evalError{
					msg:  fmt.Sprintf("cannot print non-constant %s", tv.Type),
					span: &evalvana.Span{Start: st.off + a[0], End: st.off + a[1]},
				}
			}
			parts = append(parts, display(tv.Value, false))
		}
		return nil, strings.Join(parts, " ") + "\n", nil
	}

	tv, err := evalExpr(env, st.text, st.off)
	if err != nil {
		return nil, "", err
	}
	switch {
	case tv.IsType():
		return &result{text: "type " + tv.Type.String(), typ: tv.Type.String()}, "", nil
	case tv.Value == nil:
		return nil, "", &evalError{
			msg:  fmt.Sprintf("expression of type %s is not constant", tv.Type),
			span: &evalvana.Span{Start: st.off, End: st.off + len(st.text)},
		}
	}
	return &result{text: display(tv.Value, true), typ: tv.Type.String()}, "", nil
}

// printArgs recognizes print(...) and println(...) calls and returns the
// byte range of each argument within text.
func printArgs(text string) ([][2]int, bool) {
	fset := token.NewFileSet()
	expr, err := parser.ParseExprFrom(fset, "", text, 0)
	if err != nil {
		return nil, false
	}
	call, ok := expr.(*ast.CallExpr)
	if !ok {
		return nil, false
	}
	fn, ok := call.Fun.(*ast.Ident)
	if !ok || (fn.Name != "print" && fn.Name != "println") {
		return nil, false
	}
	args := make([][2]int, len(call.Args))
	for i, a := range call.Args {
		args[i] = [2]int{fset.Position(a.Pos()).Offset, fset.Position(a.End()).Offset}
	}
	return args, true
}

func evalExpr(env map[string]types.TypeAndValue, expr string, base int) (types.TypeAndValue, error) {
	pkg := types.NewPackage("calc", "calc")
	for _, name := range slices.Sorted(maps.Keys(env)) {
		tv := env[name]
		pkg.Scope().Insert(types.NewConst(token.NoPos, pkg, name, tv.Type, tv.Value))
	}
	fset := token.NewFileSet()
	tv, err := types.Eval(fset, pkg, token.NoPos, expr)
	if err != nil {
		return tv, &evalError{msg: message(err), span: errSpan(expr, err, base)}
	}
	return tv, nil
}

func message(err error) string {
	var te types.Error
	if errors.As(err, &te) {
		return te.Msg
	}
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return list[0].Msg
	}
	return err.Error()
}

// errSpan locates err within src and shifts it by base. The span covers the
// identifier or token starting at the error position.
func errSpan(src string, err error, base int) *evalvana.Span {
	off := -1
	var te types.Error
	var list scanner.ErrorList
	switch {
	case errors.As(err, &te) && te.Fset != nil:
		off = te.Fset.Position(te.Pos).Offset
	case errors.As(err, &list) && len(list) > 0:
		off = list[0].Pos.Offset
	}
	if off < 0 {
		return nil
	}
	off = min(off, len(src))
	end := off
	for end < len(src) && isIdent(src[end]) {
		end++
	}
	if end == off && end < len(src) {
		end++
	}
	return &evalvana.Span{Start: base + off, End: base + end}
}

func isIdent(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// display renders a constant. Strings are quoted unless raw output is wanted.
func display(v constant.Value, quoted bool) string {
	switch v.Kind() {
	case constant.String:
		s := constant.StringVal(v)
		if quoted {
			return strconv.Quote(s)
		}
		return s
	case constant.Int:
		return v.ExactString()
	}
	return v.String()
}
