package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/coordinator"
	"github.com/Paranoid-AF/evalvana/internal/plugintest"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/router"
	"github.com/Paranoid-AF/evalvana/transcript"
)

func TestMain(m *testing.M) {
	plugintest.Main(m)
}

func newTestREPL(t *testing.T, plugin string) (*repl, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	reg, err := evalvana.NewRegistry(
		plugintest.Descriptor("echo", plugintest.ModeEcho, evalvana.CapStreaming),
		plugintest.Descriptor("calc", plugintest.ModeCalc),
	)
	if err != nil {
		t.Fatal(err)
	}
	quiet := slog.New(slog.DiscardHandler)
	procs := process.NewManager(reg, process.Options{Logger: quiet, TerminateGrace: time.Second})
	coord := coordinator.New(router.New(procs, router.WithLogger(quiet)),
		coordinator.WithRecall(transcript.NewIndex()),
		coordinator.WithLogger(quiet),
	)
	t.Cleanup(func() {
		coord.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		procs.Shutdown(ctx)
	})

	out, log := new(bytes.Buffer), new(bytes.Buffer)
	r := &repl{coord: coord, out: out, log: log}
	if err := r.use(plugin); err != nil {
		t.Fatal(err)
	}
	return r, out, log
}

func TestEvalPrintsValue(t *testing.T) {
	r, out, _ := newTestREPL(t, "calc")
	r.eval("6 * 7")
	if got := out.String(); got != "=> 42\n" {
		t.Errorf("output = %q", got)
	}
}

func TestEvalPrintsPartialsThenValue(t *testing.T) {
	r, out, _ := newTestREPL(t, "echo")
	r.eval("stream 2")
	if got := out.String(); got != "0\n1\n=> done\n" {
		t.Errorf("output = %q", got)
	}
}

func TestEvalUnderlinesErrorSpan(t *testing.T) {
	r, out, _ := newTestREPL(t, "calc")
	r.eval("1 + nope")
	want := "  1 + nope\n      ^^^^\n"
	if !strings.HasSuffix(out.String(), want) {
		t.Errorf("output = %q, want suffix %q", out.String(), want)
	}
	if !strings.HasPrefix(out.String(), "error: ") {
		t.Errorf("output = %q, want error prefix", out.String())
	}
}

func TestEvalWritesLogEntry(t *testing.T) {
	r, _, log := newTestREPL(t, "echo")
	r.eval("stream 1")
	r.eval("hello")

	entries := strings.Split(log.String(), "# ")
	var docs []string
	for _, e := range entries {
		if strings.Contains(e, "[request]") {
			docs = append(docs, e[strings.Index(e, "\n"):])
		}
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 log entries, got %d:\n%s", len(docs), log.String())
	}

	var first logEntry
	if _, err := toml.Decode(docs[0], &first); err != nil {
		t.Fatalf("decode first entry: %v", err)
	}
	if first.Request.Code != "stream 1" || first.Request.Plugin != "echo" || first.Request.ID != 1 {
		t.Errorf("unexpected request %+v", first.Request)
	}
	if len(first.Output) != 1 || first.Output[0] != "0\n" {
		t.Errorf("unexpected output %q", first.Output)
	}
	if first.Result.Kind != "value" || first.Result.Text != "done" {
		t.Errorf("unexpected result %+v", first.Result)
	}
}

func TestCommands(t *testing.T) {
	r, out, _ := newTestREPL(t, "calc")
	r.eval(`len("gopher")`)
	out.Reset()

	if r.command(":plugins") {
		t.Fatal(":plugins should not quit")
	}
	if got := out.String(); got != "* calc\n  echo\n" {
		t.Errorf(":plugins output = %q", got)
	}

	out.Reset()
	r.command(":history")
	if !strings.Contains(out.String(), `[1] len("gopher")`) || !strings.Contains(out.String(), "=> 6") {
		t.Errorf(":history output = %q", out.String())
	}

	out.Reset()
	r.command(`:recall len("go")`)
	if !strings.Contains(out.String(), `1. [calc] len("gopher") => 6`) {
		t.Errorf(":recall output = %q", out.String())
	}

	out.Reset()
	old := r.session
	r.command(":use echo")
	if r.plugin != "echo" || r.session == old {
		t.Errorf(":use did not switch sessions: plugin=%s", r.plugin)
	}
	if r.prompt() != "echo> " {
		t.Errorf("prompt = %q", r.prompt())
	}

	out.Reset()
	r.command(":use cobol")
	if !strings.Contains(out.String(), "unknown plugin") || r.plugin != "echo" {
		t.Errorf(":use cobol output = %q, plugin %s", out.String(), r.plugin)
	}

	out.Reset()
	r.command(":frobnicate")
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("unknown command output = %q", out.String())
	}

	if !r.command(":quit") || !r.command(":q") {
		t.Error(":quit should quit")
	}
}

func TestComplete(t *testing.T) {
	r, _, _ := newTestREPL(t, "calc")
	r.eval(`len("gopher")`)

	if got := complete(r.coord, ":re"); len(got) != 1 || got[0] != ":recall " {
		t.Errorf("complete(:re) = %v", got)
	}
	if got := complete(r.coord, ":use e"); len(got) != 1 || got[0] != ":use echo" {
		t.Errorf("complete(:use e) = %v", got)
	}
	if got := complete(r.coord, "len("); len(got) != 1 || got[0] != `len("gopher")` {
		t.Errorf("complete(len() = %v", got)
	}
}

func TestWriteSpan(t *testing.T) {
	tests := []struct {
		name string
		code string
		span evalvana.Span
		want string
	}{
		{"single line", "1 + x", evalvana.Span{Start: 4, End: 5}, "  1 + x\n      ^\n"},
		{"second line", "a := 1\nb + 2", evalvana.Span{Start: 7, End: 8}, "  b + 2\n  ^\n"},
		{"empty span", "abc", evalvana.Span{Start: 1, End: 1}, "  abc\n   ^\n"},
		{"clamped to line", "ab\ncd", evalvana.Span{Start: 1, End: 5}, "  ab\n   ^\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeSpan(&buf, tt.code, tt.span)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	writeSpan(&buf, "ab", evalvana.Span{Start: 9, End: 10})
	if buf.Len() != 0 {
		t.Errorf("out-of-range span printed %q", buf.String())
	}
}
