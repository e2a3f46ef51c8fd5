package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	"github.com/Paranoid-AF/evalvana"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// writeResponse prints one streamed response. Partials are written as is;
// errors that carry a span underline the offending code.
func writeResponse(w io.Writer, code string, resp evalvana.Response) {
	switch resp.Kind {
	case evalvana.KindPartial:
		fmt.Fprint(w, resp.Text)
	case evalvana.KindValue:
		fmt.Fprintf(w, "=> %s\n", resp.Text)
	case evalvana.KindError:
		fmt.Fprintf(w, "error: %s\n", resp.Text)
		if resp.Span != nil {
			writeSpan(w, code, *resp.Span)
		}
	}
}

// writeSpan prints the line of code containing span with a marker under
// the spanned bytes.
func writeSpan(w io.Writer, code string, span evalvana.Span) {
	if span.Start > len(code) {
		return
	}
	lineStart := strings.LastIndexByte(code[:span.Start], '\n') + 1
	lineEnd := len(code)
	if i := strings.IndexByte(code[span.Start:], '\n'); i >= 0 {
		lineEnd = span.Start + i
	}
	end := min(max(span.End, span.Start+1), lineEnd)
	width := max(end-span.Start, 1)

	fmt.Fprintf(w, "  %s\n", code[lineStart:lineEnd])
	fmt.Fprintf(w, "  %s%s\n", strings.Repeat(" ", span.Start-lineStart), strings.Repeat("^", width))
}

// writeExchange prints a completed exchange for :history.
func writeExchange(w io.Writer, ex evalvana.Exchange) {
	fmt.Fprintf(w, "[%d] %s\n", ex.RequestID, oneLine(ex.Code))
	for _, out := range ex.Output {
		fmt.Fprint(w, "    ", out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(w)
		}
	}
	label := "=>"
	if ex.Result.Kind == evalvana.KindError {
		label = "error:"
	}
	fmt.Fprintf(w, "    %s %s (%s)\n", label, oneLine(ex.Result.Text), ex.Finished.Sub(ex.Started).Round(time.Millisecond))
}

// logEntry is the TOML document appended to the -log file per evaluation.
type logEntry struct {
	Request logRequest `toml:"request"`
	Output  []string   `toml:"output,omitempty"`
	Result  logResult  `toml:"result"`
}

type logRequest struct {
	Timestamp time.Time `toml:"timestamp"`
	Plugin    string    `toml:"plugin"`
	Session   string    `toml:"session"`
	ID        int64     `toml:"id"`
	Code      string    `toml:"code"`
}

type logResult struct {
	Kind       string `toml:"kind"`
	Text       string `toml:"text"`
	SpanStart  *int   `toml:"span_start,omitempty"`
	SpanEnd    *int   `toml:"span_end,omitempty"`
	DurationMS int64  `toml:"duration_ms"`
}

// writeLogEntry appends ex to w as a TOML entry preceded by a separator.
func writeLogEntry(w io.Writer, ex evalvana.Exchange) error {
	entry := logEntry{
		Request: logRequest{
			Timestamp: ex.Started,
			Plugin:    ex.PluginID,
			Session:   ex.SessionID,
			ID:        ex.RequestID,
			Code:      ex.Code,
		},
		Output: ex.Output,
		Result: logResult{
			Kind:       string(ex.Result.Kind),
			Text:       ex.Result.Text,
			DurationMS: ex.Finished.Sub(ex.Started).Milliseconds(),
		},
	}
	if sp := ex.Result.Span; sp != nil {
		entry.Result.SpanStart, entry.Result.SpanEnd = &sp.Start, &sp.End
	}

	if _, err := fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60)); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(entry); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func oneLine(s string) string {
	s = strings.TrimRight(s, "\n")
	return strings.ReplaceAll(s, "\n", `\n`)
}
