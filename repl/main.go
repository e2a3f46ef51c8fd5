// Command evalvana is an interactive REPL over evalvana language plugins.
// Every line is evaluated by the selected plugin; lines starting with ':'
// are REPL commands. With -log, each evaluation is appended to a file as a
// TOML entry.
//
// Usage:
//
//	./evalvana                   # evaluate with the first configured plugin
//	./evalvana -plugin calc      # pick the plugin
//	./evalvana -log session.toml # also log every exchange
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/coordinator"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/router"
	"github.com/Paranoid-AF/evalvana/transcript"
)

const recallLimit = 5

func main() {
	configPath := flag.String("config", evalvana.ConfigPath(), "configuration file")
	plugin := flag.String("plugin", "", "plugin to start with (default: first configured)")
	logPath := flag.String("log", "", "append a TOML entry per evaluation to this file")
	verbose := flag.Bool("verbose", false, "log pool activity to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *plugin, *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, plugin, logPath string) error {
	cfg, err := evalvana.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	for _, w := range evalvana.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	if plugin == "" {
		ids := reg.IDs()
		if len(ids) == 0 {
			return errors.New("no plugins configured")
		}
		plugin = ids[0]
	}

	opts := process.OptionsFromConfig(cfg)
	opts.Logger = slog.Default()
	procs := process.NewManager(reg, opts)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := procs.Shutdown(ctx); err != nil {
			slog.Warn("plugin shutdown", "error", err)
		}
	}()

	// Recall index persisted across runs.
	recall := transcript.NewIndex()
	cachePath := evalvana.RecallCachePath()
	if err := recall.LoadCache(cachePath); err != nil {
		slog.Debug("no recall cache loaded", "error", err)
	}
	defer func() {
		if err := recall.SaveCache(cachePath); err != nil {
			slog.Warn("failed to save recall cache", "error", err)
		}
	}()

	coord := coordinator.New(router.New(procs), coordinator.WithRecall(recall))
	defer coord.CloseAll()

	var log io.Writer
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		log = f
	}

	r := &repl{coord: coord, out: os.Stdout, log: log}
	if err := r.use(plugin); err != nil {
		return err
	}

	in := newInput(coord)
	defer in.Close()

	fmt.Fprintf(r.out, "evalvana repl (%s)\n", plugin)
	fmt.Fprintf(r.out, "type :help for commands\n\n")

	for {
		text, err := in.ReadLine(r.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			// Ctrl-C at the prompt discards the line; Ctrl-D exits.
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			break
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		in.AppendHistory(text)

		if strings.HasPrefix(text, ":") {
			if quit := r.command(text); quit {
				break
			}
			continue
		}
		r.eval(text)
	}
	fmt.Fprintln(r.out)
	return nil
}

// repl holds the state of one interactive run.
type repl struct {
	coord   *coordinator.Coordinator
	out     io.Writer
	log     io.Writer
	plugin  string
	session string
}

func (r *repl) prompt() string {
	return r.plugin + "> "
}

// use switches to a fresh session of plugin.
func (r *repl) use(plugin string) error {
	session, err := r.coord.Open(plugin)
	if err != nil {
		return err
	}
	if r.session != "" {
		if err := r.coord.Close(r.session); err != nil {
			slog.Debug("close previous session", "error", err)
		}
	}
	r.plugin, r.session = plugin, session
	return nil
}

// command runs a ':' command and reports whether the REPL should exit.
func (r *repl) command(line string) bool {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ":quit", ":q":
		return true
	case ":help":
		fmt.Fprintln(r.out, "commands:")
		fmt.Fprintln(r.out, "  :plugins         list plugins")
		fmt.Fprintln(r.out, "  :use <plugin>    start a new session with plugin")
		fmt.Fprintln(r.out, "  :history         show this session's exchanges")
		fmt.Fprintln(r.out, "  :recall <text>   find earlier inputs resembling text")
		fmt.Fprintln(r.out, "  :quit            exit")
	case ":plugins":
		for _, id := range r.coord.Plugins() {
			marker := " "
			if id == r.plugin {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s\n", marker, id)
		}
	case ":use":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: :use <plugin>")
			break
		}
		if err := r.use(arg); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	case ":history":
		ts, err := r.coord.Transcript(r.session)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			break
		}
		for _, ex := range ts {
			writeExchange(r.out, ex)
		}
	case ":recall":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: :recall <text>")
			break
		}
		matches := r.coord.Recall(arg, recallLimit)
		if len(matches) == 0 {
			fmt.Fprintln(r.out, "(nothing recalled)")
		}
		for i, e := range matches {
			fmt.Fprintf(r.out, "  %d. [%s] %s => %s\n", i+1, e.PluginID, oneLine(e.Code), oneLine(e.Result))
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s (try :help)\n", name)
	}
	return false
}

// eval evaluates code, printing responses as they stream in. Ctrl-C cancels
// the evaluation and returns to the prompt.
func (r *repl) eval(code string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := r.coord.Evaluate(ctx, r.session, code)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	for resp := range stream.Responses(ctx) {
		writeResponse(r.out, code, resp)
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, evalvana.ErrCancelled) {
			fmt.Fprintln(r.out, "^C cancelled")
		} else {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		return
	}

	if r.log == nil {
		return
	}
	ts, err := r.coord.Transcript(r.session)
	if err != nil || len(ts) == 0 {
		return
	}
	if err := writeLogEntry(r.log, ts[len(ts)-1]); err != nil {
		slog.Warn("failed to write log entry", "error", err)
	}
}

// input reads lines with liner when stdin is a terminal and with a plain
// scanner otherwise, so scripts can be piped in.
type input struct {
	line    *liner.State
	scanner *bufio.Scanner
}

func newInput(coord *coordinator.Coordinator) *input {
	if !isTerminal(os.Stdin) || !liner.TerminalSupported() {
		return &input{scanner: bufio.NewScanner(os.Stdin)}
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(true)
	line.SetCompleter(func(prefix string) []string {
		return complete(coord, prefix)
	})
	if f, err := os.Open(evalvana.HistoryPath()); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			slog.Debug("read history", "error", err)
		}
		f.Close()
	}
	return &input{line: line}
}

func (in *input) ReadLine(prompt string) (string, error) {
	if in.line != nil {
		return in.line.Prompt(prompt)
	}
	if !in.scanner.Scan() {
		if err := in.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return in.scanner.Text(), nil
}

func (in *input) AppendHistory(text string) {
	if in.line != nil {
		in.line.AppendHistory(text)
	}
}

// Close saves the line history and restores the terminal.
func (in *input) Close() {
	if in.line == nil {
		return
	}
	path := evalvana.HistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if f, err := os.Create(path); err == nil {
			if _, err := in.line.WriteHistory(f); err != nil {
				slog.Debug("write history", "error", err)
			}
			f.Close()
		}
	}
	in.line.Close()
}

var commands = []string{":help", ":history", ":plugins", ":quit", ":recall ", ":use "}

// complete offers REPL commands for ':' prefixes and recalled inputs that
// extend the typed text otherwise.
func complete(coord *coordinator.Coordinator, prefix string) []string {
	var out []string
	if strings.HasPrefix(prefix, ":use ") {
		for _, id := range coord.Plugins() {
			if strings.HasPrefix(":use "+id, prefix) {
				out = append(out, ":use "+id)
			}
		}
		return out
	}
	if strings.HasPrefix(prefix, ":") {
		for _, c := range commands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	}
	for _, e := range coord.Recall(prefix, recallLimit) {
		if strings.HasPrefix(e.Code, prefix) && e.Code != prefix && !strings.Contains(e.Code, "\n") {
			out = append(out, e.Code)
		}
	}
	return out
}
