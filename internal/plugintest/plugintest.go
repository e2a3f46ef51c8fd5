// Package plugintest turns a test binary into a plugin for process-level
// tests. A package's TestMain calls Main; descriptors built with Descriptor
// re-exec the test binary, which then serves the protocol instead of
// running tests.
package plugintest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/internal/goeval"
	"github.com/Paranoid-AF/evalvana/pluginapi"
)

const (
	// EnvMode selects the helper behaviour in a re-exec'd test binary.
	EnvMode = "EVALVANA_HELPER_PLUGIN"
	// EnvConcurrent makes the helper evaluate requests in parallel.
	EnvConcurrent = "EVALVANA_HELPER_CONCURRENT"
)

// Helper modes.
const (
	// ModeEcho answers with the submitted code and understands the commands
	// documented on Echo.
	ModeEcho = "echo"
	// ModeCalc evaluates Go constant expressions like evalvana-calc.
	ModeCalc = "calc"
	// ModeExit exits with status 1 before reading anything.
	ModeExit = "exit"
)

// Main runs the helper plugin when the binary was started by a descriptor
// from this package, and the tests otherwise.
func Main(m *testing.M) {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		os.Exit(m.Run())
	}
	os.Exit(serve(mode))
}

// Descriptor returns a descriptor that launches the running test binary in
// the given mode.
func Descriptor(id, mode string, caps ...evalvana.Capability) evalvana.Descriptor {
	env := map[string]string{EnvMode: mode}
	if slices.Contains(caps, evalvana.CapConcurrent) {
		env[EnvConcurrent] = "1"
	}
	return evalvana.Descriptor{
		ID:           id,
		Path:         os.Args[0],
		Env:          env,
		Capabilities: caps,
	}
}

func serve(mode string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []pluginapi.Option{pluginapi.WithLogger(logger)}
	if os.Getenv(EnvConcurrent) != "" {
		opts = append(opts, pluginapi.Concurrent())
	}

	var ev pluginapi.Evaluator
	switch mode {
	case ModeEcho:
		ev = pluginapi.EvaluatorFunc(Echo)
	case ModeCalc:
		ev = pluginapi.EvaluatorFunc(goeval.Eval)
	case ModeExit:
		fmt.Fprintln(os.Stderr, "helper exiting on startup")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		return 2
	}
	if err := pluginapi.Serve(context.Background(), os.Stdin, os.Stdout, ev, opts...); err != nil {
		logger.Error("serve", "error", err)
		return 1
	}
	return 0
}

// Echo answers with the code itself, except for these commands:
//
//	stream N      N partials "0\n".."N-1\n", then the value "done"
//	sleep D       wait D (a time.Duration) or until cancelled, then "slept"
//	hang          never answer, ignoring cancellation
//	crash         emit a partial, then exit with status 3
//	stderr TEXT   write TEXT to stderr, then answer "logged"
//	env NAME      answer with the value of environment variable NAME
//	pid           answer with the process id
//	garbage       write an unparseable line, then answer "after garbage"
//	badkind       write a frame with an unknown kind for this request
func Echo(ctx context.Context, code string, w *pluginapi.ResponseWriter) error {
	cmd, arg, _ := strings.Cut(code, " ")
	switch cmd {
	case "stream":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		for i := range n {
			if err := w.Partial(strconv.Itoa(i) + "\n"); err != nil {
				return err
			}
		}
		return w.Value("done", nil)
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return err
		}
		select {
		case <-time.After(d):
			return w.Value("slept", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	case "hang":
		select {}
	case "crash":
		_ = w.Partial("about to crash\n")
		os.Exit(3)
	case "stderr":
		fmt.Fprintln(os.Stderr, arg)
		return w.Value("logged", nil)
	case "env":
		return w.Value(os.Getenv(arg), nil)
	case "pid":
		return w.Value(strconv.Itoa(os.Getpid()), nil)
	case "garbage":
		if _, err := os.Stdout.WriteString("this is not a frame\n"); err != nil {
			return err
		}
		return w.Value("after garbage", nil)
	case "badkind":
		_, err := fmt.Fprintf(os.Stdout, "{\"id\":%d,\"kind\":\"shout\",\"text\":\"x\"}\n", w.ID())
		return err
	}
	return w.Value(code, nil)
}
