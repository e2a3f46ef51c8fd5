// Command evalvana-calc is the bundled evaluation plugin. It evaluates Go
// constant expressions and speaks the evalvana plugin protocol on stdin and
// stdout; diagnostics go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Paranoid-AF/evalvana/internal/goeval"
	"github.com/Paranoid-AF/evalvana/pluginapi"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log protocol details to stderr")
	flag.Parse()

	if *showVersion {
		fmt.Println("evalvana-calc", Version)
		os.Exit(0)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := pluginapi.Serve(ctx, os.Stdin, os.Stdout, pluginapi.EvaluatorFunc(goeval.Eval),
		pluginapi.WithLogger(logger))
	if err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
