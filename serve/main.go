// Command evalvanad is the evalvana daemon.
// It listens on a Unix domain socket for evaluation requests from UI clients
// and runs them on a pool of language plugin processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/coordinator"
	"github.com/Paranoid-AF/evalvana/metrics"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/router"
	"github.com/Paranoid-AF/evalvana/transcript"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	configPath := flag.String("config", evalvana.ConfigPath(), "configuration file")
	httpAddr := flag.String("http", "", "serve /metrics, /live and /ready on this address")
	maxConns := flag.Int("max-conns", 64, "maximum concurrent client connections")
	flag.Parse()

	if *showVersion {
		fmt.Println("evalvanad", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *httpAddr, *maxConns); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string, maxConns int) error {
	cfg, err := evalvana.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range evalvana.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	opts := process.OptionsFromConfig(cfg)
	opts.Logger = slog.Default()
	opts.Metrics = m
	procs := process.NewManager(reg, opts)

	recall := transcript.NewIndex()
	cachePath := evalvana.RecallCachePath()
	if err := recall.LoadCache(cachePath); err != nil {
		slog.Warn("failed to load recall cache", "path", cachePath, "error", err)
	}

	coord := coordinator.New(
		router.New(procs, router.WithMetrics(m)),
		coordinator.WithRecall(recall),
	)

	socketPath := resolveSocketPath()
	slog.Info("starting", "socket", socketPath, "plugins", reg.IDs())

	srv, err := NewServer(socketPath, coord, procs, maxConns)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	var hs *http.Server
	if httpAddr != "" {
		hs = &http.Server{
			Addr:              httpAddr,
			Handler:           newHTTPHandler(promReg, procs),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		slog.Info("serving metrics", "addr", httpAddr)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		srv.Close()
	}()

	slog.Info("ready")
	serveErr := srv.Serve()
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord.CloseAll()
	if hs != nil {
		_ = hs.Shutdown(shutdownCtx)
	}
	if err := procs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("plugin shutdown", "error", err)
	}
	if err := recall.SaveCache(cachePath); err != nil {
		slog.Warn("failed to save recall cache", "path", cachePath, "error", err)
	}
	return serveErr
}

func resolveSocketPath() string {
	if path := os.Getenv("EVALVANA_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/evalvana.sock"
	}
	return fmt.Sprintf("/tmp/evalvana-%d.sock", os.Getuid())
}
