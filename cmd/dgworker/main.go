package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/dgworker/internal/api"
	"github.com/mattjoyce/dgworker/internal/config"
	"github.com/mattjoyce/dgworker/internal/delegate"
	"github.com/mattjoyce/dgworker/internal/events"
	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/handlers"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/lock"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/metrics"
	"github.com/mattjoyce/dgworker/internal/plugin"
	"github.com/mattjoyce/dgworker/internal/router"
	"github.com/mattjoyce/dgworker/internal/server"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "ping":
		return runPing(args)
	case "exec":
		return runExec(args)
	case "shutdown":
		return runShutdown(args)
	case "handlers":
		return runHandlers(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dgworker version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("dgworker %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`dgworker - out-of-process handler worker

Usage:
  dgworker <command> [flags]

Worker:
  start             Run the worker in the foreground

Client (talk to a running worker):
  ping              Check that a worker answers
  exec <handler>    Dispatch one request to a handler
  shutdown          Ask a worker to stop
  watch             Live view of handler activity via the RPC delegate

Handlers and config:
  handlers          List the handlers this worker would serve
  config check      Validate configuration and show effective settings
  config lock       Write BLAKE3 checksums for the configuration

General:
  version           Show version information
  help              Show this help message

Use 'dgworker <command> --help' for command flags.
`)
}

// startFlags are shared by start, handlers and config check.
type startFlags struct {
	configPath string
	port       int
	workerID   string
}

func (f *startFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", os.Getenv("DGWORKER_CONFIG"), "Path to configuration file or directory")
	fs.IntVar(&f.port, "port", -1, "Override worker.port")
	fs.StringVar(&f.workerID, "worker-id", "", "Override worker.id")
}

// load reads the config and applies flag overrides.
func (f *startFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.port >= 0 {
		cfg.Worker.Port = f.port
	}
	if f.workerID != "" {
		cfg.Worker.ID = f.workerID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var sf startFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithFile(cfg.Worker.LogLevel, cfg.Worker.LogFormat, cfg.Worker.LogFile)
	logger := log.WithComponent("main").With("worker_id", cfg.Worker.ID)
	logger.Info("dgworker starting", "version", version, "config", cfg.Path, "pid", os.Getpid())

	if cfg.Worker.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Worker.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock", "path", cfg.Worker.PIDFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	props, err := config.LoadProperties(cfg, logger)
	if err != nil {
		logger.Error("failed to load application properties", "error", err)
		return 1
	}
	fingerprint, err := config.Fingerprint(props)
	if err != nil {
		logger.Error("failed to fingerprint application properties", "error", err)
		return 1
	}
	logger.Info("application properties loaded", "count", len(props), "blake3", fingerprint)

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to register handlers", "error", err)
		return 1
	}

	scope, _ := lifecycle.ParseScope(cfg.Worker.Scope)
	appProps := handler.NewProperties(props)
	hub := events.NewHub(256)
	collector := metrics.New(cfg.Worker.ID)
	observer := lifecycle.Observers(hub, collector)

	ctrl := lifecycle.New(reg,
		lifecycle.WithScope(scope),
		lifecycle.WithProperties(appProps),
		lifecycle.WithObserver(observer),
	)
	srv := server.New(server.Config{
		Host:        cfg.Worker.Host,
		Port:        cfg.Worker.Port,
		ReadTimeout: cfg.Worker.ReadTimeout,
	}, router.New(ctrl, cfg.Worker.ID), log.WithComponent("server"))

	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind worker socket", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	apiDone := make(chan struct{})

	if cfg.RPC.Enabled {
		d := delegate.New(reg, cfg.Worker.ID,
			lifecycle.WithProperties(appProps),
			lifecycle.WithObserver(observer),
		)
		apiServer := api.New(api.Config{Listen: cfg.RPC.Listen, Metrics: collector}, d, reg, hub, log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("rpc: %w", err)
			}
		}()
		logger.Info("RPC delegate enabled", "listen", cfg.RPC.Listen)
	} else {
		close(apiDone)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
		// Host processes wait for this line on stdout.
		fmt.Printf("READY %s\n", srv.Addr())
	case err := <-serveErr:
		logger.Error("worker failed to start", "error", err)
		return 1
	}

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped with error", "error", err)
			code = 1
		}
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		<-serveErr
		code = 1
	}
	<-apiDone

	stats := ctrl.Stats()
	logger.Info("dgworker stopped", "requests_handled", stats.RequestsHandled, "errors", stats.Errors)
	return code
}

// buildRegistry registers the built-in handlers and every discovered plugin
// class.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	if err := handlers.Register(reg, cfg.Worker.ID); err != nil {
		return nil, err
	}

	if len(cfg.Plugins.Roots) == 0 {
		return reg, nil
	}

	plugins, err := plugin.Discover(cfg.Plugins.Roots, log.WithComponent("plugin"))
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: %w", err)
	}
	n, err := plugin.Register(reg, plugins, cfg.Plugins.Timeout, log.WithComponent("plugin"))
	if err != nil {
		return nil, err
	}
	logger.Info("plugin discovery complete", "plugins", plugins.Len(), "rejected", len(plugins.Rejected), "handlers", n)
	return reg, nil
}
