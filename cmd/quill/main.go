// Quill is a streaming tool-calling chat agent.
//
// It drives a reason/act loop against the Groq API, dispatches tool calls
// (web search, calculator, stock quotes, weather), and serves the
// conversation over HTTP with live token streaming. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	quill serve      Start the API server
//	quill version    Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quill/internal/agent"
	"quill/internal/api"
	"quill/internal/buildinfo"
	"quill/internal/capability"
	"quill/internal/checkpoint"
	"quill/internal/config"
	"quill/internal/convlog"
	"quill/internal/llm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownGrace bounds how long in-flight streams get to finish on SIGTERM.
const shutdownGrace = 10 * time.Second

// main constructs the OS-level environment and delegates to run, keeping
// os.Exit and os.Args out of the application logic so the lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals, which makes it impossible to call run() concurrently from
	// tests, and the argument surface here is tiny.
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := buildinfo.Info()[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Quill - streaming tool-calling chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: quill [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Start the API server (default)")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Quill", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Groq.Model)

	if cfg.Groq.APIKey == "" {
		return errors.New("groq.api_key is not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// One database, WAL mode, shared by the checkpoint store and the
	// conversation log.
	dbPath := cfg.DBPath()
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	checkpoints, err := checkpoint.NewStore(db)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	log, err := convlog.NewStore(db)
	if err != nil {
		return fmt.Errorf("conversation log: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	client := llm.NewGroqClient(cfg.Groq.APIKey, cfg.Groq.BaseURL, logger)

	registry, err := capability.NewBuiltinRegistry(capability.BuiltinOptions{}, logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	logger.Info("capabilities registered", "names", registry.Names())

	loop := agent.NewLoop(client, registry, checkpoints, log, agent.Config{
		Model:        cfg.Groq.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxRounds:    cfg.Agent.MaxRounds,
		WindowTurns:  cfg.Agent.WindowTurns,
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, client, log, logger)

	// Serve until the context is cancelled or a signal arrives.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
