// Package main is the entry point for step-provision.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manchtools/step-provision/internal/executor"
	"github.com/manchtools/step-provision/internal/metrics"
	"github.com/manchtools/step-provision/internal/provisioner"
)

// version is set at build time via -ldflags.
var version = "dev"

// app carries the resolved configuration and the shared collaborators of
// one invocation.
type app struct {
	cfg Config

	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	logger  *slog.Logger
	metrics *metrics.Recorder

	// runner overrides the real executor in tests.
	runner       executor.Runner
	readPassword func(prompt string, confirm bool) (string, error)
}

func newApp(stdout, stderr io.Writer, getenv func(string) string) *app {
	return &app{
		stdout:       stdout,
		stderr:       stderr,
		getenv:       getenv,
		logger:       slog.New(slog.NewTextHandler(stderr, nil)),
		metrics:      metrics.New(),
		readPassword: terminalPassword,
	}
}

func main() {
	a := newApp(os.Stdout, os.Stderr, os.Getenv)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, a, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", provisioner.Describe(err))
		if executor.Retryable(err) {
			fmt.Fprintln(os.Stderr, "The failure may be transient; running the command again may succeed.")
		}
		os.Exit(1)
	}
}

// run executes the command line args against a.
func run(ctx context.Context, a *app, args []string) error {
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	return root.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "step-provision",
		Short: "Idempotent provisioning for step-ca",
		Long: `step-provision drives the step CLI to bring a step-ca certificate
authority to a desired state: initialize it, patch its configuration and
add or remove provisioners. Every change is journaled locally.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			a.logger = setupLogger(a.stderr, a.cfg.LogLevel, a.cfg.LogFormat)
			return nil
		},
	}

	bindFlags(root.PersistentFlags(), &a.cfg)

	root.AddCommand(
		newProvisionerCommand(a),
		newInitCommand(a),
		newConfigCommand(a),
		newHistoryCommand(a),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "step-provision %s\n", version)
			return err
		},
	}
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var slogHandler slog.Handler
	if format == "json" {
		slogHandler = slog.NewJSONHandler(w, opts)
	} else {
		slogHandler = slog.NewTextHandler(w, opts)
	}

	return slog.New(slogHandler)
}

// executor returns the runner every command goes through.
func (a *app) executor() executor.Runner {
	if a.runner != nil {
		return a.runner
	}
	return executor.New(executor.WithLogger(a.logger), executor.WithObserver(a.metrics))
}

// writeMetrics refreshes the textfile collector output when configured.
func (a *app) writeMetrics() {
	if a.cfg.MetricsTextfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.MetricsTextfile, "error", err)
	}
}
