// Package main provides the semforge binary entry point.
// Semforge drives multi-role product workflows: it dispatches stage work to
// workers over NATS, validates their completion reports and holds the
// workflow at human and review gates.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semforge/config"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/validation"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semforge"
)

// errValidationFailed makes the process exit non-zero after a report was
// already printed.
var errValidationFailed = errors.New("validation failed")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errValidationFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-role product workflow orchestrator",
		Long: `Semforge drives a product through requirements, architecture,
parallel implementation, QA and deployment. Each stage is owned by a
worker role; workers receive invocations over NATS and answer with
completion reports that are validated before the workflow advances.

Running without a subcommand is the same as "semforge serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		validateCmd(),
		schemasCmd(),
		handoffCmd(),
		versionCmd(),
	)
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, report inbox and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func validateCmd() *cobra.Command {
	var (
		all       bool
		checkDeps bool
		root      string
	)
	cmd := &cobra.Command{
		Use:   "validate <artifact> [schema]",
		Short: "Validate artifacts against the contract schemas",
		Long: `Validate a single artifact, inferring the schema from its file name
unless one is given, or every JSON document under the artifact root.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			checker, err := newArtifactChecker(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			switch {
			case checkDeps:
				checker.checkDeps(root)
				return nil
			case all:
				ok, err := checker.checkAll(root)
				if err != nil {
					return err
				}
				if !ok {
					return errValidationFailed
				}
				return nil
			case len(args) == 0:
				return cmd.Usage()
			}
			schema := ""
			if len(args) == 2 {
				schema = strings.TrimSuffix(strings.TrimSuffix(args[1], ".json"), "-schema")
			}
			if !checker.checkFile(args[0], schema) {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Validate every JSON document under --root")
	cmd.Flags().BoolVar(&checkDeps, "check-deps", false, "Show the compiled schemas and artifact root")
	cmd.Flags().StringVar(&root, "root", ".semforge/artifacts", "Artifact root directory")
	return cmd
}

func schemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas [dir]",
		Short: "List the contract schemas, or write them to dir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checker, err := newArtifactChecker(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return checker.writeSchemas(args[0])
			}
			for _, name := range checker.v.SchemaNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func handoffCmd() *cobra.Command {
	var statePath string
	cmd := &cobra.Command{
		Use:   "handoff --state <file>",
		Short: "Render the handoff document of a workflow state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := os.ReadFile(statePath)
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}
			v, err := validation.NewValidator()
			if err != nil {
				return err
			}
			s, err := v.DecodeState(doc)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), workflow.Handoff(s, workflow.DefaultGraph(), time.Now()))
			return err
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "Path to a workflow-state.json document")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

func runServe(ctx context.Context, flags *globalFlags) error {
	logger := newLogger(flags.logLevel, os.Stderr)
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	if err := loader.EnsureUserConfig(); err != nil {
		logger.Warn("Failed to create user config", "error", err)
	}
	cfg, err := loader.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	logger.Info("Semforge ready",
		"version", Version,
		"http", app.Addr(),
		"storage", cfg.Storage.Backend,
		"embedded_nats", cfg.NATS.Embedded)

	<-ctx.Done()
	logger.Info("Shutting down")
	app.Shutdown(10 * time.Second)
	return nil
}
