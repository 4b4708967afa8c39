// Package main provides the stepflow binary: a standalone runtime for the
// step-tree automation engine with its scheduler, tracking endpoints and
// inbound feedback subscriber.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "stepflow"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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
		Short: "Step-tree marketing automation engine",
		Long: `stepflow discovers records matching a campaign's filter and drives
each of them through a tree of mail, activity and action steps.

Commands:
- serve: run workers, periodic sweeps, tracking endpoints and the inbound subscriber
- run-once: discover records for one configuration
- tick: run one discovery tick, due sweep and expiry sweep`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")

	cmd.AddCommand(serveCmd(flags), runOnceCmd(flags), tickCmd(flags), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Serve(ctx)
		},
	}
}

func runOnceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once <configuration-id>",
		Short: "Discover newly matching records of one configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer app.Close()

			trackers, err := app.engine.RunOnce(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d trackers\n", len(trackers))
			return nil
		},
	}
}

func tickCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one discovery tick, due sweep and expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ran, expired, err := app.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ran %d instances, expired %d\n", ran, expired)
			return nil
		},
	}
}

// setup loads the configuration, installs the default logger and builds the
// application.
func setup(ctx context.Context, flags *globalFlags) (*App, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return NewApp(ctx, cfg, logger)
}
