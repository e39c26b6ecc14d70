// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/config"
	"github.com/harvestkit/harvester/internal/logging"
	"github.com/harvestkit/harvester/internal/metrics"
)

var cfgFile string

// appKey locates the appContext in the command context.
type appKeyType struct{}

var appKey appKeyType

// appContext carries the loaded configuration and logger to subcommands.
type appContext struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command. Configuration and the
// logger are built once in PersistentPreRunE and handed to subcommands via
// the command context, so each subcommand only wires what it actually needs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A resumable, rate-limited content harvesting orchestrator.",
		Long: `harvester pulls items from a configured source, deduplicates them
against durable session state, and archives new content to a configured
sink. Runs are resumable: interrupting a session never loses the record
of what was already harvested.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			metrics.Init()

			ctx := context.WithValue(cmd.Context(), appKey, &appContext{
				cfg:    cfg,
				logger: logger,
			})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*appContext); ok && app != nil {
				_ = app.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus HARVESTER_* env)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newPruneCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*appContext, error) {
	app, ok := ctx.Value(appKey).(*appContext)
	if !ok || app == nil {
		return nil, errors.New("application context not initialized")
	}
	return app, nil
}

// Execute runs the root command with the given base context.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
