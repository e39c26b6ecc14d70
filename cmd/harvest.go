package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
)

func newHarvestCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Runs one harvesting session to completion",
		Long: `Starts a session against the configured source, archives new items
until the source is exhausted or the target count is reached, and prints a
JSON summary. SIGINT/SIGTERM interrupt gracefully: the in-flight item
finishes and the session is recorded as interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer rt.close(app.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target := app.cfg.Harvest.TargetCount
			if cmd.Flags().Changed("count") {
				target = count
			}

			summary, err := rt.orch.Run(ctx, target)
			if err != nil {
				return fmt.Errorf("run harvest: %w", err)
			}

			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if summary.Status == harvester.StatusFailed {
				app.logger.Error("harvest failed", zap.String("session_id", summary.SessionID))
				return fmt.Errorf("session %s failed", summary.SessionID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "stop after archiving this many new items (0 = unbounded)")
	return cmd
}
