package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints aggregate harvesting statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			store, err := buildStore(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer closeStore(store, app.logger)

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("load stats: %w", err)
			}

			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}

func closeStore(store harvester.SessionStore, logger *zap.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn("close session store", zap.Error(err))
	}
}
