package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/clock/system"
)

func newPruneCmd() *cobra.Command {
	var keepDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Removes harvest records older than the retention window",
		Long: `Deletes sessions started and processed-item fingerprints recorded before
the retention cutoff. The all-time counter is kept, but an item whose
fingerprint was pruned is no longer deduplicated and may be harvested again
if the source still serves it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if keepDays <= 0 {
				return fmt.Errorf("--keep-days must be > 0")
			}

			store, err := buildStore(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer closeStore(store, app.logger)

			cutoff := system.New().Now().AddDate(0, 0, -keepDays)
			if err := store.Prune(cmd.Context(), cutoff); err != nil {
				return fmt.Errorf("prune sessions: %w", err)
			}

			app.logger.Info("pruned old harvest records",
				zap.Int("keep_days", keepDays),
				zap.Time("cutoff", cutoff),
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&keepDays, "keep-days", 30, "retain sessions and processed records from the last N days")
	return cmd
}
