package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/chansweep/internal/db"
)

// runCmd performs a single sweep
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sweep over every channel",
	Long: `Performs one sweep:
1. Enumerates channels from the configured source.
2. Admits messages authored within the acceptance window and downloads their attachments.
3. Expands zip and rar archives that pass their integrity self-test.
4. Extracts marker lines from text files and appends new keys to the table.
The command fails only if the table could not be written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		ctx, stop := signalContext()
		defer stop()

		o, release, err := prepareSweep(cfg, logger)
		if err != nil {
			return err
		}
		defer release()

		summary, err := o.RunSweep(ctx)
		if counts, summaryErr := db.RunSummary(ctx, getDB(), summary.RunID); summaryErr == nil {
			logger.Debug("Run events recorded.", slog.String("run_id", summary.RunID), slog.Any("events", counts))
		}
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		return nil
	},
}
