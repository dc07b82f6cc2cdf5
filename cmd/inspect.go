package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brensch/chansweep/internal/inspector"
)

// inspectCmd summarises the dedup table
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarise the dedup table using DuckDB",
	Long: `Reads the dedup table CSV with DuckDB and reports its row count, distinct keys,
duplicate keys (always zero for a table written by chansweep) and rows per channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		report, err := inspector.InspectTable(context.Background(), getDB(), cfg.TableLocation, logger)
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		report.Print(os.Stdout)
		if report.DuplicateKeys > 0 {
			return fmt.Errorf("table %s has %d duplicate keys", cfg.TableLocation, report.DuplicateKeys)
		}
		return nil
	},
}
