package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/chansweep/internal/db"
)

var (
	stateLimit   int
	stateEvent   string
	stateChannel string
	stateRun     string
)

// stateCmd displays the event log
var stateCmd = &cobra.Command{
	Use:   "state [filetype]",
	Short: "View the ingest event log",
	Long: `Queries the DuckDB event log and displays recent events, newest first.
Specify 'message', 'archive', 'text' or 'table' as an optional argument to filter by file type.
Use flags to filter by event, channel or run and to limit the output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		filter := db.HistoryFilter{Event: stateEvent, Channel: stateChannel, RunID: stateRun}
		if len(args) > 0 {
			switch ft := strings.ToLower(strings.TrimSuffix(args[0], "s")); ft {
			case db.FileTypeMessage, db.FileTypeArchive, db.FileTypeText, db.FileTypeTable:
				filter.FileType = ft
			default:
				return fmt.Errorf("invalid filetype filter: %s (use message, archive, text or table)", args[0])
			}
		}

		logger.Debug("Querying database event log.", "filter", filter, "limit", stateLimit)
		if _, err := db.DisplayEventHistory(context.Background(), getDB(), os.Stdout, filter, stateLimit); err != nil {
			logger.Error("Failed to display state history.", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateEvent, "event", "e", "", "Filter by event (e.g. download_end, rejected, table_write_failure)")
	stateCmd.Flags().StringVarP(&stateChannel, "channel", "c", "", "Filter by channel title")
	stateCmd.Flags().StringVar(&stateRun, "run", "", "Filter by run id")
}
