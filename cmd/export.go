package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/chansweep/internal/saver"
)

var exportOutput string

// exportCmd converts the dedup table to Parquet
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the dedup table to a Parquet file",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		out := exportOutput
		if out == "" {
			out = strings.TrimSuffix(cfg.TableLocation, ".csv") + ".parquet"
		}
		logger.Info("Starting table export.", slog.String("table", cfg.TableLocation), slog.String("output_path", out))

		ctx, stop := signalContext()
		defer stop()
		if _, err := saver.ExportTable(ctx, cfg.TableLocation, out, logger); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Parquet file to write (default: table path with .parquet)")
}
