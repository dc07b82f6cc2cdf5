package cmd

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var watchInterval time.Duration

// watchCmd repeats the sweep until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sweep repeatedly, sleeping between sweeps",
	Long: `Runs a sweep, sleeps for --interval, and repeats until SIGINT or SIGTERM.
Sweep errors, including table write failures, are logged and the next sweep still runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		if cmd.Flags().Changed("interval") {
			cfg.Interval = watchInterval
		}
		if cfg.Interval <= 0 {
			return errors.New("interval must be positive")
		}

		ctx, stop := signalContext()
		defer stop()

		o, release, err := prepareSweep(cfg, logger)
		if err != nil {
			return err
		}
		defer release()

		logger.Info("Watching channels.", slog.Duration("interval", cfg.Interval))
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping watch.")
				return nil
			case <-timer.C:
			}
			if _, err := o.RunSweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Sweep completed with errors.", "error", err)
			}
			timer.Reset(cfg.Interval)
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Minute, "Pause between sweeps")
}
