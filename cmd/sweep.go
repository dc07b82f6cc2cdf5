package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brensch/chansweep/internal/config"
	"github.com/brensch/chansweep/internal/lockfile"
	"github.com/brensch/chansweep/internal/metrics"
	"github.com/brensch/chansweep/internal/orchestrator"
	"github.com/brensch/chansweep/internal/source"
	"github.com/brensch/chansweep/internal/source/httpdir"
	"github.com/brensch/chansweep/internal/source/spool"
	"github.com/brensch/chansweep/internal/source/telegram"
	"github.com/brensch/chansweep/internal/util"
)

// newProvider builds the channel provider selected by cfg.Source.Kind.
func newProvider(cfg config.Config, logger *slog.Logger) (source.Provider, error) {
	switch cfg.Source.Kind {
	case config.SourceSpool:
		return spool.New(cfg.Source.SpoolDir, logger), nil
	case config.SourceHTTPDir:
		return httpdir.New(cfg.Source.FeedURLs, cfg.AttachmentExtensions, util.DefaultHTTPClient(), cfg.Source.RequestsPerSecond, logger), nil
	case config.SourceTelegram:
		return telegram.New(cfg.Source.TelegramToken, util.DefaultHTTPClient(), logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// prepareSweep validates the configuration, takes the storage root lock and builds the
// orchestrator. The returned release func must be called when sweeping is done.
func prepareSweep(cfg config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	release := func() {}
	if cfg.Lock {
		lock, err := lockfile.Acquire(cfg.StorageRoot, logger)
		if err != nil {
			return nil, nil, err
		}
		release = func() {
			if err := lock.Release(); err != nil {
				logger.Warn("Failed to release storage root lock.", "error", err)
			}
		}
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	o, err := orchestrator.New(cfg, provider, logger,
		orchestrator.WithEventLog(getDB()),
		orchestrator.WithMetrics(metrics.New()),
	)
	if err != nil {
		release()
		return nil, nil, err
	}
	return o, release, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
