// Package orchestrator drives one sweep over every channel: admission, download,
// archive expansion, line extraction and the deduplicated table append.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/brensch/chansweep/internal/archive"
	"github.com/brensch/chansweep/internal/config"
	"github.com/brensch/chansweep/internal/db"
	"github.com/brensch/chansweep/internal/dedup"
	"github.com/brensch/chansweep/internal/extractor"
	"github.com/brensch/chansweep/internal/metrics"
	"github.com/brensch/chansweep/internal/source"
	"github.com/brensch/chansweep/internal/util"
)

var (
	// ErrDownload marks a failed attachment download. The message is skipped.
	ErrDownload = errors.New("download failure")
	// ErrChannel marks a channel that could not be processed. The sweep moves to the next channel.
	ErrChannel = errors.New("channel failure")
)

// ChannelContext is the per-channel state created when a channel is started.
type ChannelContext struct {
	// DisplayName is written to the table's "Channel Name" column.
	DisplayName string
	// Dir holds the channel's downloads and archive expansions.
	Dir string
}

// Orchestrator runs sweeps against one provider and one table.
type Orchestrator struct {
	cfg       config.Config
	loc       *time.Location
	provider  source.Provider
	table     *dedup.Table
	expander  *archive.Expander
	extractor *extractor.Extractor
	dbConn    *sql.DB
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithEventLog records every decision in the DuckDB event log.
func WithEventLog(conn *sql.DB) Option {
	return func(o *Orchestrator) { o.dbConn = conn }
}

// WithMetrics updates m during sweeps.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now for admission decisions.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator from cfg. cfg must already be resolved and valid.
func New(cfg config.Config, provider source.Provider, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg,
		loc:       loc,
		provider:  provider,
		table:     dedup.NewTable(cfg.TableLocation),
		expander:  archive.NewExpander(archive.Limits{MaxFileSize: cfg.Extraction.MaxFileSize, MaxTotal: cfg.Extraction.MaxTotal}, logger),
		extractor: extractor.New(cfg.Markers, cfg.CaseSensitive),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o, nil
}

// Summary counts what one sweep did.
type Summary struct {
	RunID              string
	Channels           int
	ChannelFailures    int
	Messages           int
	Accepted           int
	Rejected           int
	InvalidTimestamps  int
	Downloaded         int
	DownloadFailures   int
	ArchiveFailures    int
	FilesScanned       int
	DecodeErrors       int
	RowsAppended       int
	Duplicates         int
	TableWriteFailures int
	Duration           time.Duration
}

// sweep carries the state of one RunSweep call.
type sweep struct {
	*Orchestrator
	runID    string
	logger   *slog.Logger
	summary  Summary
	tableErr error
}

// RunSweep processes every channel once, sequentially and in provider order.
// Download, archive, decode and channel failures are logged and contained. Only
// table write failures (and cancellation) are returned.
func (o *Orchestrator) RunSweep(ctx context.Context) (Summary, error) {
	s := &sweep{Orchestrator: o, runID: uuid.NewString()}
	s.logger = o.logger.With(slog.String("run_id", s.runID))
	s.summary.RunID = s.runID
	start := time.Now()
	o.metrics.Sweeps.Inc()

	s.logger.Info("Starting sweep.", slog.String("storage_root", o.cfg.StorageRoot), slog.String("table", o.cfg.TableLocation))
	s.event(ctx, db.Event{Filename: o.cfg.TableLocation, FileType: db.FileTypeTable, Event: db.EventSweepStart})

	channels, err := o.provider.Channels(ctx)
	if err != nil {
		if len(channels) == 0 {
			s.logger.Error("Failed to enumerate channels.", "error", err)
			return s.finish(start), fmt.Errorf("enumerate channels: %w", err)
		}
		s.logger.Warn("Some channels could not be enumerated.", "error", err)
	}
	s.logger.Info("Channels enumerated.", slog.Int("channels", len(channels)))

	var ctxErr error
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Sweep cancelled.", "error", err)
			ctxErr = err
			break
		}
		s.summary.Channels++
		if err := s.processChannel(ctx, ch); err != nil {
			if ctx.Err() != nil {
				ctxErr = ctx.Err()
				break
			}
			s.summary.ChannelFailures++
			o.metrics.ChannelFailures.Inc()
			s.logger.Error("Channel failed, moving to next channel.", slog.String("channel", channelTitle(ch)), "error", err)
			s.event(ctx, db.Event{Channel: channelTitle(ch), Filename: ch.ID, FileType: db.FileTypeMessage, Event: db.EventError, Message: err.Error()})
		}
	}

	summary := s.finish(start)
	return summary, errors.Join(s.tableErr, ctxErr)
}

func (s *sweep) finish(start time.Time) Summary {
	s.summary.Duration = time.Since(start)
	s.metrics.SweepDuration.Observe(s.summary.Duration.Seconds())
	d := s.summary.Duration
	s.event(context.Background(), db.Event{
		Filename: s.cfg.TableLocation,
		FileType: db.FileTypeTable,
		Event:    db.EventSweepEnd,
		Message:  fmt.Sprintf("appended %d rows, %d duplicates", s.summary.RowsAppended, s.summary.Duplicates),
		Duration: &d,
	})
	if s.cfg.MetricsPath != "" {
		if err := s.metrics.WriteTextfile(s.cfg.MetricsPath); err != nil {
			s.logger.Warn("Failed to write metrics textfile.", "error", err)
		}
	}
	s.logger.Info("Sweep finished.",
		slog.Int("channels", s.summary.Channels),
		slog.Int("messages", s.summary.Messages),
		slog.Int("accepted", s.summary.Accepted),
		slog.Int("downloaded", s.summary.Downloaded),
		slog.Int("rows_appended", s.summary.RowsAppended),
		slog.Int("duplicates", s.summary.Duplicates),
		slog.Int("table_write_failures", s.summary.TableWriteFailures),
		slog.Duration("duration", d.Round(time.Millisecond)),
	)
	return s.summary
}

func (s *sweep) processChannel(ctx context.Context, ch source.Channel) error {
	cc := ChannelContext{DisplayName: channelTitle(ch)}
	cc.Dir = filepath.Join(s.cfg.StorageRoot, util.SanitizeName(cc.DisplayName))
	l := s.logger.With(slog.String("channel", cc.DisplayName))

	if err := os.MkdirAll(cc.Dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir %s: %w: %w", cc.Dir, ErrChannel, err)
	}
	msgs, err := s.provider.Messages(ctx, ch)
	if err != nil {
		return fmt.Errorf("list messages: %w: %w", ErrChannel, err)
	}
	l.Info("Processing channel.", slog.Int("messages", len(msgs)), slog.String("dir", cc.Dir))

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.summary.Messages++
		s.processMessage(ctx, l, ch, cc, msg)
	}
	return nil
}

func channelTitle(ch source.Channel) string {
	if ch.Title != "" {
		return ch.Title
	}
	return ch.ID
}

// event writes to the event log when one is configured. Failures are only logged.
func (s *sweep) event(ctx context.Context, ev db.Event) {
	if s.dbConn == nil {
		return
	}
	ev.RunID = s.runID
	if err := db.LogEvent(context.WithoutCancel(ctx), s.dbConn, ev); err != nil {
		s.logger.Warn("Failed to record event.", slog.String("event", ev.Event), "error", err)
	}
}
