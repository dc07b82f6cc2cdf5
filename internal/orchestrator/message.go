package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/brensch/chansweep/internal/admission"
	"github.com/brensch/chansweep/internal/archive"
	"github.com/brensch/chansweep/internal/config"
	"github.com/brensch/chansweep/internal/db"
	"github.com/brensch/chansweep/internal/dedup"
	"github.com/brensch/chansweep/internal/extractor"
	"github.com/brensch/chansweep/internal/source"
	"github.com/brensch/chansweep/internal/util"
)

const partSuffix = ".part"

// processMessage walks one message through admission, download, expansion, scan and
// commit. Every failure is logged and ends the message; none propagate.
func (s *sweep) processMessage(ctx context.Context, logger *slog.Logger, ch source.Channel, cc ChannelContext, msg source.Message) {
	l := logger.With(slog.String("message_id", msg.ID))
	base := db.Event{Channel: cc.DisplayName, MessageID: msg.ID, FileType: db.FileTypeMessage}

	if msg.File == nil {
		l.Debug("Skipping message without attachment.")
		return
	}
	base.Filename = msg.File.Name
	if base.Filename == "" {
		base.Filename = msg.ID + util.DefaultExtension
	}

	if ext := attachmentExt(msg); !slices.Contains(s.cfg.AttachmentExtensions, ext) {
		l.Debug("Skipping attachment with unsupported extension.", slog.String("file", base.Filename))
		s.metrics.Messages.WithLabelValues("skipped_extension").Inc()
		s.event(ctx, withEvent(base, db.EventSkipExtension, ""))
		return
	}

	decision := admission.Accept(msg.AuthoredAt, s.now(), s.cfg.AcceptanceWindow, s.loc)
	s.metrics.Messages.WithLabelValues(decision.String()).Inc()
	if !decision.Accepted() {
		if decision == admission.DecisionInvalid {
			s.summary.InvalidTimestamps++
			l.Warn("Skipping message with missing timestamp.", slog.String("file", base.Filename))
			s.event(ctx, withEvent(base, db.EventTimestampInvalid, ""))
			return
		}
		s.summary.Rejected++
		l.Debug("Skipping message outside acceptance window.", slog.Time("authored_at", msg.AuthoredAt))
		s.event(ctx, withEvent(base, db.EventRejected, msg.AuthoredAt.In(s.loc).Format(time.RFC3339)))
		return
	}
	s.summary.Accepted++
	s.event(ctx, withEvent(base, db.EventAdmitted, ""))

	destName := util.DestinationName(msg.AuthoredAt, s.loc, msg.File.Name, msg.ID)
	destPath := filepath.Join(cc.Dir, destName)
	l = l.With(slog.String("file", destPath))

	if _, err := os.Stat(destPath); err == nil {
		l.Debug("Attachment already downloaded, skipping download.")
		s.metrics.Downloads.WithLabelValues("existing").Inc()
		s.event(ctx, db.Event{Channel: cc.DisplayName, MessageID: msg.ID, Filename: base.Filename, FileType: db.FileTypeMessage, Event: db.EventSkipDownload, OutputPath: destPath})
	} else {
		if err := s.download(ctx, l, ch, msg, base, destPath); err != nil {
			s.summary.DownloadFailures++
			s.metrics.Downloads.WithLabelValues("failed").Inc()
			l.Error("Download failed, skipping message.", "error", err)
			s.event(ctx, withEvent(base, db.EventError, err.Error()))
			return
		}
		s.summary.Downloaded++
		s.metrics.Downloads.WithLabelValues("ok").Inc()
	}

	newTargets := []string{destPath}
	if archive.IsArchive(destPath) {
		expandDir := strings.TrimSuffix(destPath, filepath.Ext(destPath))
		if !s.expand(ctx, l, cc, msg, destPath, expandDir) {
			return
		}
		newTargets = []string{expandDir}
	}

	roots := []string{cc.Dir}
	if s.cfg.RescanMode == config.RescanNew {
		roots = newTargets
	}
	records := s.scan(ctx, l, cc, msg, roots)
	if ctx.Err() != nil {
		return
	}
	s.commit(ctx, l, cc, msg, records)
}

func withEvent(base db.Event, event, message string) db.Event {
	base.Event = event
	base.Message = message
	return base
}

// attachmentExt is the lower-cased extension the destination file will carry.
func attachmentExt(msg source.Message) string {
	name := msg.File.Name
	if name == "" {
		return util.DefaultExtension
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return util.DefaultExtension
	}
	return ext
}

// download fetches the attachment to "<dest>.part" and renames it into place, so an
// interrupted download never leaves a file that looks complete.
func (s *sweep) download(ctx context.Context, l *slog.Logger, ch source.Channel, msg source.Message, base db.Event, destPath string) error {
	part := destPath + partSuffix
	os.Remove(part)

	start := time.Now()
	s.event(ctx, withEvent(base, db.EventDownloadStart, ""))
	if err := s.provider.Download(ctx, ch, msg, part); err != nil {
		os.Remove(part)
		return fmt.Errorf("download message %s: %w: %w", msg.ID, ErrDownload, err)
	}
	if err := os.Rename(part, destPath); err != nil {
		os.Remove(part)
		return fmt.Errorf("move %s into place: %w: %w", part, ErrDownload, err)
	}
	elapsed := time.Since(start)

	hash, err := hashFile(destPath)
	if err != nil {
		l.Warn("Failed to hash downloaded file.", "error", err)
	}
	l.Info("Downloaded attachment.", slog.String("blake3", hash), slog.Duration("duration", elapsed.Round(time.Millisecond)))
	ev := withEvent(base, db.EventDownloadEnd, "")
	ev.OutputPath = destPath
	ev.ContentHash = hash
	ev.Duration = &elapsed
	s.event(ctx, ev)
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// expand unpacks an archive into expandDir unless that directory already exists.
// It reports whether scanning should continue.
func (s *sweep) expand(ctx context.Context, l *slog.Logger, cc ChannelContext, msg source.Message, archivePath, expandDir string) bool {
	ev := db.Event{Channel: cc.DisplayName, MessageID: msg.ID, Filename: archivePath, FileType: db.FileTypeArchive, OutputPath: expandDir}
	if info, err := os.Stat(expandDir); err == nil && info.IsDir() {
		l.Debug("Archive already expanded.", slog.String("dest_dir", expandDir))
		return true
	}

	start := time.Now()
	res, err := s.expander.Expand(ctx, archivePath, expandDir)
	elapsed := time.Since(start)
	ev.Duration = &elapsed
	s.metrics.Archives.WithLabelValues(res.Reason.String()).Inc()
	if !res.OK {
		s.summary.ArchiveFailures++
		// Nothing from a failed archive may be scanned, now or on a later sweep.
		if err := os.RemoveAll(expandDir); err != nil {
			l.Error("Failed to remove partial expansion.", slog.String("dest_dir", expandDir), "error", err)
		}
		l.Warn("Archive not expanded, skipping message.", slog.String("reason", res.Reason.String()), "error", err)
		s.event(ctx, withEvent(ev, db.EventExpandFailed, res.Reason.String()))
		return false
	}
	s.event(ctx, withEvent(ev, db.EventExpandEnd, fmt.Sprintf("%d files", len(res.Files))))
	return true
}

// scan walks roots in lexical order and extracts tuples from every text file.
// A file that fails to decode contributes nothing; the walk continues.
func (s *sweep) scan(ctx context.Context, l *slog.Logger, cc ChannelContext, msg source.Message, roots []string) []dedup.Record {
	observedAt := util.FormatObserved(msg.AuthoredAt, s.loc)
	var records []dedup.Record

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				l.Warn("Failed to walk path.", slog.String("path", path), "error", err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !d.Type().IsRegular() || !s.isText(path) {
				return nil
			}

			tuples, err := s.extractor.Extract(ctx, path)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fl := l.With(slog.String("scanned_file", path))
				ev := db.Event{Channel: cc.DisplayName, MessageID: msg.ID, Filename: path, FileType: db.FileTypeText, Message: err.Error()}
				if errors.Is(err, extractor.ErrDecode) {
					s.summary.DecodeErrors++
					s.metrics.FilesScanned.WithLabelValues("decode_error").Inc()
					fl.Warn("Skipping file that is not valid UTF-8.", "error", err)
					ev.Event = db.EventDecodeError
				} else {
					s.metrics.FilesScanned.WithLabelValues("error").Inc()
					fl.Warn("Failed to read file, skipping.", "error", err)
					ev.Event = db.EventError
				}
				s.event(ctx, ev)
				return nil
			}

			s.summary.FilesScanned++
			s.metrics.FilesScanned.WithLabelValues("ok").Inc()
			name := filepath.Base(path)
			for _, t := range tuples {
				l.Debug("Extracted line.", slog.String("scanned_file", path), slog.Int("line", t.Line))
				records = append(records, dedup.Record{
					ChannelName:    cc.DisplayName,
					SourceFileName: name,
					Field1:         t.Field1,
					Field2:         t.Field2,
					Field3:         t.Field3,
					ObservedAt:     observedAt,
				})
			}
			return nil
		})
		if err != nil {
			l.Warn("Scan interrupted.", slog.String("root", root), "error", err)
			return records
		}
	}
	l.Debug("Scan complete.", slog.Int("records", len(records)), slog.Int("roots", len(roots)))
	return records
}

func (s *sweep) isText(path string) bool {
	if strings.HasSuffix(path, partSuffix) {
		return false
	}
	return slices.Contains(s.cfg.TextExtensions, strings.ToLower(filepath.Ext(path)))
}

// commit reloads the table's keys, drops records already present (or repeated within
// the batch) and appends the rest in order.
func (s *sweep) commit(ctx context.Context, l *slog.Logger, cc ChannelContext, msg source.Message, records []dedup.Record) {
	if len(records) == 0 {
		return
	}
	ev := db.Event{Channel: cc.DisplayName, MessageID: msg.ID, Filename: s.table.Path, FileType: db.FileTypeTable}

	keys, err := s.table.LoadKeys()
	if err != nil {
		s.tableFailure(ctx, l, ev, fmt.Errorf("load table keys: %v: %w", err, dedup.ErrTableWrite))
		return
	}
	fresh, duplicates := keys.Filter(records)
	s.summary.Duplicates += duplicates
	s.metrics.DuplicatesSkipped.Add(float64(duplicates))
	if len(fresh) == 0 {
		l.Debug("No new records.", slog.Int("duplicates", duplicates))
		return
	}

	if err := s.table.Append(fresh); err != nil {
		s.tableFailure(ctx, l, ev, err)
		return
	}
	s.summary.RowsAppended += len(fresh)
	s.metrics.RowsAppended.Add(float64(len(fresh)))
	l.Info("Appended records to table.", slog.Int("rows", len(fresh)), slog.Int("duplicates", duplicates))
	s.event(ctx, withEvent(ev, db.EventAppend, fmt.Sprintf("%d rows, %d duplicates", len(fresh), duplicates)))
}

func (s *sweep) tableFailure(ctx context.Context, l *slog.Logger, ev db.Event, err error) {
	s.summary.TableWriteFailures++
	s.metrics.TableWriteFailures.Inc()
	l.Error("Failed to write table.", slog.String("table", s.table.Path), "error", err)
	s.event(ctx, withEvent(ev, db.EventTableWriteFailed, err.Error()))
	s.tableErr = errors.Join(s.tableErr, fmt.Errorf("channel %s message %s: %w", ev.Channel, ev.MessageID, err))
}
