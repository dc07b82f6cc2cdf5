// Package spool serves channels from a local directory: every sub-directory is a
// channel and every regular file inside it is a message whose authored time is the
// file's modification time.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brensch/chansweep/internal/source"
)

// Provider reads channels from Dir.
type Provider struct {
	Dir    string
	logger *slog.Logger
}

// New creates a spool provider rooted at dir.
func New(dir string, logger *slog.Logger) *Provider {
	return &Provider{Dir: dir, logger: logger.With(slog.String("source", "spool"), slog.String("spool_dir", dir))}
}

// Channels lists the sub-directories of Dir in name order. Hidden directories are skipped.
func (p *Provider) Channels(ctx context.Context) ([]source.Channel, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("list spool %s: %w", p.Dir, err)
	}
	var channels []source.Channel
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		channels = append(channels, source.Channel{ID: e.Name(), Title: e.Name()})
	}
	p.logger.Debug("Listed spool channels.", slog.Int("channels", len(channels)))
	return channels, nil
}

// Messages lists the regular files of a channel directory, oldest first.
func (p *Provider) Messages(ctx context.Context, ch source.Channel) ([]source.Message, error) {
	dir := filepath.Join(p.Dir, ch.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list spool channel %s: %w", dir, err)
	}
	var msgs []source.Message
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		msgs = append(msgs, source.Message{
			ID:         e.Name(),
			AuthoredAt: info.ModTime(),
			File: &source.Attachment{
				Name: e.Name(),
				Size: info.Size(),
				Ref:  filepath.Join(dir, e.Name()),
			},
		})
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].AuthoredAt.Equal(msgs[j].AuthoredAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].AuthoredAt.Before(msgs[j].AuthoredAt)
	})
	return msgs, nil
}

// Download copies the spooled file to destPath.
func (p *Provider) Download(ctx context.Context, ch source.Channel, msg source.Message, destPath string) error {
	if msg.File == nil {
		return fmt.Errorf("message %s has no attachment", msg.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(msg.File.Ref)
	if err != nil {
		return fmt.Errorf("open spooled file: %w", err)
	}
	defer in.Close()
	if _, err := source.WriteFile(destPath, in); err != nil {
		return err
	}
	return nil
}
