// Package httpdir treats HTML directory listings as channels: every feed URL is a channel
// and every file linked from its index is a message authored at its Last-Modified time.
package httpdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/brensch/chansweep/internal/source"
	"github.com/brensch/chansweep/internal/util"
)

// Provider discovers files on HTTP index pages.
type Provider struct {
	feeds    []string
	suffixes []string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a provider for the given feed URLs. Only links ending in one of suffixes are
// reported (all links when suffixes is empty). requestsPerSecond <= 0 disables pacing.
func New(feeds, suffixes []string, client *http.Client, requestsPerSecond float64, logger *slog.Logger) *Provider {
	if client == nil {
		client = util.DefaultHTTPClient()
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Provider{
		feeds:    feeds,
		suffixes: suffixes,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(slog.String("source", "httpdir")),
	}
}

// Channels returns one channel per feed URL, in configuration order.
func (p *Provider) Channels(ctx context.Context) ([]source.Channel, error) {
	channels := make([]source.Channel, 0, len(p.feeds))
	var errs error
	for _, feed := range p.feeds {
		u, err := url.Parse(feed)
		if err != nil || u.Host == "" {
			errs = errors.Join(errs, fmt.Errorf("parse feed url %q: %v", feed, err))
			continue
		}
		channels = append(channels, source.Channel{ID: feed, Title: channelTitle(u)})
	}
	return channels, errs
}

func channelTitle(u *url.URL) string {
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return u.Host
	}
	return u.Host + "/" + p
}

// Messages fetches the channel's index page and HEADs every matching link for its
// modification time and size. A link whose HEAD fails is still reported, with a zero time.
func (p *Provider) Messages(ctx context.Context, ch source.Channel) ([]source.Message, error) {
	l := p.logger.With(slog.String("feed_url", ch.ID))
	base, err := url.Parse(ch.ID)
	if err != nil {
		return nil, fmt.Errorf("parse base %s: %w", ch.ID, err)
	}

	body, err := p.get(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML %s: %w", ch.ID, err)
	}

	seen := make(map[string]bool)
	var msgs []source.Message
	for _, link := range util.ParseLinks(root, p.suffixes...) {
		abs, err := base.Parse(link)
		if err != nil {
			l.Warn("Failed to resolve relative link.", "link", link, "error", err)
			continue
		}
		absURL := abs.String()
		if seen[absURL] {
			continue
		}
		seen[absURL] = true

		name := path.Base(abs.Path)
		msg := source.Message{ID: name, File: &source.Attachment{Name: name, Ref: absURL, Size: -1}}
		if err := p.head(ctx, &msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.Warn("HEAD failed, message will carry no timestamp.", "url", absURL, "error", err)
		}
		msgs = append(msgs, msg)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].AuthoredAt.Equal(msgs[j].AuthoredAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].AuthoredAt.Before(msgs[j].AuthoredAt)
	})
	l.Debug("Feed listing complete.", slog.Int("messages", len(msgs)))
	return msgs, nil
}

// Download streams the linked file to destPath.
func (p *Provider) Download(ctx context.Context, ch source.Channel, msg source.Message, destPath string) error {
	if msg.File == nil || msg.File.Ref == "" {
		return fmt.Errorf("message %s has no attachment url", msg.ID)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.File.Ref, nil)
	if err != nil {
		return fmt.Errorf("create request %s: %w", msg.File.Ref, err)
	}
	req.Header.Set("User-Agent", util.RandomUserAgent())

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	n, err := util.DownloadTo(p.client, req, out)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", destPath, closeErr)
	}
	if err != nil {
		return err
	}
	p.logger.Debug("Downloaded file.", slog.String("url", msg.File.Ref), slog.Int64("bytes", n))
	return nil
}

func (p *Provider) get(ctx context.Context, target string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", target, err)
	}
	req.Header.Set("User-Agent", util.RandomUserAgent())
	var buf bytes.Buffer
	if _, err := util.DownloadTo(p.client, req, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Provider) head(ctx context.Context, msg *source.Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, msg.File.Ref, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", util.RandomUserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status '%s'", resp.Status)
	}
	msg.File.Size = resp.ContentLength
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t, err := http.ParseTime(lm)
		if err != nil {
			return fmt.Errorf("parse Last-Modified %q: %w", lm, err)
		}
		msg.AuthoredAt = t
	}
	return nil
}
