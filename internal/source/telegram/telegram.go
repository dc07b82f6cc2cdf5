// Package telegram reads channel posts delivered to a bot through the Bot API update queue.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/brensch/chansweep/internal/source"
	"github.com/brensch/chansweep/internal/util"
)

// Retention is how long Telegram keeps unconfirmed updates, and how long posts stay buffered here.
const Retention = 24 * time.Hour

const pageSize = 100

// updater is the part of *tgbotapi.BotAPI the provider uses.
type updater interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Provider buffers channel posts seen on the bot's update queue.
type Provider struct {
	bot    updater
	token  string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	offset   int
	titles   map[string]string
	posts    map[string][]post
	seenPost map[string]bool
}

type post struct {
	updateID int
	msg      source.Message
}

// New connects to the Bot API with token.
func New(token string, client *http.Client, logger *slog.Logger) (*Provider, error) {
	if client == nil {
		client = util.DefaultHTTPClient()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram bot api: %w", redact(err, token))
	}
	l := logger.With(slog.String("source", "telegram"))
	l.Info("Authorized telegram bot.", slog.String("bot", bot.Self.UserName))
	p := newProvider(bot, client, l)
	p.token = token
	return p, nil
}

func newProvider(bot updater, client *http.Client, logger *slog.Logger) *Provider {
	return &Provider{
		bot:      bot,
		client:   client,
		logger:   logger,
		now:      time.Now,
		titles:   make(map[string]string),
		posts:    make(map[string][]post),
		seenPost: make(map[string]bool),
	}
}

// Channels drains the update queue and returns every channel with buffered posts,
// ordered by title.
func (p *Provider) Channels(ctx context.Context) ([]source.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.poll(ctx); err != nil {
		return nil, err
	}
	p.prune()

	channels := make([]source.Channel, 0, len(p.posts))
	for id := range p.posts {
		channels = append(channels, source.Channel{ID: id, Title: p.titles[id]})
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Title == channels[j].Title {
			return channels[i].ID < channels[j].ID
		}
		return channels[i].Title < channels[j].Title
	})
	return channels, nil
}

// poll fetches pending updates page by page. Requesting a page past offset confirms the
// previous one, so posts are kept in the buffer until they age out.
func (p *Provider) poll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg := tgbotapi.NewUpdate(p.offset)
		cfg.Limit = pageSize
		cfg.AllowedUpdates = []string{"channel_post"}
		updates, err := p.bot.GetUpdates(cfg)
		if err != nil {
			return fmt.Errorf("get telegram updates: %w", redact(err, p.token))
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.add(u)
		}
		p.logger.Debug("Fetched telegram updates.", slog.Int("updates", len(updates)), slog.Int("offset", p.offset))
		if len(updates) < pageSize {
			return nil
		}
	}
}

func (p *Provider) add(u tgbotapi.Update) {
	m := u.ChannelPost
	if m == nil || m.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := convert(m)
	key := chatID + "/" + msg.ID
	if p.seenPost[key] {
		return
	}
	p.seenPost[key] = true
	title := m.Chat.Title
	if title == "" {
		title = m.Chat.UserName
	}
	if title == "" {
		title = chatID
	}
	p.titles[chatID] = title
	p.posts[chatID] = append(p.posts[chatID], post{updateID: u.UpdateID, msg: msg})
}

// convert maps a channel post onto a source message. Posts without a document carry no file.
func convert(m *tgbotapi.Message) source.Message {
	msg := source.Message{ID: strconv.Itoa(m.MessageID)}
	if m.Date > 0 {
		msg.AuthoredAt = m.Time()
	}
	if m.Document != nil {
		msg.File = &source.Attachment{
			Name: m.Document.FileName,
			Size: int64(m.Document.FileSize),
			Ref:  m.Document.FileID,
		}
	}
	return msg
}

func (p *Provider) prune() {
	cutoff := p.now().Add(-Retention)
	for id, posts := range p.posts {
		kept := posts[:0]
		for _, ps := range posts {
			if ps.msg.AuthoredAt.IsZero() || ps.msg.AuthoredAt.After(cutoff) {
				kept = append(kept, ps)
				continue
			}
			delete(p.seenPost, id+"/"+ps.msg.ID)
		}
		if len(kept) == 0 {
			delete(p.posts, id)
			delete(p.titles, id)
			continue
		}
		p.posts[id] = kept
	}
}

// Messages returns the buffered posts of a channel in update order.
func (p *Provider) Messages(ctx context.Context, ch source.Channel) ([]source.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	posts := p.posts[ch.ID]
	msgs := make([]source.Message, 0, len(posts))
	for _, ps := range posts {
		msgs = append(msgs, ps.msg)
	}
	return msgs, nil
}

// redact strips the request URL, which embeds the bot token, from Bot API errors.
func redact(err error, token string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = fmt.Errorf("%s telegram bot api: %w", uerr.Op, uerr.Err)
	}
	if token != "" && strings.Contains(err.Error(), token) {
		return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
	}
	return err
}

// Download resolves the document's file URL and streams it to destPath.
func (p *Provider) Download(ctx context.Context, ch source.Channel, msg source.Message, destPath string) error {
	if msg.File == nil || msg.File.Ref == "" {
		return fmt.Errorf("message %s has no document", msg.ID)
	}
	fileURL, err := p.bot.GetFileDirectURL(msg.File.Ref)
	if err != nil {
		return fmt.Errorf("resolve telegram file %s: %w", msg.File.Ref, redact(err, p.token))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("create request for message %s: %w", msg.ID, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of the error.
		return fmt.Errorf("fetch telegram file for message %s failed", msg.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status '%s' fetching telegram file for message %s", resp.Status, msg.ID)
	}
	_, err = source.WriteFile(destPath, resp.Body)
	return err
}
