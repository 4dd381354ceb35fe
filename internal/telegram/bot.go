// Package telegram provides the Telegram adapter for clawgram.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/roelfdiedericks/clawgram/internal/bridge"
	"github.com/roelfdiedericks/clawgram/internal/chunker"
	"github.com/roelfdiedericks/clawgram/internal/config"
	"github.com/roelfdiedericks/clawgram/internal/gateway"
	. "github.com/roelfdiedericks/clawgram/internal/logging"
	. "github.com/roelfdiedericks/clawgram/internal/metrics"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

// Bot is the Telegram front end
type Bot struct {
	bot        *tele.Bot
	dispatcher *gateway.Dispatcher
	sessions   *session.Store
	bridge     *bridge.Bridge
	chunker    *chunker.Chunker
	config     config.TelegramConfig
	allowed    map[int64]bool

	mu      sync.Mutex
	verbose map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the bot and registers its handlers
func New(cfg config.TelegramConfig, d *gateway.Dispatcher, sessions *session.Store, br *bridge.Bridge) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_debug("telegram: bot created", "username", tb.Me.Username, "id", tb.Me.ID)

	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		bot:        tb,
		dispatcher: d,
		sessions:   sessions,
		bridge:     br,
		chunker:    chunker.New(cfg.MaxChunkSize),
		config:     cfg,
		allowed:    allowed,
		verbose:    make(map[int64]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	tb.Use(b.whitelist)
	b.setupCommands()
	tb.Handle(tele.OnText, b.handleText)

	L_debug("telegram: handlers registered", "allowedUsers", len(allowed))
	return b, nil
}

// whitelist silently drops updates from users outside the allow-list
func (b *Bot) whitelist(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !b.allowed[sender.ID] {
			if sender != nil {
				L_warn("telegram: unauthorized user ignored", "userID", sender.ID, "name", sender.FirstName)
			}
			MetricInc("telegram", "unauthorized")
			return nil
		}
		return next(c)
	}
}

// handleText routes an ordinary message through the dispatcher
func (b *Bot) handleText(c tele.Context) error {
	if c.Chat().Type != tele.ChatPrivate {
		L_debug("telegram: ignoring group message", "chatID", c.Chat().ID)
		return nil
	}

	userID := c.Sender().ID
	_ = c.Notify(tele.Typing)

	var sink bridge.Sink
	var stream *verboseStream
	if b.isVerbose(userID) {
		stream = b.newVerboseStream(c)
		sink = stream.add
	}
	keepalive := func() { _ = c.Notify(tele.Typing) }

	resp := b.dispatcher.Handle(b.ctx, gateway.Inbound{UserID: userID, Text: c.Text()}, sink, keepalive)

	if stream != nil {
		stream.flush()
	}
	return b.deliver(c, resp)
}

// deliver renders a gateway response into one or more Telegram messages
func (b *Bot) deliver(c tele.Context, resp gateway.Response) error {
	switch resp.Kind {
	case gateway.KindIgnored:
		return nil

	case gateway.KindExecuted:
		if resp.Text != "" {
			if err := c.Send(resp.Text); err != nil {
				return err
			}
		}
		output := resp.Output
		if strings.TrimSpace(output) == "" {
			output = "(no output)"
		}
		return b.sendLong(c, output)

	case gateway.KindError:
		// Partial output from a timeout goes out before the notice
		if resp.Output != "" {
			if err := b.sendLong(c, resp.Output); err != nil {
				L_error("telegram: failed to send partial output", "error", err)
			}
		}
		return c.Send(resp.Text)

	default:
		return c.Send(resp.Text)
	}
}

// sendLong formats and sends text, chunked to Telegram's size limit.
// HTML formatting failures degrade to plain text per chunk.
func (b *Bot) sendLong(c tele.Context, text string) error {
	for _, chunk := range b.chunker.Chunk(text) {
		formatted := FormatMessage(chunk)
		if err := c.Send(formatted, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			L_trace("telegram: html send failed, retrying plain", "error", err)
			if err := c.Send(chunk); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
		}
	}
	return nil
}

func (b *Bot) isVerbose(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verbose[userID]
}

func (b *Bot) toggleVerbose(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verbose[userID] = !b.verbose[userID]
	return b.verbose[userID]
}

// Start begins long polling. Blocks until Stop is called.
func (b *Bot) Start() {
	L_info("telegram: starting long poller", "username", b.bot.Me.Username)
	b.bot.Start()
}

// Stop halts polling and cancels in-flight request contexts
func (b *Bot) Stop() {
	b.cancel()
	b.bot.Stop()
	L_info("telegram: stopped")
}

// verboseStream batches backend stream lines into periodic messages so
// slow executions show progress without flooding the chat. Lines are
// added from the execution loop; a batch is flushed when the size or
// time threshold hits.
type verboseStream struct {
	c          tele.Context
	batchSize  int
	flushEvery time.Duration

	mu        sync.Mutex
	lines     []string
	lastFlush time.Time
}

const verboseLineMax = 200

func (b *Bot) newVerboseStream(c tele.Context) *verboseStream {
	batch := b.config.VerboseBatchSize
	if batch <= 0 {
		batch = 10
	}
	flush := time.Duration(b.config.VerboseFlushSeconds * float64(time.Second))
	if flush <= 0 {
		flush = 3 * time.Second
	}
	return &verboseStream{
		c:          c,
		batchSize:  batch,
		flushEvery: flush,
		lastFlush:  time.Now(),
	}
}

func (v *verboseStream) add(line string) {
	v.mu.Lock()
	v.lines = append(v.lines, truncate(line, verboseLineMax))
	ready := len(v.lines) >= v.batchSize || time.Since(v.lastFlush) >= v.flushEvery
	v.mu.Unlock()

	if ready {
		v.flush()
	}
}

func (v *verboseStream) flush() {
	v.mu.Lock()
	if len(v.lines) == 0 {
		v.mu.Unlock()
		return
	}
	batch := strings.Join(v.lines, "\n")
	v.lines = v.lines[:0]
	v.lastFlush = time.Now()
	v.mu.Unlock()

	batch = truncate(batch, chunker.TelegramLimit-100)
	msg := "<pre>" + escapeHTML(batch) + "</pre>"
	if err := v.c.Send(msg, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		L_trace("telegram: verbose batch send failed", "error", err)
	}
}
