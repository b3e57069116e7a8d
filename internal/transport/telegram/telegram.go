// Package telegram adapts the abstract transport surface to the Telegram
// Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// maxMessageLength is the Telegram Bot API text limit.
const maxMessageLength = 4096

// Inbound is an authorized incoming message after media resolution.
type Inbound struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
}

// Router dispatches an authorized inbound message to the command router
// or the turn engine.
type Router interface {
	Dispatch(ctx context.Context, t transport.Transport, in Inbound)
}

// Bot owns the Telegram connection, the outbound rate limiter, and the
// long-polling lifecycle.
type Bot struct {
	api        *telego.Bot
	cfg        *config.Config
	logger     *slog.Logger
	router     Router
	transcribe transport.Transcriber // nil disables voice transcription
	limiter    *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New connects to the Bot API. The router may be attached later with
// SetRouter so the adapter can be constructed before the engine.
func New(cfg *config.Config, transcriber transport.Transcriber, logger *slog.Logger) (*Bot, error) {
	token := cfg.TelegramToken()
	if token == "" {
		return nil, fmt.Errorf("telegram token is not configured")
	}

	api, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		api:        api,
		cfg:        cfg,
		logger:     logger,
		transcribe: transcriber,
		limiter:    rate.NewLimiter(rate.Limit(1), 3), // per-chat Bot API etiquette
	}, nil
}

// SetRouter attaches the inbound dispatcher. Must be called before Start.
func (b *Bot) SetRouter(r Router) { b.router = r }

// ChatTransport returns a transport bound to a bare chat, used for
// scheduler-originated messages. Reaction and download calls are no-ops.
func (b *Bot) ChatTransport(chatID int64) transport.Transport {
	return &chatTransport{bot: b, chatID: chatID}
}

// Username reports the authorized bot account name.
func (b *Bot) Username() string { return b.api.Username() }

// Start begins long polling for updates.
func (b *Bot) Start(ctx context.Context) error {
	if b.router == nil {
		return fmt.Errorf("telegram bot has no router attached")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.api.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	b.logger.Info("telegram bot connected", "username", b.api.Username())

	// Register bot menu commands with retry.
	go func() {
		commands := menuCommands()
		for attempt := 1; attempt <= 3; attempt++ {
			if err := b.syncMenuCommands(pollCtx, commands); err != nil {
				b.logger.Warn("failed to sync menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				b.logger.Info("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					b.logger.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					b.handleMessage(pollCtx, update.Message)
				} else {
					b.logger.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (b *Bot) Stop(_ context.Context) error {
	b.logger.Info("stopping telegram bot")

	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
			b.logger.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			b.logger.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleMessage gates the sender, resolves attached media, and hands the
// message to the router.
func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil {
		return
	}

	// ID-discovery mode: no principal configured, answer every message
	// with the caller's id so the owner can finish setup.
	if b.cfg.IDDiscoveryMode() {
		reply := fmt.Sprintf("No allowed user is configured.\nYour Telegram user id: %d", user.ID)
		if user.Username != "" {
			reply += fmt.Sprintf("\nYour username: @%s", user.Username)
		}
		reply += "\n\nSet MEGOBARI_ALLOWED_USER_ID and restart."
		if _, err := b.sendText(ctx, msg.Chat.ID, msg.MessageID, reply, false); err != nil {
			b.logger.Debug("id-discovery reply failed", "error", err)
		}
		return
	}

	if !b.cfg.Allowed(user.ID, user.Username) {
		b.logger.Debug("telegram message rejected",
			"user_id", user.ID, "username", user.Username)
		return
	}

	b.cfg.RememberChatID(msg.Chat.ID)

	t := &chatTransport{
		bot:       b,
		chatID:    msg.Chat.ID,
		messageID: msg.MessageID,
		incoming:  msg,
	}

	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}

	// Voice notes become text through the optional transcription plugin.
	if msg.Voice != nil {
		transcript, err := b.resolveVoice(ctx, t)
		if err != nil {
			b.logger.Warn("voice transcription failed", "error", err)
			if _, err := t.Reply(ctx, "Could not transcribe the voice note.", false); err != nil {
				b.logger.Debug("voice error reply failed", "error", err)
			}
			return
		}
		if transcript == "" {
			if _, err := t.Reply(ctx, "Voice note received, but transcription is not configured.", false); err != nil {
				b.logger.Debug("voice ack failed", "error", err)
			}
			return
		}
		if text != "" {
			text += "\n"
		}
		text += transcript
	}

	if msg.Photo != nil {
		if path, err := t.DownloadPhoto(ctx); err != nil {
			b.logger.Warn("photo download failed", "error", err)
		} else if path != "" {
			text = appendNote(text, fmt.Sprintf("[Photo saved to %s]", path))
		}
	}

	if msg.Document != nil {
		if path, name, err := t.DownloadDocument(ctx); err != nil {
			b.logger.Warn("document download failed", "error", err)
		} else if path != "" {
			text = appendNote(text, fmt.Sprintf("[File %q saved to %s]", name, path))
		}
	}

	if text == "" {
		return
	}

	b.logger.Debug("telegram message received",
		"chat_id", msg.Chat.ID, "user_id", user.ID, "length", len(text))

	b.router.Dispatch(ctx, t, Inbound{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    user.ID,
		Username:  user.Username,
		Text:      text,
	})
}

func (b *Bot) resolveVoice(ctx context.Context, t *chatTransport) (string, error) {
	if b.transcribe == nil {
		return "", nil
	}
	path, err := t.DownloadVoice(ctx)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}
	if path == "" {
		return "", nil
	}
	return b.transcribe.Transcribe(ctx, path)
}

func appendNote(text, note string) string {
	if text == "" {
		return note
	}
	return text + "\n\n" + note
}

// syncMenuCommands registers the bot command menu via setMyCommands.
func (b *Bot) syncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := b.api.DeleteMyCommands(ctx, nil); err != nil {
		b.logger.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	return b.api.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "new", Description: "Create a session"},
		{Command: "sessions", Description: "List sessions"},
		{Command: "switch", Description: "Switch to a session"},
		{Command: "current", Description: "Show the active session"},
		{Command: "stream", Description: "Streamed or batched replies"},
		{Command: "model", Description: "Set or show the session model"},
		{Command: "think", Description: "Tune extended thinking"},
		{Command: "autonomous", Description: "Permission and budget caps"},
		{Command: "persona", Description: "Manage personas"},
		{Command: "memory", Description: "Manage memories"},
		{Command: "summaries", Description: "Browse conversation summaries"},
		{Command: "usage", Description: "Show usage and cost"},
		{Command: "compact", Description: "Summarize this session now"},
		{Command: "cron", Description: "Schedule recurring prompts"},
		{Command: "monitor", Description: "Manage website monitoring"},
		{Command: "dashboard", Description: "Manage dashboard tokens"},
		{Command: "doctor", Description: "Check bridge health"},
		{Command: "restart", Description: "Restart the bridge"},
		{Command: "help", Description: "List all commands"},
	}
}
