package telegram

import (
	"context"

	"github.com/mymmrac/telego"

	"github.com/emakarov/megobari-sub000/internal/transport"
)

// chatTransport binds the bot to one chat and, for inbound turns, to the
// triggering message. Scheduler-originated transports carry no incoming
// message, so reactions and downloads degrade to no-ops.
type chatTransport struct {
	bot       *Bot
	chatID    int64
	messageID int // 0 for scheduler-originated sends
	incoming  *telego.Message
}

var _ transport.Transport = (*chatTransport)(nil)

// Reply sends text quoting the triggering message. Long texts are split at
// the 4096-char limit; the returned handle addresses the last chunk so
// streaming edits continue where the text left off.
func (t *chatTransport) Reply(ctx context.Context, text string, formatted bool) (transport.MessageHandle, error) {
	return t.sendChunks(ctx, text, formatted, t.messageID)
}

func (t *chatTransport) SendMessage(ctx context.Context, text string) (transport.MessageHandle, error) {
	return t.sendChunks(ctx, text, false, 0)
}

func (t *chatTransport) sendChunks(ctx context.Context, text string, formatted bool, replyTo int) (transport.MessageHandle, error) {
	var last int
	for i, chunk := range transport.SplitMessage(text, maxMessageLength) {
		// Quote the triggering message on the first chunk only.
		quote := 0
		if i == 0 {
			quote = replyTo
		}
		id, err := t.bot.sendText(ctx, t.chatID, quote, chunk, formatted)
		if err != nil {
			return transport.MessageHandle(last), err
		}
		last = id
	}
	return transport.MessageHandle(last), nil
}

func (t *chatTransport) ReplyDocument(ctx context.Context, path, filename, caption string) error {
	return t.bot.sendDocument(ctx, t.chatID, path, filename, caption)
}

func (t *chatTransport) ReplyPhoto(ctx context.Context, path, caption string) error {
	return t.bot.sendPhoto(ctx, t.chatID, path, caption)
}

func (t *chatTransport) EditMessage(ctx context.Context, handle transport.MessageHandle, text string, formatted bool) error {
	return t.bot.editText(ctx, t.chatID, int(handle), text, formatted)
}

func (t *chatTransport) DeleteMessage(ctx context.Context, handle transport.MessageHandle) error {
	return t.bot.deleteMessage(ctx, t.chatID, int(handle))
}

func (t *chatTransport) SendTyping(ctx context.Context) error {
	return t.bot.sendChatAction(ctx, t.chatID)
}

// SetReaction marks the triggering message; empty emoji clears. Without an
// incoming message there is nothing to react to.
func (t *chatTransport) SetReaction(ctx context.Context, emoji string) error {
	if t.messageID == 0 {
		return nil
	}
	return t.bot.setReaction(ctx, t.chatID, t.messageID, emoji)
}

func (t *chatTransport) MaxMessageLength() int { return maxMessageLength }

func (t *chatTransport) Name() string { return "telegram" }
