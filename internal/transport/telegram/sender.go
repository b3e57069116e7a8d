package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// sendText delivers one message, rendering markdown to Telegram HTML when
// formatted is set. A failed HTML send is retried once as plain text so a
// bad entity never loses the reply. replyTo of zero sends without a quote.
func (b *Bot) sendText(ctx context.Context, chatID int64, replyTo int, text string, formatted bool) (int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := &telego.SendMessageParams{
		ChatID:             tu.ID(chatID),
		Text:               text,
		LinkPreviewOptions: &telego.LinkPreviewOptions{IsDisabled: true},
	}
	if formatted {
		params.Text = RenderHTML(text)
		params.ParseMode = telego.ModeHTML
	}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	sent, err := b.api.SendMessage(ctx, params)
	if err != nil && formatted {
		// Telegram rejects the whole message on any entity error.
		b.logger.Debug("html send failed, retrying as plain text", "error", err)
		params.Text = text
		params.ParseMode = ""
		sent, err = b.api.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// editText rewrites a previously sent message in place.
func (b *Bot) editText(ctx context.Context, chatID int64, messageID int, text string, formatted bool) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	}
	if formatted {
		params.Text = RenderHTML(text)
		params.ParseMode = telego.ModeHTML
	}

	_, err := b.api.EditMessageText(ctx, params)
	if err != nil && formatted {
		params.Text = text
		params.ParseMode = ""
		_, err = b.api.EditMessageText(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (b *Bot) deleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.api.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// setReaction places a single emoji reaction on a message. An empty emoji
// clears existing reactions.
func (b *Bot) setReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	var reaction []telego.ReactionType
	if emoji != "" {
		reaction = []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		}
	}
	if err := b.api.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction:  reaction,
	}); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if err := b.api.SendChatAction(ctx, action); err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

// sendDocument uploads a local file. filename overrides the on-disk name
// when set; caption may be empty.
func (b *Bot) sendDocument(ctx context.Context, chatID int64, path, filename, caption string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	name := filename
	if name == "" {
		name = filepath.Base(path)
	}

	params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(f, name)))
	if caption != "" {
		params.Caption = caption
	}
	if _, err := b.api.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// sendPhoto uploads a local image, downscaling oversized ones first so
// Telegram does not reject the upload.
func (b *Bot) sendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	prepared, cleanup, err := preparePhoto(path)
	if err != nil {
		return fmt.Errorf("prepare photo: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	f, err := os.Open(prepared)
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	params := tu.Photo(tu.ID(chatID), tu.File(tu.NameReader(f, filepath.Base(prepared))))
	if caption != "" {
		params.Caption = caption
	}
	if _, err := b.api.SendPhoto(ctx, params); err != nil {
		// Telegram is picky about photo payloads; fall back to a document
		// so the image still arrives.
		if strings.Contains(strings.ToLower(err.Error()), "photo") {
			b.logger.Debug("photo send rejected, falling back to document", "error", err)
			return b.sendDocumentRaw(ctx, chatID, prepared, filepath.Base(path), caption)
		}
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// sendDocumentRaw skips the limiter; callers already waited.
func (b *Bot) sendDocumentRaw(ctx context.Context, chatID int64, path, filename, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(f, filename)))
	if caption != "" {
		params.Caption = caption
	}
	if _, err := b.api.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}
