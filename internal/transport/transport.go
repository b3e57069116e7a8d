// Package transport defines the abstract messaging edge the bridge talks
// through. The turn engine, scheduler and monitor only see this interface;
// the Telegram adapter lives in the telegram subpackage.
package transport

import "context"

// MessageHandle identifies a previously sent message for edits or deletion.
type MessageHandle int64

// Transport is bound to a single incoming message, or to a bare chat for
// scheduler-originated work. Download and reaction calls therefore need no
// message argument; on a bare-chat transport they are no-ops.
//
// Failures on this surface are never fatal to a turn: callers log them at
// debug and continue.
type Transport interface {
	// Reply sends text as a reply to the incoming message and returns a
	// handle for later edits. When formatted is true the adapter renders
	// markdown into its native rich-text form; otherwise the text is
	// escaped and sent verbatim.
	Reply(ctx context.Context, text string, formatted bool) (MessageHandle, error)

	// ReplyDocument sends a local file as a document attachment.
	ReplyDocument(ctx context.Context, path, filename, caption string) error

	// ReplyPhoto sends a local image, downscaling when the adapter's
	// limits require it.
	ReplyPhoto(ctx context.Context, path, caption string) error

	// SendMessage sends plain text to the chat without reply linkage.
	SendMessage(ctx context.Context, text string) (MessageHandle, error)

	EditMessage(ctx context.Context, handle MessageHandle, text string, formatted bool) error
	DeleteMessage(ctx context.Context, handle MessageHandle) error

	// SendTyping asserts the chat-level typing indicator once; callers
	// re-assert it periodically for long turns.
	SendTyping(ctx context.Context) error

	// SetReaction replaces the reaction on the incoming message. An empty
	// emoji clears it.
	SetReaction(ctx context.Context, emoji string) error

	// DownloadPhoto fetches the incoming message's photo to a local file.
	// Returns an empty path when the message carries no photo.
	DownloadPhoto(ctx context.Context) (string, error)

	// DownloadDocument fetches the incoming message's document. Returns
	// empty values when the message carries no document.
	DownloadDocument(ctx context.Context) (path, filename string, err error)

	// DownloadVoice fetches the incoming message's voice note. Returns an
	// empty path when the message carries no voice note.
	DownloadVoice(ctx context.Context) (string, error)

	// MaxMessageLength is the adapter's outbound text limit in bytes.
	MaxMessageLength() int

	// Name identifies the adapter ("telegram").
	Name() string
}

// Transcriber converts a downloaded voice note into text. Implementations
// are optional plugins; a nil Transcriber means voice notes are acknowledged
// without transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}
