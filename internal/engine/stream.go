package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

const (
	// streamPlaceholder is shown until the first content arrives.
	streamPlaceholder = "⏳"

	// streamFlushDelta is how much accumulated text must grow before the
	// placeholder is re-edited.
	streamFlushDelta = 200
)

// streamReply drives the single evolving reply message of a streaming turn.
// Every transport failure is logged at debug and swallowed; a lost edit
// never aborts the turn.
type streamReply struct {
	t      transport.Transport
	logger *slog.Logger

	handle    transport.MessageHandle
	started   bool
	textSeen  bool
	buf       strings.Builder
	lastFlush int
	lastSent  string
}

func newStreamReply(t transport.Transport, logger *slog.Logger) *streamReply {
	return &streamReply{t: t, logger: logger}
}

// start sends the placeholder reply.
func (r *streamReply) start(ctx context.Context) {
	handle, err := r.t.Reply(ctx, streamPlaceholder, false)
	if err != nil {
		r.logger.Debug("stream placeholder send failed", "error", err)
		return
	}
	r.handle = handle
	r.started = true
	r.lastSent = streamPlaceholder
}

// onTool shows a tool status line on the placeholder until text arrives.
func (r *streamReply) onTool(ctx context.Context, tool *agent.ToolUse) {
	if !r.started || r.textSeen {
		return
	}
	line := StatusLine(tool)
	if line == r.lastSent {
		return
	}
	if err := r.t.EditMessage(ctx, r.handle, line, false); err != nil {
		r.logger.Debug("stream status edit failed", "error", err)
		return
	}
	r.lastSent = line
}

// onText accumulates a chunk and re-edits once enough new text piled up.
func (r *streamReply) onText(ctx context.Context, chunk string) {
	r.textSeen = true
	r.buf.WriteString(chunk)
	if r.buf.Len()-r.lastFlush >= streamFlushDelta {
		r.flush(ctx)
	}
}

func (r *streamReply) flush(ctx context.Context) {
	if !r.started {
		return
	}
	text := transport.Truncate(r.buf.String(), r.t.MaxMessageLength())
	if text == "" || text == r.lastSent {
		return
	}
	if err := r.t.EditMessage(ctx, r.handle, text, false); err != nil {
		r.logger.Debug("stream edit failed", "error", err)
		return
	}
	r.lastFlush = r.buf.Len()
	r.lastSent = text
}

// finalize replaces the streamed message with the cleaned final text. Text
// that fits is edited in place; oversized text replaces the placeholder
// with split chunks; empty text removes the placeholder.
func (r *streamReply) finalize(ctx context.Context, cleaned string) {
	if !r.started {
		if cleaned != "" {
			if _, err := r.t.Reply(ctx, cleaned, true); err != nil {
				r.logger.Debug("final reply send failed", "error", err)
			}
		}
		return
	}

	if cleaned == "" {
		if err := r.t.DeleteMessage(ctx, r.handle); err != nil {
			r.logger.Debug("placeholder delete failed", "error", err)
		}
		return
	}

	if len(cleaned) <= r.t.MaxMessageLength() {
		if err := r.t.EditMessage(ctx, r.handle, cleaned, true); err != nil {
			r.logger.Debug("final edit failed", "error", err)
		}
		return
	}

	if err := r.t.DeleteMessage(ctx, r.handle); err != nil {
		r.logger.Debug("placeholder delete failed", "error", err)
	}
	if _, err := r.t.Reply(ctx, cleaned, true); err != nil {
		r.logger.Debug("final reply send failed", "error", err)
	}
}

// abandon removes the placeholder ahead of a retry or an error reply.
func (r *streamReply) abandon(ctx context.Context) {
	if !r.started {
		return
	}
	if err := r.t.DeleteMessage(ctx, r.handle); err != nil {
		r.logger.Debug("placeholder delete failed", "error", err)
	}
	r.started = false
}

// batchStatus drives the transient status message of a batched turn: sent
// on the first tool use, edited on later ones, deleted before the reply.
type batchStatus struct {
	t      transport.Transport
	logger *slog.Logger

	handle   transport.MessageHandle
	active   bool
	lastLine string
}

func newBatchStatus(t transport.Transport, logger *slog.Logger) *batchStatus {
	return &batchStatus{t: t, logger: logger}
}

func (b *batchStatus) onTool(ctx context.Context, tool *agent.ToolUse) {
	line := StatusLine(tool)
	if !b.active {
		handle, err := b.t.SendMessage(ctx, line)
		if err != nil {
			b.logger.Debug("status message send failed", "error", err)
			return
		}
		b.handle = handle
		b.active = true
		b.lastLine = line
		return
	}
	if line == b.lastLine {
		return
	}
	if err := b.t.EditMessage(ctx, b.handle, line, false); err != nil {
		b.logger.Debug("status message edit failed", "error", err)
		return
	}
	b.lastLine = line
}

func (b *batchStatus) clear(ctx context.Context) {
	if !b.active {
		return
	}
	if err := b.t.DeleteMessage(ctx, b.handle); err != nil {
		b.logger.Debug("status message delete failed", "error", err)
	}
	b.active = false
}
