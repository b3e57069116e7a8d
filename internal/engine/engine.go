// Package engine runs conversation turns: it feeds user text to the
// coding-agent subprocess, bridges the event stream back to the transport,
// executes agent-requested actions, and persists the paper trail.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/tracing"
	"github.com/emakarov/megobari-sub000/internal/transport"
	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

// typingInterval is how often the typing indicator is re-asserted; Telegram
// expires one after about five seconds.
const typingInterval = 4 * time.Second

// persistTimeout bounds fire-and-forget store writes after a turn.
const persistTimeout = 10 * time.Second

const baseSystemPrompt = "You are talking to your user through megobari, a personal chat bridge. " +
	"Replies render in a chat client: keep them conversational, prefer short paragraphs, " +
	"and use markdown sparingly.\n\n" +
	"You can trigger bridge actions by emitting a fenced code block with the megobari " +
	"language tag containing one JSON object, for example:\n\n" +
	"```megobari\n{\"action\": \"send_file\", \"path\": \"/absolute/path\", \"caption\": \"optional\"}\n```\n\n" +
	"Supported actions:\n" +
	"- send_file {path, caption?} — deliver a file from disk to the chat\n" +
	"- send_photo {path, caption?} — deliver an image\n" +
	"- memory_set {category, key, value} — keep a durable fact for future conversations\n" +
	"- memory_delete {category, key}\n" +
	"- memory_list {category?}\n" +
	"- restart — restart the bridge process\n\n" +
	"Action blocks are stripped from the visible reply. Use memory_set for facts about " +
	"the user, their preferences, and ongoing work worth recalling later."

// Engine coordinates one turn at a time per session.
type Engine struct {
	cfg      *config.Config
	registry *sessions.Registry
	store    *store.Store
	invoker  agent.Invoker
	bus      *bus.Bus
	logger   *slog.Logger

	busy       *BusySet
	usage      *UsageTracker
	recall     *RecallBuilder
	summarizer *Summarizer
	actions    *ActionExecutor
}

// New wires an engine. restart may be nil when the process cannot re-exec
// itself (tests).
func New(cfg *config.Config, registry *sessions.Registry, st *store.Store, inv agent.Invoker, b *bus.Bus, restart RestartFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		registry:   registry,
		store:      st,
		invoker:    inv,
		bus:        b,
		logger:     logger,
		busy:       NewBusySet(),
		usage:      NewUsageTracker(),
		recall:     NewRecallBuilder(st, logger),
		summarizer: NewSummarizer(st, inv, cfg, logger),
		actions:    NewActionExecutor(st, cfg, restart, logger),
	}
}

// Busy exposes the busy set for command handlers.
func (e *Engine) Busy() *BusySet { return e.busy }

// Usage exposes the in-memory aggregates for command handlers.
func (e *Engine) Usage() *UsageTracker { return e.usage }

// Recall exposes the recall builder for the context preview command.
func (e *Engine) Recall() *RecallBuilder { return e.recall }

// Summarizer exposes the summarizer for the compact command.
func (e *Engine) Summarizer() *Summarizer { return e.summarizer }

// ProcessTurn runs one conversation turn for the session. It returns when
// the reply has been delivered; persistence runs in the background.
func (e *Engine) ProcessTurn(ctx context.Context, sessionName, userText, userID string, t transport.Transport) {
	session, ok := e.registry.Get(sessionName)
	if !ok {
		e.replyPlain(ctx, t, fmt.Sprintf("Session %q no longer exists. Use /new or /switch.", sessionName))
		return
	}

	if !e.busy.TryAcquire(sessionName) {
		e.replyPlain(ctx, t, "Session is busy — wait for the current turn to finish or /switch to another session.")
		return
	}
	defer e.busy.Release(sessionName)

	ctx, span := tracing.StartTurn(ctx, sessionName)
	defer span.End()

	if session.MaxBudgetUSD > 0 {
		if agg, _ := e.usage.Session(sessionName); agg.CostUSD >= session.MaxBudgetUSD {
			e.replyPlain(ctx, t, fmt.Sprintf(
				"Budget cap reached: $%.2f spent of $%.2f. Raise it with /autonomous budget.",
				agg.CostUSD, session.MaxBudgetUSD))
			return
		}
	}

	if err := t.SetReaction(ctx, "⏳"); err != nil {
		e.logger.Debug("set reaction failed", "error", err)
	}
	defer func() {
		if err := t.SetReaction(ctx, ""); err != nil {
			e.logger.Debug("clear reaction failed", "error", err)
		}
	}()

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go e.typingLoop(typingCtx, t)

	recall := e.recall.Build(ctx, sessionName, userID)
	opts := agent.Options{
		Prompt:               userText,
		SystemPrompt:         composeSystemPrompt(session, recall),
		ThreadID:             session.AgentThreadID,
		Model:                session.ModelID,
		PermissionMode:       session.PermissionMode,
		MaxTurns:             session.MaxTurns,
		WorkingDir:           session.WorkingDir,
		ExtraDirs:            session.ExtraDirs,
		MCPServers:           recall.MCPServers,
		ThinkingMode:         session.ThinkingMode,
		ThinkingBudgetTokens: session.ThinkingBudgetTokens,
	}

	res, tools, stream, batch, err := e.invoke(ctx, opts, session.Streaming, t)
	if err != nil && opts.ThreadID != "" {
		// The stored thread may be gone on the agent side; retry once from
		// scratch before giving up.
		e.logger.Warn("agent run failed with resume, retrying fresh", "session", sessionName, "error", err)
		if stream != nil {
			stream.abandon(ctx)
		}
		if batch != nil {
			batch.clear(ctx)
		}
		opts.ThreadID = ""
		res, tools, stream, batch, err = e.invoke(ctx, opts, session.Streaming, t)
	}
	if err != nil {
		if stream != nil {
			stream.abandon(ctx)
		}
		if batch != nil {
			batch.clear(ctx)
		}
		e.logger.Error("agent run failed", "session", sessionName, "error", err)
		e.replyPlain(ctx, t, "Agent error: "+err.Error())
		return
	}

	actions, cleaned := ParseActions(res.Text)

	for _, msg := range e.actions.Execute(ctx, actions, t, userID) {
		if _, err := t.SendMessage(ctx, warningSigil+" "+msg); err != nil {
			e.logger.Debug("action warning send failed", "error", err)
		}
	}

	if stream != nil {
		stream.finalize(ctx, cleaned)
	} else {
		batch.clear(ctx)
		if cleaned != "" {
			if _, err := t.Reply(ctx, cleaned, true); err != nil {
				e.logger.Debug("final reply send failed", "error", err)
			}
		}
	}

	if len(tools) > 0 {
		if _, err := t.Reply(ctx, ToolSummary(tools), true); err != nil {
			e.logger.Debug("tool summary send failed", "error", err)
		}
	}

	if res.ThreadID != "" && res.ThreadID != session.AgentThreadID {
		e.registry.SetAgentThread(sessionName, res.ThreadID)
	}
	e.registry.Touch(sessionName)

	e.usage.Add(sessionName, res)
	go e.persistUsage(sessionName, userID, res)

	e.logTurn(sessionName, userID, userText, cleaned)
	go e.summarizer.RunBackground(sessionName)
}

// invoke runs the agent once, bridging events to the transport in the
// session's reply mode.
func (e *Engine) invoke(ctx context.Context, opts agent.Options, streaming bool, t transport.Transport) (*agent.Result, []agent.ToolUse, *streamReply, *batchStatus, error) {
	var tools []agent.ToolUse
	var stream *streamReply
	var batch *batchStatus

	if streaming {
		stream = newStreamReply(t, e.logger)
		stream.start(ctx)
	} else {
		batch = newBatchStatus(t, e.logger)
	}

	res, err := e.invoker.Stream(ctx, opts, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventToolUse:
			tools = append(tools, *ev.Tool)
			if stream != nil {
				stream.onTool(ctx, ev.Tool)
			} else {
				batch.onTool(ctx, ev.Tool)
			}
		case agent.EventText:
			if stream != nil {
				stream.onText(ctx, ev.Text)
			}
		}
	})
	return res, tools, stream, batch, err
}

// typingLoop re-asserts the typing indicator until the turn ends.
func (e *Engine) typingLoop(ctx context.Context, t transport.Transport) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if err := t.SendTyping(ctx); err != nil {
			e.logger.Debug("typing indicator failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func composeSystemPrompt(session *sessions.Session, recall RecallResult) string {
	parts := []string{baseSystemPrompt}
	if len(session.ExtraDirs) > 0 {
		parts = append(parts, "Additional directories you may access: "+strings.Join(session.ExtraDirs, ", "))
	}
	if session.EffortLevel != "" {
		parts = append(parts, "Work at "+session.EffortLevel+" effort for this conversation.")
	}
	if recall.Context != "" {
		parts = append(parts, recall.Context)
	}
	return strings.Join(parts, "\n\n")
}

func (e *Engine) replyPlain(ctx context.Context, t transport.Transport, text string) {
	if _, err := t.Reply(ctx, text, false); err != nil {
		e.logger.Debug("reply failed", "error", err)
	}
}

// persistUsage writes the turn's usage record. Fire-and-forget.
func (e *Engine) persistUsage(sessionName, userID string, res *agent.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := &store.UsageRecord{
		SessionName:   sessionName,
		UserID:        userID,
		CostUSD:       res.CostUSD,
		NumTurns:      res.NumTurns,
		DurationAPIMS: res.DurationAPIMS,
		InputTokens:   res.InputTokens,
		OutputTokens:  res.OutputTokens,
	}
	if err := e.store.InsertUsage(ctx, rec); err != nil {
		e.logger.Warn("persist usage failed", "session", sessionName, "error", err)
	}
}

// logTurn records both halves of the turn and fans them out to stream
// subscribers. Store failures are logged and swallowed.
func (e *Engine) logTurn(sessionName, userID, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	e.logMessage(ctx, sessionName, store.RoleUser, userText, userID)
	if assistantText != "" {
		e.logMessage(ctx, sessionName, store.RoleAssistant, assistantText, userID)
	}
}

func (e *Engine) logMessage(ctx context.Context, sessionName, role, content, userID string) {
	id, err := e.store.LogMessage(ctx, sessionName, role, content, userID)
	if err != nil {
		e.logger.Warn("log message failed", "session", sessionName, "role", role, "error", err)
		return
	}
	e.bus.Publish(protocol.MessageEvent{
		ID:          id,
		SessionName: sessionName,
		Role:        role,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	})
}
