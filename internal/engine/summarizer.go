package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/store"
)

const (
	// summaryDelimiter separates the short line from the full summary in
	// agent output.
	summaryDelimiter = "---FULL---"

	// transcriptClip bounds one message's contribution to the transcript.
	transcriptClip = 2000

	// shortSummaryMax hard-caps the stored short summary.
	shortSummaryMax = 200

	// shortClipFallback sizes the short summary derived from a full one.
	shortClipFallback = 150

	// summarizeTimeout bounds one background summarization run.
	summarizeTimeout = 5 * time.Minute
)

const summaryPromptFormat = `Summarize the conversation transcript below for long-term recall.

Respond in EXACTLY this format:
<one-line summary, at most 150 characters>
---FULL---
<detailed summary: key topics, decisions made, open threads, facts worth remembering>

Transcript:
%s`

// Summarizer condenses unsummarized conversation spans into stored
// summaries once a session crosses the message threshold.
type Summarizer struct {
	store   *store.Store
	invoker agent.Invoker
	cfg     *config.Config
	logger  *slog.Logger

	// locks holds one mutex per session so concurrent turn completions
	// trigger at most one summarization run.
	locks sync.Map
}

// NewSummarizer wires the summarizer.
func NewSummarizer(st *store.Store, inv agent.Invoker, cfg *config.Config, logger *slog.Logger) *Summarizer {
	return &Summarizer{store: st, invoker: inv, cfg: cfg, logger: logger}
}

// MaybeSummarize runs a summarization pass when the session has reached the
// unsummarized-message threshold. Returns true when a summary was written.
// A run already in progress for the session is skipped, not queued.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionName string) (bool, error) {
	muI, _ := s.locks.LoadOrStore(sessionName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		s.logger.Debug("summarization already in progress, skipping", "session", sessionName)
		return false, nil
	}
	defer mu.Unlock()
	return s.run(ctx, sessionName, false)
}

// Force summarizes regardless of the threshold, for the compact command.
func (s *Summarizer) Force(ctx context.Context, sessionName string) (bool, error) {
	muI, _ := s.locks.LoadOrStore(sessionName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		return false, fmt.Errorf("summarization already running for %q", sessionName)
	}
	defer mu.Unlock()
	return s.run(ctx, sessionName, true)
}

// RunBackground is the fire-and-forget entry the turn engine schedules
// after each turn. Errors are logged, never propagated.
func (s *Summarizer) RunBackground(sessionName string) {
	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()

	wrote, err := s.MaybeSummarize(ctx, sessionName)
	if err != nil {
		s.logger.Warn("background summarization failed", "session", sessionName, "error", err)
		return
	}
	if wrote {
		s.logger.Info("conversation summarized", "session", sessionName)
	}
}

func (s *Summarizer) run(ctx context.Context, sessionName string, force bool) (bool, error) {
	count, err := s.store.CountUnsummarized(ctx, sessionName)
	if err != nil {
		return false, fmt.Errorf("count unsummarized: %w", err)
	}
	if count == 0 {
		return false, nil
	}
	if !force && count < s.cfg.SummaryThreshold() {
		return false, nil
	}

	messages, err := s.store.UnsummarizedMessages(ctx, sessionName)
	if err != nil {
		return false, fmt.Errorf("load unsummarized: %w", err)
	}
	if len(messages) == 0 {
		return false, nil
	}

	prompt := fmt.Sprintf(summaryPromptFormat, formatTranscript(messages))
	out, err := agent.RunOnce(ctx, s.invoker, agent.Options{
		Prompt:     prompt,
		WorkingDir: s.cfg.WorkspacePath(),
	})
	if err != nil {
		return false, fmt.Errorf("summarization agent run: %w", err)
	}

	short, full := ParseSummaryOutput(out)
	if full == "" {
		return false, fmt.Errorf("agent returned an empty summary")
	}

	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	sum := &store.Summary{
		SessionName:  sessionName,
		FullSummary:  full,
		ShortSummary: short,
		MessageCount: len(messages),
		UserID:       messages[0].UserID,
	}
	if err := s.store.SaveSummary(ctx, sum, ids); err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}
	return true, nil
}

// formatTranscript renders messages chronologically as User:/Assistant:
// lines, clipping long contents.
func formatTranscript(messages []store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := "User"
		if m.Role == store.RoleAssistant {
			role = "Assistant"
		}
		content := m.Content
		if utf8.RuneCountInString(content) > transcriptClip {
			content = string([]rune(content)[:transcriptClip]) + " [truncated]"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseSummaryOutput splits agent output on the first ---FULL--- delimiter.
// Without the delimiter the whole output is the full summary and the short
// one is clipped from its head at a word boundary.
func ParseSummaryOutput(out string) (short, full string) {
	if idx := strings.Index(out, summaryDelimiter); idx >= 0 {
		short = strings.TrimSpace(out[:idx])
		full = strings.TrimSpace(out[idx+len(summaryDelimiter):])
		if utf8.RuneCountInString(short) > shortSummaryMax {
			short = string([]rune(short)[:shortSummaryMax]) + "…"
		}
		return short, full
	}
	full = strings.TrimSpace(out)
	return clipAtWord(full, shortClipFallback), full
}

// clipAtWord shortens s to at most max runes, backing up to the last space
// so words stay whole, and marks the cut with an ellipsis.
func clipAtWord(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)[:max]
	cut := len(runes)
	for i := len(runes) - 1; i > 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}
