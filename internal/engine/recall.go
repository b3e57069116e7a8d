package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emakarov/megobari-sub000/internal/store"
)

// Limits on how much stored context one turn may carry.
const (
	recallSummaries = 3
	recallMemories  = 20
)

// RecallResult is the stored context folded into an agent invocation.
type RecallResult struct {
	// Context is the prompt addendum; empty when nothing is stored.
	Context string
	// MCPServers and Skills come from the default persona.
	MCPServers []string
	Skills     []string
}

// RecallBuilder assembles summaries, the default persona, and memories into
// a prompt addendum. Recall is best-effort: every failure degrades to an
// empty block.
type RecallBuilder struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRecallBuilder wires the builder.
func NewRecallBuilder(st *store.Store, logger *slog.Logger) *RecallBuilder {
	return &RecallBuilder{store: st, logger: logger}
}

// Build returns the recall context for one turn. userID filters memories
// when non-empty.
func (r *RecallBuilder) Build(ctx context.Context, sessionName, userID string) RecallResult {
	var result RecallResult
	var blocks []string

	if block := r.summaryBlock(ctx, sessionName); block != "" {
		blocks = append(blocks, block)
	}

	if persona, err := r.store.DefaultPersona(ctx); err != nil {
		r.logger.Debug("recall: default persona lookup failed", "error", err)
	} else if persona != nil {
		result.MCPServers = persona.MCPServers
		result.Skills = persona.SkillPriority
		if block := personaBlock(persona); block != "" {
			blocks = append(blocks, block)
		}
	}

	if block := r.memoryBlock(ctx, userID); block != "" {
		blocks = append(blocks, block)
	}

	result.Context = strings.Join(blocks, "\n\n")
	return result
}

func (r *RecallBuilder) summaryBlock(ctx context.Context, sessionName string) string {
	summaries, err := r.store.RecentSummaries(ctx, sessionName, recallSummaries)
	if err != nil {
		r.logger.Debug("recall: summaries lookup failed", "error", err)
		return ""
	}
	if len(summaries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent conversation summaries (oldest first):\n")
	// RecentSummaries returns newest first; the prompt reads better in
	// chronological order.
	for i := len(summaries) - 1; i >= 0; i-- {
		s := summaries[i]
		text := s.ShortSummary
		if text == "" {
			text = s.FullSummary
		}
		fmt.Fprintf(&b, "- %s\n", text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func personaBlock(p *store.Persona) string {
	var parts []string
	if p.SystemPrompt != "" {
		parts = append(parts, p.SystemPrompt)
	}
	if len(p.SkillPriority) > 0 {
		parts = append(parts, "Skill priority: "+strings.Join(p.SkillPriority, ", "))
	}
	if len(p.MCPServers) > 0 {
		parts = append(parts, "MCP servers in play: "+strings.Join(p.MCPServers, ", "))
	}
	return strings.Join(parts, "\n")
}

func (r *RecallBuilder) memoryBlock(ctx context.Context, userID string) string {
	memories, err := r.store.RecentMemories(ctx, userID, recallMemories)
	if err != nil {
		r.logger.Debug("recall: memories lookup failed", "error", err)
		return ""
	}
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Stored memories:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Key, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
