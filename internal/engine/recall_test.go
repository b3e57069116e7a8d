package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/emakarov/megobari-sub000/internal/store"
)

// TestRecallComposesContext seeds summaries, a default persona and memories
// and verifies all three blocks land in the built context.
func TestRecallComposesContext(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, s := range []store.Summary{
		{SessionName: "work", ShortSummary: "first short", FullSummary: "first full", MessageCount: 20, UserID: "42"},
		{SessionName: "work", ShortSummary: "second short", FullSummary: "second full", MessageCount: 20, UserID: "42"},
	} {
		sum := s
		if err := st.SaveSummary(ctx, &sum, nil); err != nil {
			t.Fatalf("SaveSummary: %v", err)
		}
	}
	if err := st.CreatePersona(ctx, &store.Persona{
		Name:          "researcher",
		SystemPrompt:  "Be concise",
		MCPServers:    []string{"github"},
		SkillPriority: []string{"research", "summarize"},
		IsDefault:     true,
	}); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	if err := st.UpsertMemory(ctx, "42", "prefs", "tz", "UTC", nil); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}
	if err := st.UpsertMemory(ctx, "42", "projects", "megobari", "bridge work", nil); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}

	r := NewRecallBuilder(st, discardLogger())
	res := r.Build(ctx, "work", "42")

	for _, want := range []string{
		"Recent conversation summaries (oldest first):",
		"- first short",
		"- second short",
		"Be concise",
		"Skill priority: research, summarize",
		"MCP servers in play: github",
		"Stored memories:",
		"- [prefs] tz: UTC",
		"- [projects] megobari: bridge work",
	} {
		if !strings.Contains(res.Context, want) {
			t.Errorf("context missing %q:\n%s", want, res.Context)
		}
	}
	if strings.Index(res.Context, "first short") > strings.Index(res.Context, "second short") {
		t.Error("summaries not oldest first")
	}
	if len(res.MCPServers) != 1 || res.MCPServers[0] != "github" {
		t.Errorf("MCPServers = %v", res.MCPServers)
	}
	if len(res.Skills) != 2 || res.Skills[0] != "research" {
		t.Errorf("Skills = %v", res.Skills)
	}
}

// TestRecallPrefersShortSummary verifies the short form is used when present
// and the full form fills in when it is not.
func TestRecallPrefersShortSummary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	withShort := store.Summary{SessionName: "work", ShortSummary: "tiny", FullSummary: "huge full text"}
	if err := st.SaveSummary(ctx, &withShort, nil); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	noShort := store.Summary{SessionName: "work", FullSummary: "only the full text"}
	if err := st.SaveSummary(ctx, &noShort, nil); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	r := NewRecallBuilder(st, discardLogger())
	res := r.Build(ctx, "work", "42")
	if !strings.Contains(res.Context, "- tiny") {
		t.Errorf("short summary missing:\n%s", res.Context)
	}
	if strings.Contains(res.Context, "huge full text") {
		t.Errorf("full text should be shadowed by short:\n%s", res.Context)
	}
	if !strings.Contains(res.Context, "- only the full text") {
		t.Errorf("full fallback missing:\n%s", res.Context)
	}
}

// TestRecallEmptyStore verifies a fresh store yields an empty context and
// no persona echoes.
func TestRecallEmptyStore(t *testing.T) {
	st := openTestStore(t)

	r := NewRecallBuilder(st, discardLogger())
	res := r.Build(context.Background(), "work", "42")
	if res.Context != "" {
		t.Errorf("Context = %q, want empty", res.Context)
	}
	if res.MCPServers != nil || res.Skills != nil {
		t.Errorf("persona echoes = %v / %v, want nil", res.MCPServers, res.Skills)
	}
}

// TestRecallCapsSummaries verifies only the three newest summaries appear.
func TestRecallCapsSummaries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, short := range []string{"one", "two", "three", "four"} {
		sum := store.Summary{SessionName: "work", ShortSummary: short, FullSummary: short + " full"}
		if err := st.SaveSummary(ctx, &sum, nil); err != nil {
			t.Fatalf("SaveSummary: %v", err)
		}
	}

	r := NewRecallBuilder(st, discardLogger())
	res := r.Build(ctx, "work", "42")
	if strings.Contains(res.Context, "- one") {
		t.Errorf("oldest summary should rotate out:\n%s", res.Context)
	}
	for _, want := range []string{"- two", "- three", "- four"} {
		if !strings.Contains(res.Context, want) {
			t.Errorf("context missing %q:\n%s", want, res.Context)
		}
	}
	if strings.Index(res.Context, "- two") > strings.Index(res.Context, "- three") {
		t.Error("summaries not oldest first")
	}
}
