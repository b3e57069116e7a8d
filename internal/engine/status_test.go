package engine

import (
	"strings"
	"testing"

	"github.com/emakarov/megobari-sub000/internal/agent"
)

func toolUse(name string, kv ...string) agent.ToolUse {
	input := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		input[kv[i]] = kv[i+1]
	}
	return agent.ToolUse{Name: name, Input: input}
}

// TestStatusLine covers the per-tool progress phrasing.
func TestStatusLine(t *testing.T) {
	cases := []struct {
		name string
		tool agent.ToolUse
		want string
	}{
		{"read", toolUse("Read", "file_path", "/src/main.go"), "Reading main.go…"},
		{"write", toolUse("Write", "file_path", "/src/out.txt"), "Writing out.txt…"},
		{"edit", toolUse("Edit", "file_path", "/src/a/b.go"), "Editing b.go…"},
		{"read no path", toolUse("Read"), "Reading file…"},
		{"glob", toolUse("Glob", "pattern", "**/*.go"), "Searching files…"},
		{"grep", toolUse("Grep", "pattern", "TODO"), "Searching codebase…"},
		{"bash with description", toolUse("Bash", "description", "Run unit tests"), "Run unit tests"},
		{"bash bare", toolUse("Bash", "command", "ls"), "Running command…"},
		{"webfetch", toolUse("WebFetch", "url", "https://x"), "Fetching page…"},
		{"websearch", toolUse("WebSearch"), "Searching web…"},
		{"task", toolUse("Task"), "Launching agent…"},
		{"unknown", toolUse("NotebookEdit"), "NotebookEdit…"},
	}
	for _, c := range cases {
		if got := StatusLine(&c.tool); got != c.want {
			t.Errorf("%s: StatusLine = %q, want %q", c.name, got, c.want)
		}
	}
	if got := StatusLine(nil); got != "Working…" {
		t.Errorf("nil tool: StatusLine = %q", got)
	}
}

// TestStatusLineTruncatesDescription verifies long shell descriptions are
// cut by display width with an ellipsis.
func TestStatusLineTruncatesDescription(t *testing.T) {
	long := strings.Repeat("install dependencies ", 5)
	tool := toolUse("Bash", "description", long)

	got := StatusLine(&tool)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("want ellipsis suffix, got %q", got)
	}
	if len(got) >= len(long) {
		t.Errorf("description not shortened: %q", got)
	}
}

// TestToolSummaryGroupsAndCounts verifies first-use ordering, per-item
// dedup counting and the middle-dot joins.
func TestToolSummaryGroupsAndCounts(t *testing.T) {
	tools := []agent.ToolUse{
		toolUse("Read", "file_path", "/tmp/a.go"),
		toolUse("Read", "file_path", "/tmp/a.go"),
		toolUse("Bash", "description", "build things"),
		toolUse("Grep", "pattern", "TODO"),
	}

	want := "⚙️ 4 tool calls\n" +
		"**Read**: a.go ×2\n" +
		"**Bash**: build things\n" +
		"**Grep**: TODO"
	if got := ToolSummary(tools); got != want {
		t.Errorf("ToolSummary =\n%q\nwant\n%q", got, want)
	}
}

// TestToolSummarySingleCall uses the singular header and omits counts.
func TestToolSummarySingleCall(t *testing.T) {
	got := ToolSummary([]agent.ToolUse{toolUse("Write", "file_path", "/x/y.md")})
	want := "⚙️ 1 tool call\n**Write**: y.md"
	if got != want {
		t.Errorf("ToolSummary = %q, want %q", got, want)
	}
}

// TestToolSummaryItemlessTools verifies tools without detail fields still
// get a line with a repeat count.
func TestToolSummaryItemlessTools(t *testing.T) {
	got := ToolSummary([]agent.ToolUse{toolUse("Task"), toolUse("Task")})
	want := "⚙️ 2 tool calls\n**Task** ×2"
	if got != want {
		t.Errorf("ToolSummary = %q, want %q", got, want)
	}
}

// TestToolSummaryMixedItems verifies distinct items join with a middle dot
// in first-seen order.
func TestToolSummaryMixedItems(t *testing.T) {
	tools := []agent.ToolUse{
		toolUse("Bash", "description", "lint"),
		toolUse("Bash", "description", "format"),
		toolUse("Bash", "description", "lint"),
	}
	got := ToolSummary(tools)
	want := "⚙️ 3 tool calls\n**Bash**: lint ×2 · format"
	if got != want {
		t.Errorf("ToolSummary = %q, want %q", got, want)
	}
}

// TestToolSummaryEmpty returns nothing for a turn with no tools.
func TestToolSummaryEmpty(t *testing.T) {
	if got := ToolSummary(nil); got != "" {
		t.Errorf("ToolSummary(nil) = %q, want empty", got)
	}
}

// TestToolSummaryBashFallsBackToCommand verifies the command string fills
// in when there is no description.
func TestToolSummaryBashFallsBackToCommand(t *testing.T) {
	got := ToolSummary([]agent.ToolUse{toolUse("Bash", "command", "go vet ./...")})
	want := "⚙️ 1 tool call\n**Bash**: go vet ./..."
	if got != want {
		t.Errorf("ToolSummary = %q, want %q", got, want)
	}
}
