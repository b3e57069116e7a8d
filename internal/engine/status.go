package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/emakarov/megobari-sub000/internal/agent"
)

// descWidth bounds shell command descriptions in status lines.
const descWidth = 40

// StatusLine maps one tool invocation to a short human-legible progress
// line shown while the agent works.
func StatusLine(tool *agent.ToolUse) string {
	if tool == nil {
		return "Working…"
	}
	switch tool.Name {
	case "Read":
		return "Reading " + baseName(tool, "file_path") + "…"
	case "Write":
		return "Writing " + baseName(tool, "file_path") + "…"
	case "Edit":
		return "Editing " + baseName(tool, "file_path") + "…"
	case "Glob":
		return "Searching files…"
	case "Grep":
		return "Searching codebase…"
	case "Bash":
		if desc := inputString(tool, "description"); desc != "" {
			return runewidth.Truncate(desc, descWidth, "…")
		}
		return "Running command…"
	case "WebFetch":
		return "Fetching page…"
	case "WebSearch":
		return "Searching web…"
	case "Task":
		return "Launching agent…"
	default:
		return tool.Name + "…"
	}
}

// ToolSummary renders the post-turn block: one line per tool in first-use
// order, shell commands joined with a middle dot, file targets deduplicated
// with ×N counts, search patterns inline.
func ToolSummary(tools []agent.ToolUse) string {
	if len(tools) == 0 {
		return ""
	}

	type group struct {
		name  string
		items []string // insertion-ordered, deduplicated
		count map[string]int
	}
	var order []*group
	byName := make(map[string]*group)

	add := func(name, item string) {
		g, ok := byName[name]
		if !ok {
			g = &group{name: name, count: make(map[string]int)}
			byName[name] = g
			order = append(order, g)
		}
		if item == "" {
			return
		}
		if g.count[item] == 0 {
			g.items = append(g.items, item)
		}
		g.count[item]++
	}

	for i := range tools {
		t := &tools[i]
		switch t.Name {
		case "Read", "Write", "Edit":
			add(t.Name, baseName(t, "file_path"))
		case "Bash":
			desc := inputString(t, "description")
			if desc == "" {
				desc = runewidth.Truncate(inputString(t, "command"), descWidth, "…")
			}
			add(t.Name, desc)
		case "Glob":
			add(t.Name, inputString(t, "pattern"))
		case "Grep":
			add(t.Name, inputString(t, "pattern"))
		case "WebFetch":
			add(t.Name, inputString(t, "url"))
		case "WebSearch":
			add(t.Name, inputString(t, "query"))
		default:
			add(t.Name, "")
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ %d tool %s\n", len(tools), plural(len(tools), "call", "calls"))
	for _, g := range order {
		b.WriteString("**" + g.name + "**")
		if len(g.items) == 0 {
			n := 0
			for i := range tools {
				if tools[i].Name == g.name {
					n++
				}
			}
			if n > 1 {
				fmt.Fprintf(&b, " ×%d", n)
			}
			b.WriteString("\n")
			continue
		}
		b.WriteString(": ")
		for i, item := range g.items {
			if i > 0 {
				b.WriteString(" · ")
			}
			b.WriteString(item)
			if n := g.count[item]; n > 1 {
				fmt.Fprintf(&b, " ×%d", n)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func baseName(tool *agent.ToolUse, key string) string {
	path := inputString(tool, key)
	if path == "" {
		return "file"
	}
	return filepath.Base(path)
}

func inputString(tool *agent.ToolUse, key string) string {
	if tool.Input == nil {
		return ""
	}
	if v, ok := tool.Input[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
