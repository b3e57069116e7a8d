package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// Action names the agent may request through fenced blocks.
const (
	ActionSendFile     = "send_file"
	ActionSendPhoto    = "send_photo"
	ActionRestart      = "restart"
	ActionMemorySet    = "memory_set"
	ActionMemoryDelete = "memory_delete"
	ActionMemoryList   = "memory_list"
)

// Action is one decoded request from a megobari-fenced block.
type Action struct {
	Action   string `json:"action"`
	Path     string `json:"path,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Category string `json:"category,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
}

var (
	actionFence  = regexp.MustCompile("(?s)```megobari[ \t]*\n(.*?)\n?```")
	newlineRuns  = regexp.MustCompile(`\n{3,}`)
	restartNote  = "Restarting the bridge…"
	warningSigil = "⚠️"
)

// ParseActions extracts valid action blocks from agent output and returns
// them with the remaining visible text. Blocks that fail to decode or lack
// an action field stay in the text verbatim. Parsing the cleaned text again
// yields no actions and the same text.
func ParseActions(text string) ([]Action, string) {
	matches := actionFence.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, tidyCleaned(text)
	}

	var actions []Action
	var b strings.Builder
	last := 0
	for _, m := range matches {
		body := strings.TrimSpace(text[m[2]:m[3]])

		var a Action
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			slog.Warn("invalid action block left in reply", "error", err)
			continue
		}
		if a.Action == "" {
			slog.Warn("action block without action field left in reply")
			continue
		}

		actions = append(actions, a)
		b.WriteString(text[last:m[0]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return actions, tidyCleaned(b.String())
}

// tidyCleaned collapses newline runs left by removed blocks and trims.
func tidyCleaned(text string) string {
	return strings.TrimSpace(newlineRuns.ReplaceAllString(text, "\n\n"))
}

// RestartFunc replaces the running process after recording which chat to
// greet when the new process comes up.
type RestartFunc func(chatID int64) error

// ActionExecutor carries the side effects behind agent-requested actions.
type ActionExecutor struct {
	store   *store.Store
	cfg     *config.Config
	restart RestartFunc
	logger  *slog.Logger
}

// NewActionExecutor wires the executor. restart may be nil; the restart
// action then reports itself unavailable.
func NewActionExecutor(st *store.Store, cfg *config.Config, restart RestartFunc, logger *slog.Logger) *ActionExecutor {
	return &ActionExecutor{store: st, cfg: cfg, restart: restart, logger: logger}
}

// Execute runs every action, collecting one error string per failure. A
// failing action never stops the rest.
func (e *ActionExecutor) Execute(ctx context.Context, actions []Action, t transport.Transport, userID string) []string {
	var errs []string
	for _, a := range actions {
		if err := e.executeOne(ctx, a, t, userID); err != nil {
			e.logger.Warn("action failed", "action", a.Action, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", a.Action, err))
		}
	}
	return errs
}

func (e *ActionExecutor) executeOne(ctx context.Context, a Action, t transport.Transport, userID string) error {
	switch a.Action {
	case ActionSendFile:
		path, err := resolvePath(a.Path)
		if err != nil {
			return err
		}
		return t.ReplyDocument(ctx, path, filepath.Base(path), a.Caption)

	case ActionSendPhoto:
		path, err := resolvePath(a.Path)
		if err != nil {
			return err
		}
		return t.ReplyPhoto(ctx, path, a.Caption)

	case ActionRestart:
		if e.restart == nil {
			return fmt.Errorf("restart is not available")
		}
		if _, err := t.SendMessage(ctx, restartNote); err != nil {
			e.logger.Debug("restart note failed", "error", err)
		}
		return e.restart(e.cfg.DefaultChatID())

	case ActionMemorySet:
		if a.Category == "" || a.Key == "" {
			return fmt.Errorf("memory_set needs category and key")
		}
		return e.store.UpsertMemory(ctx, userID, a.Category, a.Key, a.Value, nil)

	case ActionMemoryDelete:
		if a.Category == "" || a.Key == "" {
			return fmt.Errorf("memory_delete needs category and key")
		}
		deleted, err := e.store.DeleteMemory(ctx, userID, a.Category, a.Key)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no memory %s/%s", a.Category, a.Key)
		}
		return nil

	case ActionMemoryList:
		memories, err := e.store.ListMemories(ctx, userID, a.Category, 50)
		if err != nil {
			return err
		}
		if _, err := t.SendMessage(ctx, formatMemories(memories)); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown action %q", a.Action)
	}
}

// resolvePath expands a leading tilde and requires the result to name an
// existing file.
func resolvePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing path")
	}
	path, err := filepath.Abs(config.ExpandHome(raw))
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", raw, err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return path, nil
}

func formatMemories(memories []store.Memory) string {
	if len(memories) == 0 {
		return "No memories stored."
	}
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Key, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
