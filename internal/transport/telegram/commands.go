package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// MonitorRunner is the slice of the monitor engine the chat commands drive.
// The scheduler owns the periodic sweeps; these entry points run on demand.
type MonitorRunner interface {
	// CheckAll sweeps every enabled resource and reports how many were
	// checked and how many changed.
	CheckAll(ctx context.Context) (checked, changed int, err error)
	// CheckTopic sweeps one topic's resources.
	CheckTopic(ctx context.Context, topicID int64) (checked, changed int, err error)
	// GenerateBaselineDigests writes digests for snapshots that have none.
	GenerateBaselineDigests(ctx context.Context) (int, error)
	// GenerateReport synthesizes the competitive report for a topic and
	// returns the path it was written to.
	GenerateReport(ctx context.Context, topicName string) (string, error)
}

// CommandRouter parses slash commands and hands everything else to the turn
// engine. It is the Bot's single Router.
type CommandRouter struct {
	cfg      *config.Config
	registry *sessions.Registry
	store    *store.Store
	engine   *engine.Engine
	monitor  MonitorRunner
	restart  engine.RestartFunc
	version  string
	logger   *slog.Logger
}

// NewCommandRouter wires the router. monitor and restart may be nil; the
// affected commands then report themselves unavailable.
func NewCommandRouter(cfg *config.Config, registry *sessions.Registry, st *store.Store, eng *engine.Engine, monitor MonitorRunner, restart engine.RestartFunc, version string, logger *slog.Logger) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{
		cfg:      cfg,
		registry: registry,
		store:    st,
		engine:   eng,
		monitor:  monitor,
		restart:  restart,
		version:  version,
		logger:   logger,
	}
}

// Dispatch routes one inbound message: slash commands are handled here,
// anything else becomes a conversation turn on the active session.
func (r *CommandRouter) Dispatch(ctx context.Context, t transport.Transport, in Inbound) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, t, in, text)
		return
	}

	session := r.registry.EnsureDefault(r.cfg.WorkspacePath())
	r.engine.ProcessTurn(ctx, session.Name, text, strconv.FormatInt(in.UserID, 10), t)
}

func (r *CommandRouter) handleCommand(ctx context.Context, t transport.Transport, in Inbound, text string) {
	userID := strconv.FormatInt(in.UserID, 10)
	// Strip the @botname suffix Telegram appends in some clients.
	head := strings.Fields(text)[0]
	cmd := strings.ToLower(strings.SplitN(head, "@", 2)[0])
	rest := strings.TrimSpace(strings.TrimPrefix(text, head))
	args := strings.Fields(rest)

	send := func(format string, a ...any) {
		if _, err := t.Reply(ctx, fmt.Sprintf(format, a...), false); err != nil {
			r.logger.Debug("command reply failed", "command", cmd, "error", err)
		}
	}

	switch cmd {
	case "/start":
		r.cmdStart(send)
	case "/help":
		send("%s", helpText)
	case "/new":
		r.cmdNew(send, rest)
	case "/sessions":
		r.cmdSessions(send)
	case "/switch":
		r.cmdSwitch(send, rest)
	case "/rename":
		r.cmdRename(send, args)
	case "/delete":
		r.cmdDelete(send, rest)
	case "/current":
		r.cmdCurrent(send)

	case "/cd":
		r.cmdCd(send, rest)
	case "/dirs":
		r.cmdDirs(send, args)
	case "/file":
		r.cmdFile(ctx, t, send, rest)

	case "/stream":
		r.cmdStream(send, rest)
	case "/permissions":
		r.cmdPermissions(send, rest)
	case "/model":
		r.cmdModel(send, rest)
	case "/think":
		r.cmdThink(send, args)
	case "/effort":
		r.cmdEffort(send, rest)
	case "/autonomous":
		r.cmdAutonomous(send, args)

	case "/persona":
		r.cmdPersona(ctx, send, args, rest)
	case "/mcp":
		r.cmdMCP(ctx, send)
	case "/skills":
		r.cmdSkills(ctx, send)
	case "/memory":
		r.cmdMemory(ctx, send, args, userID)
	case "/summaries":
		r.cmdSummaries(ctx, send, args)

	case "/usage":
		r.cmdUsage(ctx, send, args)
	case "/context":
		r.cmdContext(ctx, send, userID)
	case "/history":
		r.cmdHistory(ctx, send, args)
	case "/compact":
		r.cmdCompact(ctx, send)
	case "/doctor":
		r.cmdDoctor(ctx, send)

	case "/cron":
		r.cmdCron(ctx, send, args, rest)
	case "/heartbeat":
		r.cmdHeartbeat(ctx, send, args, rest)
	case "/monitor":
		r.cmdMonitor(ctx, t, send, in, args)
	case "/dashboard":
		r.cmdDashboard(ctx, send, args)
	case "/restart":
		r.cmdRestart(send)
	case "/release":
		r.cmdRelease(ctx, send, rest)

	default:
		send("Unknown command %s. See /help.", cmd)
	}
}

const helpText = `Session
/new {name} — create a session and switch to it
/sessions — list sessions
/switch {name} — change the active session
/rename {old} {new}
/delete {name}
/current — active session settings

Workspace
/cd {path} — set the agent working directory
/dirs [add|rm {path}] — extra directories the agent may access
/file {path} — send a file from disk here

Tuning
/stream on|off — streamed vs batched replies
/permissions default|acceptEdits|bypassPermissions
/model [name|off] — agent model override
/think [adaptive|on [budget]|off]
/effort [low|medium|high|max|off]
/autonomous [on|off|turns N|budget USD|off]

Memory & personas
/persona list|create|info|default|delete|prompt|mcp|skills
/mcp — default persona's MCP servers
/skills — default persona's skill priority
/memory list|set|get|delete
/summaries [all|search {q}|milestones]

Insight
/usage [all] — cost and token totals
/context — preview the recall context
/history [all|search {q}|stats]
/compact — summarize this session now
/doctor — bridge health

Ops
/cron add|list|rm|enable|disable
/heartbeat add|list|rm|enable|disable
/monitor topic|entity|resource|subscribe|check|baseline|report|digest
/dashboard [add|disable|enable|revoke {name}]
/restart
/release {semver}`

func (r *CommandRouter) cmdStart(send func(string, ...any)) {
	session := r.registry.EnsureDefault(r.cfg.WorkspacePath())
	send("megobari is up. Messages go to the %q session's agent. /help lists commands.", session.Name)
}

func (r *CommandRouter) cmdNew(send func(string, ...any), name string) {
	if name == "" {
		send("Usage: /new {name}")
		return
	}
	if !validSessionName(name) {
		send("Session names use letters, digits, dashes and underscores.")
		return
	}
	if _, err := r.registry.Create(name, r.cfg.WorkspacePath()); err != nil {
		if errors.Is(err, sessions.ErrExists) {
			send("Session %q already exists. /switch %s to use it.", name, name)
			return
		}
		r.logger.Warn("create session failed", "name", name, "error", err)
		send("Failed to create the session.")
		return
	}
	send("Created session %q and switched to it.", name)
}

func (r *CommandRouter) cmdSessions(send func(string, ...any)) {
	all := r.registry.ListAll()
	if len(all) == 0 {
		send("No sessions yet. /new {name} creates one.")
		return
	}
	active := r.registry.ActiveName()
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, s := range all {
		marker := "  "
		if s.Name == active {
			marker = "→ "
		}
		state := "idle"
		if r.engine.Busy().Busy(s.Name) {
			state = "busy"
		}
		thread := ""
		if s.AgentThreadID != "" {
			thread = ", resumable"
		}
		fmt.Fprintf(&b, "%s%s — %s%s, last used %s\n", marker, s.Name, state, thread, s.LastUsedAt.Format("Jan 2 15:04"))
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cmdSwitch(send func(string, ...any), name string) {
	if name == "" {
		send("Usage: /switch {name}")
		return
	}
	if err := r.registry.Switch(name); err != nil {
		send("No session named %q. /sessions lists them.", name)
		return
	}
	send("Active session is now %q.", name)
}

func (r *CommandRouter) cmdRename(send func(string, ...any), args []string) {
	if len(args) != 2 {
		send("Usage: /rename {old} {new}")
		return
	}
	if !validSessionName(args[1]) {
		send("Session names use letters, digits, dashes and underscores.")
		return
	}
	if err := r.registry.Rename(args[0], args[1]); err != nil {
		if errors.Is(err, sessions.ErrExists) {
			send("Session %q already exists.", args[1])
			return
		}
		send("No session named %q.", args[0])
		return
	}
	send("Renamed %q to %q.", args[0], args[1])
}

func (r *CommandRouter) cmdDelete(send func(string, ...any), name string) {
	if name == "" {
		send("Usage: /delete {name}")
		return
	}
	if r.engine.Busy().Busy(name) {
		send("Session %q is mid-turn. Wait for it to finish.", name)
		return
	}
	if !r.registry.Delete(name) {
		send("No session named %q.", name)
		return
	}
	send("Deleted session %q. Active session is %q.", name, r.registry.ActiveName())
}

func (r *CommandRouter) cmdCurrent(send func(string, ...any)) {
	s := r.registry.Current()
	if s == nil {
		send("No active session. /new {name} creates one.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %q\n", s.Name)
	fmt.Fprintf(&b, "mode: %s\n", replyMode(s.Streaming))
	fmt.Fprintf(&b, "permissions: %s\n", s.PermissionMode)
	fmt.Fprintf(&b, "model: %s\n", orDefault(s.ModelID, "agent default"))
	fmt.Fprintf(&b, "thinking: %s\n", thinkingLabel(s))
	fmt.Fprintf(&b, "effort: %s\n", orDefault(s.EffortLevel, "default"))
	if s.MaxTurns > 0 {
		fmt.Fprintf(&b, "max turns: %d\n", s.MaxTurns)
	}
	if s.MaxBudgetUSD > 0 {
		fmt.Fprintf(&b, "budget: $%.2f\n", s.MaxBudgetUSD)
	}
	fmt.Fprintf(&b, "working dir: %s\n", orDefault(s.WorkingDir, "(unset)"))
	if len(s.ExtraDirs) > 0 {
		fmt.Fprintf(&b, "extra dirs: %s\n", strings.Join(s.ExtraDirs, ", "))
	}
	if s.AgentThreadID != "" {
		b.WriteString("agent thread: resumable\n")
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cmdCd(send func(string, ...any), path string) {
	if path == "" {
		send("Usage: /cd {path}")
		return
	}
	resolved, err := resolveDir(path)
	if err != nil {
		send("%v", err)
		return
	}
	name := r.mustActive(send)
	if name == "" {
		return
	}
	r.registry.SetWorkingDir(name, resolved)
	send("Working directory is now %s.", resolved)
}

func (r *CommandRouter) cmdDirs(send func(string, ...any), args []string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	if len(args) == 0 {
		s, _ := r.registry.Get(name)
		if s == nil || len(s.ExtraDirs) == 0 {
			send("No extra directories. /dirs add {path} grants one.")
			return
		}
		send("Extra directories:\n%s", "- "+strings.Join(s.ExtraDirs, "\n- "))
		return
	}
	if len(args) < 2 {
		send("Usage: /dirs [add|rm] {path}")
		return
	}
	path := strings.Join(args[1:], " ")
	switch args[0] {
	case "add":
		resolved, err := resolveDir(path)
		if err != nil {
			send("%v", err)
			return
		}
		r.registry.AddDir(name, resolved)
		send("Added %s.", resolved)
	case "rm":
		r.registry.RemoveDir(name, config.ExpandHome(path))
		send("Removed %s.", path)
	default:
		send("Usage: /dirs [add|rm] {path}")
	}
}

func (r *CommandRouter) cmdFile(ctx context.Context, t transport.Transport, send func(string, ...any), path string) {
	if path == "" {
		send("Usage: /file {path}")
		return
	}
	resolved, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		send("Cannot resolve %q.", path)
		return
	}
	if _, err := os.Stat(resolved); err != nil {
		send("No such file: %s", resolved)
		return
	}
	if err := t.ReplyDocument(ctx, resolved, filepath.Base(resolved), ""); err != nil {
		r.logger.Warn("file send failed", "path", resolved, "error", err)
		send("Failed to send the file.")
	}
}

func (r *CommandRouter) cmdStream(send func(string, ...any), arg string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	switch strings.ToLower(arg) {
	case "on":
		r.registry.SetStreaming(name, true)
		send("Streaming replies on: you'll watch the answer grow.")
	case "off":
		r.registry.SetStreaming(name, false)
		send("Streaming replies off: answers arrive complete.")
	default:
		s, _ := r.registry.Get(name)
		send("Reply mode: %s. /stream on|off changes it.", replyMode(s != nil && s.Streaming))
	}
}

func (r *CommandRouter) cmdPermissions(send func(string, ...any), mode string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	if mode == "" {
		s, _ := r.registry.Get(name)
		if s != nil {
			send("Permission mode: %s.", s.PermissionMode)
		}
		return
	}
	if !sessions.ValidPermissionMode(mode) {
		send("Permission modes: %s, %s, %s.", sessions.PermissionDefault, sessions.PermissionAcceptEdits, sessions.PermissionBypass)
		return
	}
	r.registry.SetPermissionMode(name, mode)
	send("Permission mode is now %s.", mode)
}

func (r *CommandRouter) cmdModel(send func(string, ...any), arg string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	switch strings.ToLower(arg) {
	case "":
		s, _ := r.registry.Get(name)
		if s != nil {
			send("Model: %s.", orDefault(s.ModelID, "agent default"))
		}
	case "off", "default":
		r.registry.SetModel(name, "")
		send("Model override cleared; the agent picks.")
	default:
		r.registry.SetModel(name, arg)
		send("Model is now %s.", arg)
	}
}

func (r *CommandRouter) cmdThink(send func(string, ...any), args []string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	if len(args) == 0 {
		s, _ := r.registry.Get(name)
		if s != nil {
			send("Thinking: %s.", thinkingLabel(s))
		}
		return
	}
	switch strings.ToLower(args[0]) {
	case "adaptive":
		r.registry.SetThinking(name, sessions.ThinkingAdaptive, 0)
		send("Thinking is adaptive; the agent decides when to think.")
	case "on":
		budget := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				send("Budget must be a non-negative token count.")
				return
			}
			budget = n
		}
		r.registry.SetThinking(name, sessions.ThinkingEnabled, budget)
		if budget > 0 {
			send("Thinking on with a %d-token budget.", budget)
		} else {
			send("Thinking on.")
		}
	case "off":
		r.registry.SetThinking(name, sessions.ThinkingDisabled, 0)
		send("Thinking off.")
	default:
		send("Usage: /think [adaptive|on [budget]|off]")
	}
}

func (r *CommandRouter) cmdEffort(send func(string, ...any), level string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	switch strings.ToLower(level) {
	case "":
		s, _ := r.registry.Get(name)
		if s != nil {
			send("Effort: %s.", orDefault(s.EffortLevel, "default"))
		}
	case "off", "default":
		r.registry.SetEffort(name, "")
		send("Effort override cleared.")
	default:
		if !sessions.ValidEffort(level) {
			send("Effort levels: low, medium, high, max (or off).")
			return
		}
		r.registry.SetEffort(name, strings.ToLower(level))
		send("Effort is now %s.", strings.ToLower(level))
	}
}

func (r *CommandRouter) cmdAutonomous(send func(string, ...any), args []string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	if len(args) == 0 {
		s, _ := r.registry.Get(name)
		if s == nil {
			return
		}
		turns := "unlimited"
		if s.MaxTurns > 0 {
			turns = strconv.Itoa(s.MaxTurns)
		}
		budget := "uncapped"
		if s.MaxBudgetUSD > 0 {
			budget = fmt.Sprintf("$%.2f", s.MaxBudgetUSD)
		}
		send("Autonomy: permissions %s, max turns %s, budget %s.", s.PermissionMode, turns, budget)
		return
	}
	switch strings.ToLower(args[0]) {
	case "on":
		r.registry.SetPermissionMode(name, sessions.PermissionBypass)
		send("Autonomous mode on: the agent acts without permission prompts. Cap it with /autonomous turns or budget.")
	case "off":
		r.registry.SetPermissionMode(name, sessions.PermissionDefault)
		r.registry.SetMaxTurns(name, 0)
		r.registry.SetMaxBudget(name, 0)
		send("Autonomous mode off; limits cleared.")
	case "turns":
		if len(args) < 2 {
			send("Usage: /autonomous turns {N}")
			return
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			send("Turns must be a non-negative number; 0 removes the cap.")
			return
		}
		r.registry.SetMaxTurns(name, n)
		if n == 0 {
			send("Turn cap removed.")
		} else {
			send("Agent runs at most %d turns per call.", n)
		}
	case "budget":
		if len(args) < 2 {
			send("Usage: /autonomous budget {USD|off}")
			return
		}
		if strings.EqualFold(args[1], "off") {
			r.registry.SetMaxBudget(name, 0)
			send("Budget cap removed.")
			return
		}
		usd, err := strconv.ParseFloat(strings.TrimPrefix(args[1], "$"), 64)
		if err != nil || usd < 0 {
			send("Budget must be a dollar amount, e.g. /autonomous budget 5.")
			return
		}
		r.registry.SetMaxBudget(name, usd)
		send("Session spend capped at $%.2f.", usd)
	default:
		send("Usage: /autonomous [on|off|turns N|budget USD|off]")
	}
}

func (r *CommandRouter) cmdRestart(send func(string, ...any)) {
	if r.restart == nil {
		send("Restart is not available in this run mode.")
		return
	}
	send("Restarting the bridge…")
	if err := r.restart(r.cfg.DefaultChatID()); err != nil {
		r.logger.Error("restart failed", "error", err)
		send("Failed to restart: %v", err)
	}
}

var semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)

func (r *CommandRouter) cmdRelease(ctx context.Context, send func(string, ...any), version string) {
	if version == "" {
		send("Usage: /release {semver}")
		return
	}
	if !semverPattern.MatchString(version) {
		send("%q is not a version like 1.2.3.", version)
		return
	}
	version = strings.TrimPrefix(version, "v")
	name := r.mustActive(send)
	if name == "" {
		return
	}
	note := fmt.Sprintf("Release v%s tagged %s.", version, time.Now().UTC().Format("2006-01-02"))
	sum := &store.Summary{
		SessionName:  name,
		FullSummary:  note,
		ShortSummary: note,
		IsMilestone:  true,
	}
	if err := r.store.SaveSummary(ctx, sum, nil); err != nil {
		r.logger.Warn("release note failed", "version", version, "error", err)
		send("Failed to record the release.")
		return
	}
	send("📦 Release v%s recorded. /summaries milestones lists releases.", version)
}

// mustActive returns the active session name, nudging the user when there
// is none.
func (r *CommandRouter) mustActive(send func(string, ...any)) string {
	name := r.registry.ActiveName()
	if name == "" {
		send("No active session. /new {name} creates one.")
	}
	return name
}

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validSessionName(name string) bool {
	return len(name) <= 64 && sessionNamePattern.MatchString(name)
}

// resolveDir expands and verifies a directory path.
func resolveDir(path string) (string, error) {
	resolved, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return "", fmt.Errorf("cannot resolve %q", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("no such directory: %s", resolved)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}

func replyMode(streaming bool) string {
	if streaming {
		return "streaming"
	}
	return "batched"
}

func thinkingLabel(s *sessions.Session) string {
	switch s.ThinkingMode {
	case sessions.ThinkingEnabled:
		if s.ThinkingBudgetTokens > 0 {
			return fmt.Sprintf("on (%d tokens)", s.ThinkingBudgetTokens)
		}
		return "on"
	case sessions.ThinkingDisabled:
		return "off"
	default:
		return "adaptive"
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// doctorCheck renders one health line.
func doctorCheck(ok bool, label, detail string) string {
	mark := "✅"
	if !ok {
		mark = "❌"
	}
	if detail != "" {
		return fmt.Sprintf("%s %s — %s", mark, label, detail)
	}
	return fmt.Sprintf("%s %s", mark, label)
}

func (r *CommandRouter) cmdDoctor(ctx context.Context, send func(string, ...any)) {
	var lines []string

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := r.store.Ping(pingCtx)
	cancel()
	lines = append(lines, doctorCheck(err == nil, "store", errDetail(err, r.cfg.DBPath())))

	agentPath, err := exec.LookPath(r.cfg.AgentCommand())
	lines = append(lines, doctorCheck(err == nil, "agent binary", errDetail(err, agentPath)))

	lines = append(lines, doctorCheck(r.cfg.TelegramToken() != "", "telegram token", ""))

	if r.cfg.Dashboard.Enabled {
		lines = append(lines, doctorCheck(true, "dashboard", fmt.Sprintf("%s:%d", orDefault(r.cfg.Dashboard.Host, "127.0.0.1"), r.cfg.Dashboard.Port)))
	} else {
		lines = append(lines, doctorCheck(true, "dashboard", "disabled"))
	}

	busy := r.engine.Busy().Names()
	if len(busy) == 0 {
		lines = append(lines, doctorCheck(true, "sessions", "all idle"))
	} else {
		lines = append(lines, doctorCheck(true, "sessions", "busy: "+strings.Join(busy, ", ")))
	}

	if r.version != "" {
		lines = append(lines, "version "+r.version)
	}
	send("%s", strings.Join(lines, "\n"))
}

func errDetail(err error, okDetail string) string {
	if err != nil {
		return err.Error()
	}
	return okDetail
}
