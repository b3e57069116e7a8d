package telegram

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// chatRecorder captures outbound traffic for assertions.
type chatRecorder struct {
	mu      sync.Mutex
	replies []string
	sent    []string
	docs    []string
	next    transport.MessageHandle
}

func (c *chatRecorder) Reply(ctx context.Context, text string, formatted bool) (transport.MessageHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
	c.next++
	return c.next, nil
}

func (c *chatRecorder) ReplyDocument(ctx context.Context, path, filename, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, path)
	return nil
}

func (c *chatRecorder) ReplyPhoto(ctx context.Context, path, caption string) error { return nil }

func (c *chatRecorder) SendMessage(ctx context.Context, text string) (transport.MessageHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.next++
	return c.next, nil
}

func (c *chatRecorder) EditMessage(ctx context.Context, h transport.MessageHandle, text string, formatted bool) error {
	return nil
}
func (c *chatRecorder) DeleteMessage(ctx context.Context, h transport.MessageHandle) error {
	return nil
}
func (c *chatRecorder) SendTyping(ctx context.Context) error              { return nil }
func (c *chatRecorder) SetReaction(ctx context.Context, emoji string) error { return nil }
func (c *chatRecorder) DownloadPhoto(ctx context.Context) (string, error) { return "", nil }
func (c *chatRecorder) DownloadDocument(ctx context.Context) (string, string, error) {
	return "", "", nil
}
func (c *chatRecorder) DownloadVoice(ctx context.Context) (string, error) { return "", nil }
func (c *chatRecorder) MaxMessageLength() int                             { return 4096 }
func (c *chatRecorder) Name() string                                      { return "fake" }

func (c *chatRecorder) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1]
}

func (c *chatRecorder) all() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.replies, "\n")
}

var _ transport.Transport = (*chatRecorder)(nil)

// stubInvoker answers every agent call with a fixed line.
type stubInvoker struct{}

func (stubInvoker) Stream(ctx context.Context, opts agent.Options, fn func(agent.Event)) (*agent.Result, error) {
	return &agent.Result{Text: "stub answer"}, nil
}

type routerFixture struct {
	router   *CommandRouter
	registry *sessions.Registry
	store    *store.Store
	chat     *chatRecorder
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := sessions.NewRegistry(filepath.Join(t.TempDir(), "sessions.json"))
	cfg := &config.Config{}
	eng := engine.New(cfg, registry, st, stubInvoker{}, bus.New(), nil, logger)
	router := NewCommandRouter(cfg, registry, st, eng, nil, nil, "test", logger)
	return &routerFixture{router: router, registry: registry, store: st, chat: &chatRecorder{}}
}

func (f *routerFixture) send(t *testing.T, text string) string {
	t.Helper()
	f.router.Dispatch(context.Background(), f.chat, Inbound{
		ChatID: 700, MessageID: 1, UserID: 42, Username: "solo", Text: text,
	})
	return f.chat.last()
}

// --- session commands ---

// TestCommandNewAndSwitch drives the session lifecycle through the router.
func TestCommandNewAndSwitch(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/new work")
	if !strings.Contains(got, "Created session") {
		t.Fatalf("/new reply = %q", got)
	}
	if f.registry.ActiveName() != "work" {
		t.Errorf("active = %q, want work", f.registry.ActiveName())
	}

	got = f.send(t, "/new work")
	if !strings.Contains(got, "already exists") {
		t.Errorf("duplicate /new reply = %q", got)
	}

	f.send(t, "/new play")
	got = f.send(t, "/switch work")
	if !strings.Contains(got, `"work"`) {
		t.Errorf("/switch reply = %q", got)
	}

	got = f.send(t, "/switch nonesuch")
	if !strings.Contains(got, "No session named") {
		t.Errorf("/switch missing reply = %q", got)
	}

	got = f.send(t, "/sessions")
	if !strings.Contains(got, "work") || !strings.Contains(got, "play") {
		t.Errorf("/sessions reply = %q", got)
	}
}

// TestCommandNewRejectsBadNames verifies name validation.
func TestCommandNewRejectsBadNames(t *testing.T) {
	f := newRouterFixture(t)
	got := f.send(t, "/new bad name!")
	if !strings.Contains(got, "letters, digits") {
		t.Errorf("reply = %q", got)
	}
}

// TestCommandRenameAndDelete covers the rest of the lifecycle.
func TestCommandRenameAndDelete(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "/new alpha")

	got := f.send(t, "/rename alpha beta")
	if !strings.Contains(got, "Renamed") {
		t.Fatalf("/rename reply = %q", got)
	}
	if _, ok := f.registry.Get("beta"); !ok {
		t.Error("beta missing after rename")
	}

	got = f.send(t, "/delete beta")
	if !strings.Contains(got, "Deleted session") {
		t.Errorf("/delete reply = %q", got)
	}
	if _, ok := f.registry.Get("beta"); ok {
		t.Error("beta survived /delete")
	}
}

// --- tuning commands ---

// TestCommandTuning checks each per-session knob lands on the session.
func TestCommandTuning(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "/new lab")

	f.send(t, "/stream on")
	f.send(t, "/permissions acceptEdits")
	f.send(t, "/model opus")
	f.send(t, "/effort high")
	f.send(t, "/think on 2048")
	f.send(t, "/autonomous budget 5")
	f.send(t, "/autonomous turns 12")

	s, _ := f.registry.Get("lab")
	if s == nil {
		t.Fatal("session lab missing")
	}
	if !s.Streaming {
		t.Error("Streaming = false after /stream on")
	}
	if s.PermissionMode != sessions.PermissionAcceptEdits {
		t.Errorf("PermissionMode = %q", s.PermissionMode)
	}
	if s.ModelID != "opus" {
		t.Errorf("ModelID = %q", s.ModelID)
	}
	if s.EffortLevel != sessions.EffortHigh {
		t.Errorf("EffortLevel = %q", s.EffortLevel)
	}
	if s.ThinkingMode != sessions.ThinkingEnabled || s.ThinkingBudgetTokens != 2048 {
		t.Errorf("thinking = %q/%d", s.ThinkingMode, s.ThinkingBudgetTokens)
	}
	if s.MaxBudgetUSD != 5 {
		t.Errorf("MaxBudgetUSD = %v", s.MaxBudgetUSD)
	}
	if s.MaxTurns != 12 {
		t.Errorf("MaxTurns = %d", s.MaxTurns)
	}
}

// TestCommandTuningRejectsBadValues checks validation messages.
func TestCommandTuningRejectsBadValues(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "/new lab")

	got := f.send(t, "/permissions root")
	if !strings.Contains(got, "Permission modes") {
		t.Errorf("/permissions root reply = %q", got)
	}
	got = f.send(t, "/effort extreme")
	if !strings.Contains(got, "Effort levels") {
		t.Errorf("/effort extreme reply = %q", got)
	}
	got = f.send(t, "/autonomous budget lots")
	if !strings.Contains(got, "dollar amount") {
		t.Errorf("/autonomous budget lots reply = %q", got)
	}
}

// --- memory commands ---

// TestCommandMemoryRoundTrip stores, lists and deletes a memory.
func TestCommandMemoryRoundTrip(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/memory set prefs tz UTC please")
	if !strings.Contains(got, "Remembered prefs/tz") {
		t.Fatalf("set reply = %q", got)
	}

	got = f.send(t, "/memory list")
	if !strings.Contains(got, "[prefs] tz: UTC please") {
		t.Errorf("list reply = %q", got)
	}

	got = f.send(t, "/memory get prefs tz")
	if !strings.Contains(got, "UTC please") {
		t.Errorf("get reply = %q", got)
	}

	got = f.send(t, "/memory delete prefs tz")
	if !strings.Contains(got, "Forgot prefs/tz") {
		t.Errorf("delete reply = %q", got)
	}
	got = f.send(t, "/memory delete prefs tz")
	if !strings.Contains(got, "No memory prefs/tz") {
		t.Errorf("second delete reply = %q", got)
	}
}

// --- persona commands ---

// TestCommandPersonaLifecycle creates a persona, makes it default, inspects it.
func TestCommandPersonaLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/mcp")
	if !strings.Contains(got, "No default persona") {
		t.Errorf("/mcp without default = %q", got)
	}

	f.send(t, "/persona create researcher deep dives")
	f.send(t, "/persona default researcher")
	f.send(t, "/persona mcp researcher github, linear")
	f.send(t, "/persona skills researcher research summarize")

	got = f.send(t, "/mcp")
	if !strings.Contains(got, "github") || !strings.Contains(got, "linear") {
		t.Errorf("/mcp reply = %q", got)
	}
	got = f.send(t, "/skills")
	if !strings.Contains(got, "research") || !strings.Contains(got, "summarize") {
		t.Errorf("/skills reply = %q", got)
	}

	got = f.send(t, "/persona info researcher")
	if !strings.Contains(got, "(default)") || !strings.Contains(got, "deep dives") {
		t.Errorf("/persona info reply = %q", got)
	}

	got = f.send(t, "/persona delete researcher")
	if !strings.Contains(got, "deleted") {
		t.Errorf("/persona delete reply = %q", got)
	}
}

// --- cron commands ---

// TestParseCronAdd covers the two expression shapes and the error paths.
func TestParseCronAdd(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantExpr   string
		wantPrompt string
		wantErr    bool
	}{
		{
			name:       "macro",
			args:       []string{"digest", "@daily", "Summarize", "my", "inbox"},
			wantExpr:   "@daily",
			wantPrompt: "Summarize my inbox",
		},
		{
			name:       "five fields",
			args:       []string{"standup", "0", "9", "*", "*", "1-5", "Post", "the", "standup"},
			wantExpr:   "0 9 * * 1-5",
			wantPrompt: "Post the standup",
		},
		{name: "too few args", args: []string{"digest", "@daily"}, wantErr: true},
		{name: "five fields without prompt", args: []string{"x", "0", "9", "*", "*", "1"}, wantErr: true},
		{name: "empty", args: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, expr, prompt, err := parseCronAdd(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseCronAdd(%v) err = nil", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCronAdd(%v): %v", tt.args, err)
			}
			if expr != tt.wantExpr || prompt != tt.wantPrompt {
				t.Errorf("parseCronAdd(%v) = %q/%q, want %q/%q", tt.args, expr, prompt, tt.wantExpr, tt.wantPrompt)
			}
		})
	}
}

// TestCommandCronLifecycle schedules, lists, disables and removes a job.
func TestCommandCronLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/cron add digest @daily Summarize my inbox")
	if !strings.Contains(got, "scheduled") {
		t.Fatalf("add reply = %q", got)
	}

	got = f.send(t, "/cron add broken 61 * * * * nope")
	if !strings.Contains(got, "not a valid cron expression") {
		t.Errorf("invalid expr reply = %q", got)
	}

	got = f.send(t, "/cron list")
	if !strings.Contains(got, "digest") || !strings.Contains(got, "@daily") {
		t.Errorf("list reply = %q", got)
	}

	got = f.send(t, "/cron disable digest")
	if !strings.Contains(got, "disabled") {
		t.Errorf("disable reply = %q", got)
	}

	jobs, err := f.store.ListCronJobs(context.Background(), true)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("enabled jobs = %d, want 0", len(jobs))
	}

	got = f.send(t, "/cron rm digest")
	if !strings.Contains(got, "deleted") {
		t.Errorf("rm reply = %q", got)
	}
}

// --- heartbeat commands ---

// TestCommandHeartbeat adds a check and sees it in the status view.
func TestCommandHeartbeat(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/heartbeat add disks Alert if any disk is over 90% full")
	if !strings.Contains(got, `"disks"`) {
		t.Fatalf("add reply = %q", got)
	}

	got = f.send(t, "/heartbeat")
	if !strings.Contains(got, "disks") {
		t.Errorf("status reply = %q", got)
	}

	got = f.send(t, "/heartbeat rm disks")
	if !strings.Contains(got, "deleted") {
		t.Errorf("rm reply = %q", got)
	}
}

// --- monitor commands ---

// TestCommandMonitorTree builds topic → entity → resource through chat.
func TestCommandMonitorTree(t *testing.T) {
	f := newRouterFixture(t)

	f.send(t, "/monitor topic add rivals the competition")
	got := f.send(t, "/monitor topic list")
	if !strings.Contains(got, "rivals") {
		t.Fatalf("topic list = %q", got)
	}

	got = f.send(t, "/monitor entity add rivals Acme https://acme.test company")
	if !strings.Contains(got, "Acme") {
		t.Fatalf("entity add = %q", got)
	}

	entities, err := f.store.ListEntities(context.Background(), 0)
	if err != nil || len(entities) != 1 {
		t.Fatalf("ListEntities = %v, %v", entities, err)
	}
	entityID := entities[0].ID

	got = f.send(t, "/monitor resource add "+strconv.FormatInt(entityID, 10)+" blog https://acme.test/blog blog")
	if !strings.Contains(got, "tracked") {
		t.Fatalf("resource add = %q", got)
	}

	got = f.send(t, "/monitor resource list rivals")
	if !strings.Contains(got, "blog") || !strings.Contains(got, "never checked") {
		t.Errorf("resource list = %q", got)
	}

	got = f.send(t, "/monitor entity add rivals Bad https://bad.test robot")
	if !strings.Contains(got, "Entity types") {
		t.Errorf("bad entity type reply = %q", got)
	}
}

// TestCommandMonitorSubscribe binds the chat to a topic's digests.
func TestCommandMonitorSubscribe(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "/monitor topic add rivals")

	got := f.send(t, "/monitor subscribe rivals")
	if !strings.Contains(got, "digests") {
		t.Fatalf("subscribe reply = %q", got)
	}

	subs, err := f.store.ListSubscribers(context.Background(), true)
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(subs))
	}
	if subs[0].ChannelType != store.ChannelTelegram || subs[0].ChannelConfig != "700" {
		t.Errorf("subscriber = %q/%q", subs[0].ChannelType, subs[0].ChannelConfig)
	}
}

// TestCommandMonitorCheckUnavailable reports when no monitor engine is wired.
func TestCommandMonitorCheckUnavailable(t *testing.T) {
	f := newRouterFixture(t)
	got := f.send(t, "/monitor check")
	if !strings.Contains(got, "not available") {
		t.Errorf("reply = %q", got)
	}
}

// --- dashboard commands ---

// TestCommandDashboardTokens mints, lists and revokes an API token.
func TestCommandDashboardTokens(t *testing.T) {
	f := newRouterFixture(t)

	got := f.send(t, "/dashboard add laptop")
	if !strings.Contains(got, "Shown once") {
		t.Fatalf("add reply = %q", got)
	}
	lines := strings.Split(got, "\n")
	raw := lines[len(lines)-1]
	if len(raw) != 64 {
		t.Fatalf("raw token length = %d, want 64 hex chars", len(raw))
	}

	tok, err := f.store.VerifyDashboardToken(context.Background(), raw)
	if err != nil || tok.Name != "laptop" {
		t.Fatalf("VerifyDashboardToken = %v, %v", tok, err)
	}

	got = f.send(t, "/dashboard")
	if !strings.Contains(got, "laptop") || !strings.Contains(got, raw[:8]) {
		t.Errorf("list reply = %q", got)
	}

	got = f.send(t, "/dashboard revoke laptop")
	if !strings.Contains(got, "revoked") {
		t.Errorf("revoke reply = %q", got)
	}
	if _, err := f.store.VerifyDashboardToken(context.Background(), raw); err == nil {
		t.Error("token verified after revoke")
	}
}

// --- dispatch ---

// TestDispatchPlainTextRunsTurn routes non-commands to the agent.
func TestDispatchPlainTextRunsTurn(t *testing.T) {
	f := newRouterFixture(t)

	f.send(t, "hello there")

	if f.registry.ActiveName() != "default" {
		t.Errorf("active = %q, want default", f.registry.ActiveName())
	}
	if !strings.Contains(f.chat.all(), "stub answer") {
		t.Errorf("replies = %q, want agent answer", f.chat.all())
	}
}

// TestDispatchUnknownCommand nudges toward /help.
func TestDispatchUnknownCommand(t *testing.T) {
	f := newRouterFixture(t)
	got := f.send(t, "/bogus")
	if !strings.Contains(got, "Unknown command /bogus") {
		t.Errorf("reply = %q", got)
	}
}

// TestDispatchStripsBotSuffix handles /cmd@botname from group clients.
func TestDispatchStripsBotSuffix(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "/new@megobari_bot work")
	if f.registry.ActiveName() != "work" {
		t.Errorf("active = %q, want work", f.registry.ActiveName())
	}
}

// TestValidSessionName rejects shell-hostile names.
func TestValidSessionName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"work", true},
		{"work-2", true},
		{"a_b", true},
		{"", false},
		{"two words", false},
		{"emoji🚀", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		if got := validSessionName(tt.name); got != tt.want {
			t.Errorf("validSessionName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

