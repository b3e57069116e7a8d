package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

type engineFixture struct {
	engine   *Engine
	registry *sessions.Registry
	store    *store.Store
	bus      *bus.Bus
	invoker  *fakeInvoker
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	st := openTestStore(t)
	registry := sessions.NewRegistry(filepath.Join(t.TempDir(), "sessions.json"))
	if _, err := registry.Create("work", ""); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	inv := &fakeInvoker{}
	b := bus.New()
	eng := New(&config.Config{}, registry, st, inv, b, nil, discardLogger())
	return &engineFixture{engine: eng, registry: registry, store: st, bus: b, invoker: inv}
}

// TestProcessTurnBatchedDelivery runs a full batched turn and checks the
// visible sequence: reaction, status message, reply, tool summary, and the
// persisted paper trail.
func TestProcessTurnBatchedDelivery(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()
	ctx := context.Background()

	events := fx.bus.Subscribe()
	defer fx.bus.Unsubscribe(events)

	fx.invoker.events = []agent.Event{
		{Type: agent.EventToolUse, Tool: &agent.ToolUse{Name: "Read", Input: map[string]any{"file_path": "/tmp/a.go"}}},
		{Type: agent.EventText, Text: "ignored while batched"},
	}
	fx.invoker.result = &agent.Result{Text: "The answer.", ThreadID: "thread-1", CostUSD: 0.25, NumTurns: 2}

	fx.engine.ProcessTurn(ctx, "work", "what is up?", "42", tp)

	reactions := tp.reactionList()
	if len(reactions) != 2 || reactions[0] != "⏳" || reactions[1] != "" {
		t.Errorf("reactions = %v, want set then clear", reactions)
	}

	if msgs := tp.messageTexts(); len(msgs) != 1 || msgs[0] != "Reading a.go…" {
		t.Errorf("status messages = %v", msgs)
	}
	if len(tp.deletes) != 1 {
		t.Errorf("status message not cleared, deletes = %v", tp.deletes)
	}

	replies := tp.replyTexts()
	if len(replies) != 2 || replies[0] != "The answer." {
		t.Fatalf("replies = %v", replies)
	}
	if !strings.Contains(replies[1], "1 tool call") || !strings.Contains(replies[1], "**Read**: a.go") {
		t.Errorf("tool summary = %q", replies[1])
	}

	if session, _ := fx.registry.Get("work"); session.AgentThreadID != "thread-1" {
		t.Errorf("AgentThreadID = %q, want thread-1", session.AgentThreadID)
	}
	if agg, ok := fx.engine.Usage().Session("work"); !ok || agg.CostUSD != 0.25 {
		t.Errorf("usage = %+v", agg)
	}

	msgs, err := fx.store.SessionMessages(ctx, "work", 10)
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "what is up?" || msgs[1].Content != "The answer." {
		t.Errorf("logged messages = %+v", msgs)
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}

	got := make([]protocol.MessageEvent, 0, 2)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("bus delivered %d events, want 2", len(got))
		}
	}
	if got[0].Role != store.RoleUser || got[1].Role != store.RoleAssistant {
		t.Errorf("bus roles = %q, %q", got[0].Role, got[1].Role)
	}

	call := fx.invoker.lastCall()
	if call.Prompt != "what is up?" {
		t.Errorf("prompt = %q", call.Prompt)
	}
	if !strings.Contains(call.SystemPrompt, "personal chat bridge") {
		t.Errorf("system prompt missing base text: %q", call.SystemPrompt)
	}
}

// TestProcessTurnStreamingDelivery verifies the placeholder-edit flow of a
// streaming session.
func TestProcessTurnStreamingDelivery(t *testing.T) {
	fx := newEngineFixture(t)
	fx.registry.SetStreaming("work", true)
	tp := newFakeTransport()

	fx.invoker.events = []agent.Event{{Type: agent.EventText, Text: "Hi there."}}
	fx.invoker.result = &agent.Result{Text: "Hi there."}

	fx.engine.ProcessTurn(context.Background(), "work", "hello", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || replies[0] != streamPlaceholder {
		t.Fatalf("replies = %v, want only the placeholder", replies)
	}
	if len(tp.editOrder) == 0 {
		t.Fatal("no edits recorded")
	}
	final := tp.editOrder[len(tp.editOrder)-1]
	if final.text != "Hi there." || !final.formatted {
		t.Errorf("final edit = %+v", final)
	}
}

// TestProcessTurnBusySession rejects a second turn while one is running.
func TestProcessTurnBusySession(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()

	fx.engine.Busy().TryAcquire("work")
	defer fx.engine.Busy().Release("work")

	fx.engine.ProcessTurn(context.Background(), "work", "hello", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || !strings.Contains(replies[0], "Session is busy") {
		t.Errorf("replies = %v", replies)
	}
	if fx.invoker.callCount() != 0 {
		t.Errorf("agent invoked on a busy session")
	}
}

// TestProcessTurnUnknownSession points the user at /new and /switch.
func TestProcessTurnUnknownSession(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()

	fx.engine.ProcessTurn(context.Background(), "ghost", "hello", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || !strings.Contains(replies[0], "no longer exists") {
		t.Errorf("replies = %v", replies)
	}
	if fx.invoker.callCount() != 0 {
		t.Errorf("agent invoked for a missing session")
	}
}

// TestProcessTurnBudgetCap refuses to start once spend passes the cap.
func TestProcessTurnBudgetCap(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()

	fx.registry.SetMaxBudget("work", 0.25)
	fx.engine.Usage().Add("work", &agent.Result{CostUSD: 0.50})

	fx.engine.ProcessTurn(context.Background(), "work", "hello", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || !strings.Contains(replies[0], "Budget cap reached") {
		t.Errorf("replies = %v", replies)
	}
	if fx.invoker.callCount() != 0 {
		t.Errorf("agent invoked past the budget cap")
	}
}

// TestProcessTurnActionsExecuted verifies action blocks are stripped from
// the reply and failures surface as warning messages.
func TestProcessTurnActionsExecuted(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()

	fx.invoker.result = &agent.Result{
		Text: "Here you go.\n```megobari\n{\"action\": \"send_file\", \"path\": \"/nonexistent/gone.txt\"}\n```",
	}

	fx.engine.ProcessTurn(context.Background(), "work", "send it", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || replies[0] != "Here you go." {
		t.Errorf("replies = %v", replies)
	}

	msgs := tp.messageTexts()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], warningSigil+" send_file:") {
		t.Errorf("warnings = %v", msgs)
	}
}

// flakyInvoker fails its first call to simulate a stale agent thread.
type flakyInvoker struct {
	mu    sync.Mutex
	calls []agent.Options
}

func (f *flakyInvoker) Stream(ctx context.Context, opts agent.Options, fn func(agent.Event)) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if len(f.calls) == 1 {
		return nil, errors.New("no conversation found with the given session id")
	}
	return &agent.Result{Text: "recovered", ThreadID: "t-2"}, nil
}

// TestProcessTurnRetriesWithoutThread verifies a failed resume is retried
// once from scratch.
func TestProcessTurnRetriesWithoutThread(t *testing.T) {
	st := openTestStore(t)
	registry := sessions.NewRegistry(filepath.Join(t.TempDir(), "sessions.json"))
	if _, err := registry.Create("work", ""); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	registry.SetAgentThread("work", "t-1")

	inv := &flakyInvoker{}
	eng := New(&config.Config{}, registry, st, inv, bus.New(), nil, discardLogger())
	tp := newFakeTransport()

	eng.ProcessTurn(context.Background(), "work", "hello", "42", tp)

	inv.mu.Lock()
	calls := append([]agent.Options(nil), inv.calls...)
	inv.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("got %d agent calls, want 2", len(calls))
	}
	if calls[0].ThreadID != "t-1" {
		t.Errorf("first call ThreadID = %q, want t-1", calls[0].ThreadID)
	}
	if calls[1].ThreadID != "" {
		t.Errorf("retry ThreadID = %q, want empty", calls[1].ThreadID)
	}

	replies := tp.replyTexts()
	if len(replies) != 1 || replies[0] != "recovered" {
		t.Errorf("replies = %v", replies)
	}
	if session, _ := registry.Get("work"); session.AgentThreadID != "t-2" {
		t.Errorf("AgentThreadID = %q, want t-2", session.AgentThreadID)
	}
}

// TestProcessTurnAgentError verifies a hard failure reports itself without
// leaving stray status messages behind.
func TestProcessTurnAgentError(t *testing.T) {
	fx := newEngineFixture(t)
	tp := newFakeTransport()

	fx.invoker.err = errors.New("spawn failed")

	fx.engine.ProcessTurn(context.Background(), "work", "hello", "42", tp)

	replies := tp.replyTexts()
	if len(replies) != 1 || !strings.Contains(replies[0], "Agent error: spawn failed") {
		t.Errorf("replies = %v", replies)
	}
	if fx.engine.Busy().Busy("work") {
		t.Error("session left busy after a failed turn")
	}
}

// TestComposeSystemPrompt folds session knobs and recall context into the
// final prompt.
func TestComposeSystemPrompt(t *testing.T) {
	session := &sessions.Session{
		ExtraDirs:   []string{"/data", "/logs"},
		EffortLevel: sessions.EffortHigh,
	}
	recall := RecallResult{Context: "Stored memories:\n- [prefs] tz: UTC"}

	got := composeSystemPrompt(session, recall)
	for _, want := range []string{
		"personal chat bridge",
		"Additional directories you may access: /data, /logs",
		"Work at high effort for this conversation.",
		"Stored memories:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}

	bare := composeSystemPrompt(&sessions.Session{}, RecallResult{})
	if strings.Contains(bare, "Additional directories") || strings.Contains(bare, "effort for this conversation") {
		t.Errorf("bare prompt carries optional notes: %q", bare)
	}
}
