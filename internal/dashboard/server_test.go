package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/monitor"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

type fixture struct {
	ts       *httptest.Server
	srv      *Server
	st       *store.Store
	registry *sessions.Registry
	bus      *bus.Bus
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{Home: t.TempDir()}
	registry := sessions.NewRegistry("")
	b := bus.New()
	srv := New(cfg, st, registry, engine.NewUsageTracker(), b, "test", logger)

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, srv: srv, st: st, registry: registry, bus: b, cfg: cfg}
}

func (f *fixture) addToken(t *testing.T, name, raw string) {
	t.Helper()
	if _, err := f.st.CreateDashboardToken(context.Background(), name, raw); err != nil {
		t.Fatalf("CreateDashboardToken: %v", err)
	}
}

// get performs a GET with an optional bearer token and returns the response.
func (f *fixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

// TestBearerAuth exercises the three auth outcomes on a protected endpoint.
func TestBearerAuth(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")

	resp := f.get(t, "/api/messages/recent", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized request: status = %d, want 200", resp.StatusCode)
	}
	msgs := decodeBody[[]protocol.MessageEvent](t, resp)
	if msgs == nil {
		t.Error("expected a JSON array, got null")
	}

	if resp := f.get(t, "/api/messages/recent", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	if resp := f.get(t, "/api/messages/recent", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d, want 401", resp.StatusCode)
	}
}

func TestDisabledTokenRejected(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	if _, err := f.st.SetDashboardTokenEnabled(context.Background(), "t1", false); err != nil {
		t.Fatalf("SetDashboardTokenEnabled: %v", err)
	}
	if resp := f.get(t, "/api/health", "test-token"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("disabled token: status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")

	resp := f.get(t, "/api/health", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version field = %v, want test", body["version"])
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	if _, err := f.registry.Create("work", "/tmp/work"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := f.get(t, "/api/sessions", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var listing struct {
		Active   string              `json:"active"`
		Sessions []*sessions.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Active != "work" {
		t.Errorf("active = %q, want work", listing.Active)
	}
	if len(listing.Sessions) != 1 || listing.Sessions[0].Name != "work" {
		t.Errorf("sessions = %+v, want one session named work", listing.Sessions)
	}

	resp = f.get(t, "/api/sessions/work", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/sessions/work: status = %d, want 200", resp.StatusCode)
	}
	sess := decodeBody[sessions.Session](t, resp)
	if sess.WorkingDir != "/tmp/work" {
		t.Errorf("working_dir = %q, want /tmp/work", sess.WorkingDir)
	}

	if resp := f.get(t, "/api/sessions/ghost", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}
}

func TestLimitValidation(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")

	for _, bad := range []string{"0", "-3", "1001", "abc"} {
		resp := f.get(t, "/api/messages/recent?limit="+bad, "test-token")
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("limit=%s: status = %d, want 422", bad, resp.StatusCode)
		}
	}
	if resp := f.get(t, "/api/messages/recent?limit=5", "test-token"); resp.StatusCode != http.StatusOK {
		t.Errorf("limit=5: status = %d, want 200", resp.StatusCode)
	}
}

// TestSessionMessages checks that history outlives registry deletion and
// that a name known to neither registry nor store is a 404.
func TestSessionMessages(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	ctx := context.Background()

	if _, err := f.st.LogMessage(ctx, "old-project", store.RoleUser, "remember this", "42"); err != nil {
		t.Fatalf("LogMessage: %v", err)
	}

	resp := f.get(t, "/api/messages/old-project", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deleted session with history: status = %d, want 200", resp.StatusCode)
	}
	msgs := decodeBody[[]protocol.MessageEvent](t, resp)
	if len(msgs) != 1 || msgs[0].Content != "remember this" {
		t.Errorf("messages = %+v, want the logged message", msgs)
	}

	if resp := f.get(t, "/api/messages/ghost", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}

	// A registered but quiet session answers with an empty array, not 404.
	f.registry.Ensure("quiet", "")
	resp = f.get(t, "/api/messages/quiet", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quiet session: status = %d, want 200", resp.StatusCode)
	}
	if msgs := decodeBody[[]protocol.MessageEvent](t, resp); len(msgs) != 0 {
		t.Errorf("quiet session returned %d messages, want 0", len(msgs))
	}
}

func TestUsageEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	f.registry.Ensure("work", "")

	rec := &store.UsageRecord{SessionName: "work", CostUSD: 0.25, NumTurns: 3, InputTokens: 100, OutputTokens: 50}
	if err := f.st.InsertUsage(context.Background(), rec); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	resp := f.get(t, "/api/usage", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/usage: status = %d, want 200", resp.StatusCode)
	}
	var usage struct {
		Lifetime store.UsageTotal `json:"lifetime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if usage.Lifetime.Records != 1 || usage.Lifetime.TotalCostUSD != 0.25 {
		t.Errorf("lifetime = %+v, want 1 record at $0.25", usage.Lifetime)
	}

	resp = f.get(t, "/api/usage/records", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/usage/records: status = %d, want 200", resp.StatusCode)
	}
	if recs := decodeBody[[]store.UsageRecord](t, resp); len(recs) != 1 {
		t.Errorf("got %d usage records, want 1", len(recs))
	}

	resp = f.get(t, "/api/usage/work", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/usage/work: status = %d, want 200", resp.StatusCode)
	}
	if resp := f.get(t, "/api/usage/ghost", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session usage: status = %d, want 404", resp.StatusCode)
	}
}

func TestPersonaEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	ctx := context.Background()

	p := &store.Persona{Name: "coach", SystemPrompt: "You are a running coach."}
	if err := f.st.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}

	resp := f.get(t, "/api/personas", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/personas: status = %d, want 200", resp.StatusCode)
	}
	if ps := decodeBody[[]store.Persona](t, resp); len(ps) != 1 || ps[0].Name != "coach" {
		t.Errorf("personas = %+v, want [coach]", ps)
	}

	resp = f.get(t, "/api/personas/coach", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/personas/coach: status = %d, want 200", resp.StatusCode)
	}
	if resp := f.get(t, "/api/personas/ghost", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown persona: status = %d, want 404", resp.StatusCode)
	}
}

func seedMonitor(t *testing.T, st *store.Store) (*store.Topic, *store.Resource) {
	t.Helper()
	ctx := context.Background()
	topic := &store.Topic{Name: "ai-tools"}
	if err := st.CreateTopic(ctx, topic); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	entity := &store.Entity{TopicID: topic.ID, Name: "Acme", EntityType: store.EntityCompany}
	if err := st.CreateEntity(ctx, entity); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	res := &store.Resource{EntityID: entity.ID, Name: "acme pricing", URL: "https://acme.dev/pricing", ResourceType: store.ResourcePricing, Enabled: true}
	if err := st.CreateResource(ctx, res); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	return topic, res
}

func TestMonitorEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	ctx := context.Background()
	topic, res := seedMonitor(t, f.st)

	snap := &store.Snapshot{ResourceID: res.ID, ContentHash: "abc", ContentMarkdown: "# Pricing", HasChanges: true, FetchedAt: time.Now().UTC()}
	if err := f.st.InsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	d := &store.Digest{ResourceID: res.ID, SnapshotID: snap.ID, Summary: "New tier added.", ChangeType: store.ChangePriceChange, CreatedAt: time.Now().UTC()}
	if err := f.st.InsertDigest(ctx, d); err != nil {
		t.Fatalf("InsertDigest: %v", err)
	}

	resp := f.get(t, "/api/monitor/topics", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/monitor/topics: status = %d, want 200", resp.StatusCode)
	}
	if topics := decodeBody[[]store.Topic](t, resp); len(topics) != 1 || topics[0].Name != "ai-tools" {
		t.Errorf("topics = %+v, want [ai-tools]", topics)
	}

	resp = f.get(t, fmt.Sprintf("/api/monitor/entities?topic_id=%d", topic.ID), "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/monitor/entities: status = %d, want 200", resp.StatusCode)
	}
	if ents := decodeBody[[]store.Entity](t, resp); len(ents) != 1 || ents[0].Name != "Acme" {
		t.Errorf("entities = %+v, want [Acme]", ents)
	}

	resp = f.get(t, "/api/monitor/resources", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/monitor/resources: status = %d, want 200", resp.StatusCode)
	}
	if rs := decodeBody[[]store.Resource](t, resp); len(rs) != 1 {
		t.Errorf("got %d resources, want 1", len(rs))
	}

	resp = f.get(t, "/api/monitor/digests", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/monitor/digests: status = %d, want 200", resp.StatusCode)
	}
	views := decodeBody[[]digestView](t, resp)
	if len(views) != 1 {
		t.Fatalf("got %d digests, want 1", len(views))
	}
	if views[0].ResourceName != "acme pricing" || views[0].EntityName != "Acme" {
		t.Errorf("digest names = %q/%q, want acme pricing/Acme", views[0].ResourceName, views[0].EntityName)
	}
}

func TestReportEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "test-token")
	seedMonitor(t, f.st)

	if resp := f.get(t, "/api/monitor/report?topic=ghost", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown topic: status = %d, want 404", resp.StatusCode)
	}
	if resp := f.get(t, "/api/monitor/report?topic=ai-tools", "test-token"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing report file: status = %d, want 404", resp.StatusCode)
	}

	path := monitor.ReportFile(f.cfg.ReportsDir(), "ai-tools")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("# ai-tools — Competitive Report\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	resp := f.get(t, "/api/monitor/report?topic=ai-tools", "test-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Competitive Report") {
		t.Errorf("body = %q, want the saved report", body)
	}
}

// TestStreamFanOut connects a WebSocket subscriber, publishes on the bus and
// expects the event as a JSON text frame.
func TestStreamFanOut(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "stream-tok")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/messages?token=stream-tok"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the handshake; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent := protocol.MessageEvent{
		ID:          7,
		SessionName: "work",
		Role:        protocol.RoleAssistant,
		Content:     "done",
		CreatedAt:   time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	f.bus.Publish(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got protocol.MessageEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.ID != sent.ID || got.SessionName != sent.SessionName || got.Content != sent.Content {
		t.Errorf("event = %+v, want %+v", got, sent)
	}
}

// TestStreamRejectsBadToken expects close code 4001 after the upgrade.
func TestStreamRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	f.addToken(t, "t1", "stream-tok")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/messages?token=wrong"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("ReadMessage error = %v, want a close error", err)
	}
	if ce.Code != protocol.CloseUnauthorized {
		t.Errorf("close code = %d, want %d", ce.Code, protocol.CloseUnauthorized)
	}
}
