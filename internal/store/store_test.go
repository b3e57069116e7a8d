package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- messages ---

// TestLogMessageAndCounts verifies append, unsummarized counting and
// chronological retrieval.
func TestLogMessageAndCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.LogMessage(ctx, "work", RoleUser, "hello", "42")
	if err != nil {
		t.Fatalf("LogMessage: %v", err)
	}
	id2, err := s.LogMessage(ctx, "work", RoleAssistant, "hi there", "")
	if err != nil {
		t.Fatalf("LogMessage: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing ids, got %d then %d", id1, id2)
	}

	n, err := s.CountUnsummarized(ctx, "work")
	if err != nil {
		t.Fatalf("CountUnsummarized: %v", err)
	}
	if n != 2 {
		t.Errorf("CountUnsummarized = %d, want 2", n)
	}

	msgs, err := s.UnsummarizedMessages(ctx, "work")
	if err != nil {
		t.Fatalf("UnsummarizedMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d unsummarized messages, want 2", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Errorf("messages out of chronological order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].UserID != "42" {
		t.Errorf("UserID = %q, want %q", msgs[0].UserID, "42")
	}
	if msgs[1].UserID != "" {
		t.Errorf("UserID = %q, want empty", msgs[1].UserID)
	}

	recent, err := s.RecentMessages(ctx, 1)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != id2 {
		t.Errorf("RecentMessages(1) should return the newest message")
	}
}

// TestSearchMessages verifies substring search across sessions.
func TestSearchMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.LogMessage(ctx, "a", RoleUser, "deploy the staging cluster", "")
	s.LogMessage(ctx, "b", RoleAssistant, "cluster is green", "")
	s.LogMessage(ctx, "b", RoleUser, "unrelated note", "")

	hits, err := s.SearchMessages(ctx, "cluster", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

// --- summaries ---

// TestSaveSummaryMarksMessages verifies that inserting a summary and marking
// its covered messages happens atomically: afterwards nothing in the session
// is unsummarized and exactly one summary exists.
func TestSaveSummaryMarksMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.LogMessage(ctx, "work", RoleUser, "msg", "")
		if err != nil {
			t.Fatalf("LogMessage: %v", err)
		}
		ids = append(ids, id)
	}

	sum := &Summary{
		SessionName:  "work",
		FullSummary:  "Full summary.",
		ShortSummary: "Short extract",
		MessageCount: len(ids),
	}
	if err := s.SaveSummary(ctx, sum, ids); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	if sum.ID == 0 {
		t.Error("SaveSummary did not backfill the id")
	}

	n, err := s.CountUnsummarized(ctx, "work")
	if err != nil {
		t.Fatalf("CountUnsummarized: %v", err)
	}
	if n != 0 {
		t.Errorf("CountUnsummarized = %d after summary, want 0", n)
	}

	got, err := s.RecentSummaries(ctx, "work", 5)
	if err != nil {
		t.Fatalf("RecentSummaries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d summaries, want 1", len(got))
	}
	if got[0].ShortSummary != "Short extract" || got[0].FullSummary != "Full summary." {
		t.Errorf("summary round-trip mismatch: %+v", got[0])
	}
	if got[0].MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", got[0].MessageCount)
	}
}

// TestSummaryQueries verifies search and milestone filters.
func TestSummaryQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SaveSummary(ctx, &Summary{SessionName: "a", FullSummary: "shipped the widget", IsMilestone: true}, nil)
	s.SaveSummary(ctx, &Summary{SessionName: "a", FullSummary: "debugging continues"}, nil)
	s.SaveSummary(ctx, &Summary{SessionName: "b", FullSummary: "widget regression triage"}, nil)

	hits, err := s.SearchSummaries(ctx, "widget", 10)
	if err != nil {
		t.Fatalf("SearchSummaries: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("search got %d, want 2", len(hits))
	}

	ms, err := s.MilestoneSummaries(ctx, 10)
	if err != nil {
		t.Fatalf("MilestoneSummaries: %v", err)
	}
	if len(ms) != 1 || !ms[0].IsMilestone {
		t.Errorf("milestones got %d, want exactly the flagged one", len(ms))
	}

	bySession, err := s.ListSummaries(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("session filter got %d, want 2", len(bySession))
	}
}

// --- memories ---

// TestMemoryUpsertCycle verifies set, overwrite, get, list and delete.
func TestMemoryUpsertCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMemory(ctx, "u1", "prefs", "editor", "vim", nil); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}
	if err := s.UpsertMemory(ctx, "u1", "prefs", "editor", "helix", map[string]any{"source": "chat"}); err != nil {
		t.Fatalf("UpsertMemory overwrite: %v", err)
	}

	m, err := s.GetMemory(ctx, "u1", "prefs", "editor")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if m == nil {
		t.Fatal("GetMemory returned nil for existing key")
	}
	if m.Content != "helix" {
		t.Errorf("Content = %q, want %q (upsert should overwrite)", m.Content, "helix")
	}
	if m.Metadata["source"] != "chat" {
		t.Errorf("Metadata = %v, want source=chat", m.Metadata)
	}

	list, err := s.ListMemories(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d memories, want 1 (upsert must not duplicate)", len(list))
	}

	gone, err := s.DeleteMemory(ctx, "u1", "prefs", "editor")
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if !gone {
		t.Error("DeleteMemory = false, want true")
	}
	if m, _ := s.GetMemory(ctx, "u1", "prefs", "editor"); m != nil {
		t.Error("memory still present after delete")
	}
	if gone, _ := s.DeleteMemory(ctx, "u1", "prefs", "editor"); gone {
		t.Error("second delete reported true")
	}
}

// --- personas ---

// TestDefaultPersonaExclusive verifies the at-most-one-default invariant.
func TestDefaultPersonaExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreatePersona(ctx, &Persona{Name: "dev", SystemPrompt: "Be concise", IsDefault: true}); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	if err := s.CreatePersona(ctx, &Persona{Name: "writer", MCPServers: []string{"notion"}, SkillPriority: []string{"prose"}}); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}

	if err := s.SetDefaultPersona(ctx, "writer"); err != nil {
		t.Fatalf("SetDefaultPersona: %v", err)
	}

	all, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("ListPersonas: %v", err)
	}
	defaults := 0
	for _, p := range all {
		if p.IsDefault {
			defaults++
			if p.Name != "writer" {
				t.Errorf("default persona = %q, want writer", p.Name)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("found %d default personas, want exactly 1", defaults)
	}

	def, err := s.DefaultPersona(ctx)
	if err != nil {
		t.Fatalf("DefaultPersona: %v", err)
	}
	if def == nil || def.Name != "writer" {
		t.Fatalf("DefaultPersona = %+v, want writer", def)
	}
	if len(def.MCPServers) != 1 || def.MCPServers[0] != "notion" {
		t.Errorf("MCPServers round-trip failed: %v", def.MCPServers)
	}

	if err := s.SetDefaultPersona(ctx, "missing"); err == nil {
		t.Error("SetDefaultPersona on unknown name should fail")
	}
}

// --- usage ---

// TestUsageAggregates verifies per-session and whole-store sums.
func TestUsageAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []UsageRecord{
		{SessionName: "a", CostUSD: 0.5, NumTurns: 3, InputTokens: 100, OutputTokens: 50},
		{SessionName: "a", CostUSD: 0.25, NumTurns: 1, InputTokens: 40, OutputTokens: 20},
		{SessionName: "b", CostUSD: 1.0, NumTurns: 2, InputTokens: 10, OutputTokens: 5},
	}
	for i := range records {
		if err := s.InsertUsage(ctx, &records[i]); err != nil {
			t.Fatalf("InsertUsage: %v", err)
		}
	}

	tot, err := s.UsageTotals(ctx)
	if err != nil {
		t.Fatalf("UsageTotals: %v", err)
	}
	if tot.Records != 3 || tot.TotalTurns != 6 {
		t.Errorf("totals = %+v, want 3 records / 6 turns", tot)
	}
	if tot.TotalCostUSD < 1.74 || tot.TotalCostUSD > 1.76 {
		t.Errorf("TotalCostUSD = %v, want 1.75", tot.TotalCostUSD)
	}

	per, err := s.UsageBySession(ctx)
	if err != nil {
		t.Fatalf("UsageBySession: %v", err)
	}
	if len(per) != 2 {
		t.Fatalf("got %d session aggregates, want 2", len(per))
	}
	if per[0].SessionName != "b" {
		t.Errorf("highest spend first: got %q, want b", per[0].SessionName)
	}

	one, err := s.SessionUsage(ctx, "a")
	if err != nil {
		t.Fatalf("SessionUsage: %v", err)
	}
	if one.Records != 2 || one.InputTokens != 140 {
		t.Errorf("SessionUsage(a) = %+v", one)
	}
}

// --- scheduler tables ---

// TestCronJobLifecycle verifies create, unique name, toggle, run stamp, delete.
func TestCronJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &CronJob{Name: "standup", Expression: "0 9 * * 1-5", Prompt: "post standup", Isolated: true, Enabled: true}
	if err := s.CreateCronJob(ctx, job); err != nil {
		t.Fatalf("CreateCronJob: %v", err)
	}
	if err := s.CreateCronJob(ctx, &CronJob{Name: "standup", Expression: "* * * * *", Prompt: "x"}); err == nil {
		t.Error("duplicate cron name should fail")
	}

	got, err := s.GetCronJob(ctx, "standup")
	if err != nil {
		t.Fatalf("GetCronJob: %v", err)
	}
	if got == nil || !got.Isolated || got.Expression != "0 9 * * 1-5" {
		t.Fatalf("GetCronJob = %+v", got)
	}
	if !got.LastRunAt.IsZero() {
		t.Errorf("fresh job has LastRunAt = %v, want zero", got.LastRunAt)
	}

	ranAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := s.TouchCronJobRun(ctx, "standup", ranAt); err != nil {
		t.Fatalf("TouchCronJobRun: %v", err)
	}
	got, _ = s.GetCronJob(ctx, "standup")
	if !got.LastRunAt.Equal(ranAt) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, ranAt)
	}

	if ok, _ := s.SetCronJobEnabled(ctx, "standup", false); !ok {
		t.Error("SetCronJobEnabled reported missing job")
	}
	enabled, err := s.ListCronJobs(ctx, true)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled-only list got %d, want 0", len(enabled))
	}

	if ok, _ := s.DeleteCronJob(ctx, "standup"); !ok {
		t.Error("DeleteCronJob reported missing job")
	}
	if j, _ := s.GetCronJob(ctx, "standup"); j != nil {
		t.Error("job still present after delete")
	}
}

// TestHeartbeatChecks verifies CRUD over heartbeat conditions.
func TestHeartbeatChecks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateHeartbeatCheck(ctx, &HeartbeatCheck{Name: "disk", Prompt: "check disk space", Enabled: true}); err != nil {
		t.Fatalf("CreateHeartbeatCheck: %v", err)
	}
	if err := s.CreateHeartbeatCheck(ctx, &HeartbeatCheck{Name: "ci", Prompt: "check CI", Enabled: false}); err != nil {
		t.Fatalf("CreateHeartbeatCheck: %v", err)
	}

	enabled, err := s.ListHeartbeatChecks(ctx, true)
	if err != nil {
		t.Fatalf("ListHeartbeatChecks: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Name != "disk" {
		t.Errorf("enabled checks = %+v, want just disk", enabled)
	}

	if ok, _ := s.SetHeartbeatCheckEnabled(ctx, "ci", true); !ok {
		t.Error("SetHeartbeatCheckEnabled reported missing check")
	}
	all, _ := s.ListHeartbeatChecks(ctx, true)
	if len(all) != 2 {
		t.Errorf("after enable, got %d enabled checks, want 2", len(all))
	}

	if ok, _ := s.DeleteHeartbeatCheck(ctx, "disk"); !ok {
		t.Error("DeleteHeartbeatCheck reported missing check")
	}
}

// --- monitor tree ---

func seedResource(t *testing.T, s *Store, ctx context.Context) *Resource {
	t.Helper()
	topic := &Topic{Name: "ai-tools", Description: "AI developer tooling"}
	if err := s.CreateTopic(ctx, topic); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	entity := &Entity{TopicID: topic.ID, Name: "Acme", EntityType: EntityCompany}
	if err := s.CreateEntity(ctx, entity); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	res := &Resource{EntityID: entity.ID, Name: "acme blog", URL: "https://acme.dev/blog", ResourceType: ResourceBlog, Enabled: true}
	if err := s.CreateResource(ctx, res); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	return res
}

// TestTopicCascadeDelete verifies that deleting a topic removes its entities,
// resources and their snapshots.
func TestTopicCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := seedResource(t, s, ctx)
	if err := s.InsertSnapshot(ctx, &Snapshot{ResourceID: res.ID, ContentHash: "h", ContentMarkdown: "# v1"}); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	topics, _ := s.ListTopics(ctx)
	if len(topics) != 1 {
		t.Fatalf("got %d topics, want 1", len(topics))
	}
	if ok, err := s.DeleteTopic(ctx, topics[0].ID); err != nil || !ok {
		t.Fatalf("DeleteTopic: ok=%v err=%v", ok, err)
	}

	if ents, _ := s.ListEntities(ctx, 0); len(ents) != 0 {
		t.Errorf("entities survived cascade: %d", len(ents))
	}
	if ress, _ := s.ListResources(ctx, 0, 0); len(ress) != 0 {
		t.Errorf("resources survived cascade: %d", len(ress))
	}
	if n, _ := s.CountSnapshots(ctx, res.ID); n != 0 {
		t.Errorf("snapshots survived cascade: %d", n)
	}
}

// TestSnapshotLatestAndBaselinePass verifies latest-snapshot ordering and the
// baseline query that finds latest snapshots lacking a digest.
func TestSnapshotLatestAndBaselinePass(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := seedResource(t, s, ctx)

	first := &Snapshot{ResourceID: res.ID, ContentHash: "aaa", ContentMarkdown: "# v1", FetchedAt: time.Now().Add(-time.Hour)}
	second := &Snapshot{ResourceID: res.ID, ContentHash: "bbb", ContentMarkdown: "# v2", HasChanges: true}
	if err := s.InsertSnapshot(ctx, first); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := s.InsertSnapshot(ctx, second); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	latest, err := s.LatestSnapshot(ctx, res.ID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest.ContentHash != "bbb" {
		t.Errorf("LatestSnapshot hash = %q, want bbb", latest.ContentHash)
	}

	pending, err := s.LatestSnapshotsWithoutDigest(ctx, 0)
	if err != nil {
		t.Fatalf("LatestSnapshotsWithoutDigest: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("baseline pass should see the latest snapshot, got %+v", pending)
	}

	if err := s.InsertDigest(ctx, &Digest{ResourceID: res.ID, SnapshotID: second.ID, Summary: "initial state", ChangeType: ChangeBaseline}); err != nil {
		t.Fatalf("InsertDigest: %v", err)
	}
	pending, _ = s.LatestSnapshotsWithoutDigest(ctx, 0)
	if len(pending) != 0 {
		t.Errorf("after digest, baseline pass should be empty, got %d", len(pending))
	}

	d, err := s.LatestDigestForResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("LatestDigestForResource: %v", err)
	}
	if d == nil || d.ChangeType != ChangeBaseline {
		t.Errorf("LatestDigestForResource = %+v", d)
	}
}

// TestResourceTouch verifies the checked/changed timestamp rules.
func TestResourceTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := seedResource(t, s, ctx)
	at := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	if err := s.TouchResourceChecked(ctx, res.ID, at, false); err != nil {
		t.Fatalf("TouchResourceChecked: %v", err)
	}
	got, _ := s.GetResource(ctx, res.ID)
	if !got.LastCheckedAt.Equal(at) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, at)
	}
	if !got.LastChangedAt.IsZero() {
		t.Errorf("LastChangedAt set on unchanged check: %v", got.LastChangedAt)
	}

	later := at.Add(time.Hour)
	if err := s.TouchResourceChecked(ctx, res.ID, later, true); err != nil {
		t.Fatalf("TouchResourceChecked: %v", err)
	}
	got, _ = s.GetResource(ctx, res.ID)
	if !got.LastChangedAt.Equal(later) {
		t.Errorf("LastChangedAt = %v, want %v", got.LastChangedAt, later)
	}
}

// TestSubscribers verifies scoped subscriber listing.
func TestSubscribers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := seedResource(t, s, ctx)
	ent, _ := s.GetEntity(ctx, res.EntityID)

	if err := s.CreateSubscriber(ctx, &Subscriber{ChannelType: ChannelTelegram, ChannelConfig: `{"chat_id":7}`, TopicID: ent.TopicID, Enabled: true}); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	if err := s.CreateSubscriber(ctx, &Subscriber{ChannelType: ChannelSlack, ChannelConfig: `{"webhook_url":"https://hooks.example"}`, TopicID: ent.TopicID, Enabled: false}); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}

	subs, err := s.TopicSubscribers(ctx, ent.TopicID)
	if err != nil {
		t.Fatalf("TopicSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].ChannelType != ChannelTelegram {
		t.Errorf("TopicSubscribers = %+v, want only the enabled telegram one", subs)
	}

	all, _ := s.ListSubscribers(ctx, false)
	if len(all) != 2 {
		t.Errorf("ListSubscribers(all) = %d, want 2", len(all))
	}
}

// --- dashboard tokens ---

// TestDashboardTokenVerify verifies the hash-and-lookup contract: a raw token
// verifies iff its SHA-256 matches an enabled row, and verification stamps
// last_used_at.
func TestDashboardTokenVerify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateDashboardToken(ctx, "t1", "test-token")
	if err != nil {
		t.Fatalf("CreateDashboardToken: %v", err)
	}
	if created.TokenPrefix != "test-tok" {
		t.Errorf("TokenPrefix = %q, want first 8 chars", created.TokenPrefix)
	}

	got, err := s.VerifyDashboardToken(ctx, "test-token")
	if err != nil {
		t.Fatalf("VerifyDashboardToken: %v", err)
	}
	if got == nil || got.Name != "t1" {
		t.Fatalf("valid token did not verify: %+v", got)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("verification did not stamp last_used_at")
	}

	if got, _ := s.VerifyDashboardToken(ctx, "wrong"); got != nil {
		t.Error("wrong token verified")
	}
	if got, _ := s.VerifyDashboardToken(ctx, ""); got != nil {
		t.Error("empty token verified")
	}

	if ok, _ := s.SetDashboardTokenEnabled(ctx, "t1", false); !ok {
		t.Error("SetDashboardTokenEnabled reported missing token")
	}
	if got, _ := s.VerifyDashboardToken(ctx, "test-token"); got != nil {
		t.Error("disabled token verified")
	}

	if ok, _ := s.RevokeDashboardToken(ctx, "t1"); !ok {
		t.Error("RevokeDashboardToken reported missing token")
	}
	toks, _ := s.ListDashboardTokens(ctx)
	if len(toks) != 0 {
		t.Errorf("tokens after revoke = %d, want 0", len(toks))
	}
}

// TestHashToken verifies determinism and shape of the token hash.
func TestHashToken(t *testing.T) {
	a := HashToken("abc")
	b := HashToken("abc")
	if a != b {
		t.Error("HashToken is not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if HashToken("abd") == a {
		t.Error("different inputs hashed equal")
	}
}
