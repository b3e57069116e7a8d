package dashboard

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/monitor"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	})
}

// handleSessions lists every session plus which one is active.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list := s.registry.ListAll()
	if list == nil {
		list = []*sessions.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.registry.ActiveName(),
		"sessions": list,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleUsage returns the in-process aggregates alongside lifetime totals
// from the store.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	lifetime, err := s.st.UsageTotals(r.Context())
	if err != nil {
		s.fail(w, "usage totals", err)
		return
	}
	current := s.usage.All()
	if current == nil {
		current = []engine.UsageAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    s.usage.Total(),
		"sessions": current,
		"lifetime": lifetime,
	})
}

func (s *Server) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	recs, err := s.st.UsageRecords(r.Context(), limit)
	if err != nil {
		s.fail(w, "list usage records", err)
		return
	}
	if recs == nil {
		recs = []store.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleSessionUsage reports one session's usage: its lifetime totals from
// the store and the live aggregate of this process.
func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	lifetime, err := s.st.SessionUsage(r.Context(), name)
	if err != nil {
		s.fail(w, "session usage", err)
		return
	}
	live, _ := s.usage.Session(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"lifetime": lifetime,
		"current":  live,
	})
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	msgs, err := s.st.RecentMessages(r.Context(), limit)
	if err != nil {
		s.fail(w, "recent messages", err)
		return
	}
	writeJSON(w, http.StatusOK, toEvents(msgs))
}

// handleSessionMessages serves one session's history. Sessions deleted from
// the registry keep their logged messages, so "unknown" means the registry
// has no such session and the store holds no messages for it either.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	name := r.PathValue("session")
	msgs, err := s.st.SessionMessages(r.Context(), name, limit)
	if err != nil {
		s.fail(w, "session messages", err)
		return
	}
	if len(msgs) == 0 {
		if _, ok := s.registry.Get(name); !ok {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
	}
	writeJSON(w, http.StatusOK, toEvents(msgs))
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sums, err := s.st.ListSummaries(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		s.fail(w, "list summaries", err)
		return
	}
	if sums == nil {
		sums = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	ps, err := s.st.ListPersonas(r.Context())
	if err != nil {
		s.fail(w, "list personas", err)
		return
	}
	if ps == nil {
		ps = []store.Persona{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetPersona(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, "get persona", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown persona")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	mems, err := s.st.AllMemories(r.Context(), r.URL.Query().Get("category"), limit)
	if err != nil {
		s.fail(w, "list memories", err)
		return
	}
	if mems == nil {
		mems = []store.Memory{}
	}
	writeJSON(w, http.StatusOK, mems)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.st.ListTopics(r.Context())
	if err != nil {
		s.fail(w, "list topics", err)
		return
	}
	if topics == nil {
		topics = []store.Topic{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	ents, err := s.st.ListEntities(r.Context(), queryID(r, "topic_id"))
	if err != nil {
		s.fail(w, "list entities", err)
		return
	}
	if ents == nil {
		ents = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	res, err := s.st.ListResources(r.Context(), queryID(r, "entity_id"), queryID(r, "topic_id"))
	if err != nil {
		s.fail(w, "list resources", err)
		return
	}
	if res == nil {
		res = []store.Resource{}
	}
	writeJSON(w, http.StatusOK, res)
}

// digestView enriches a digest with the names a dashboard wants to show
// without issuing one lookup per row.
type digestView struct {
	store.Digest
	ResourceName string `json:"resource_name,omitempty"`
	EntityName   string `json:"entity_name,omitempty"`
}

func (s *Server) handleDigests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ctx := r.Context()
	digests, err := s.st.ListDigests(ctx, queryID(r, "topic_id"), queryID(r, "entity_id"), limit)
	if err != nil {
		s.fail(w, "list digests", err)
		return
	}

	resources, err := s.st.ListResources(ctx, 0, 0)
	if err != nil {
		s.fail(w, "list resources", err)
		return
	}
	entities, err := s.st.ListEntities(ctx, 0)
	if err != nil {
		s.fail(w, "list entities", err)
		return
	}
	resByID := make(map[int64]store.Resource, len(resources))
	for _, res := range resources {
		resByID[res.ID] = res
	}
	entByID := make(map[int64]store.Entity, len(entities))
	for _, ent := range entities {
		entByID[ent.ID] = ent
	}

	views := make([]digestView, 0, len(digests))
	for _, d := range digests {
		v := digestView{Digest: d}
		if res, ok := resByID[d.ResourceID]; ok {
			v.ResourceName = res.Name
			v.EntityName = entByID[res.EntityID].Name
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleReport serves the latest saved competitive report for a topic as
// plain text.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("topic")
	if name == "" {
		writeError(w, http.StatusNotFound, "unknown topic")
		return
	}
	topic, err := s.st.GetTopicByName(r.Context(), name)
	if err != nil {
		s.fail(w, "get topic", err)
		return
	}
	if topic == nil {
		writeError(w, http.StatusNotFound, "unknown topic")
		return
	}

	data, err := os.ReadFile(monitor.ReportFile(s.cfg.ReportsDir(), topic.Name))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no report generated yet")
			return
		}
		s.fail(w, "read report", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.st.ListCronJobs(r.Context(), false)
	if err != nil {
		s.fail(w, "list cron jobs", err)
		return
	}
	if jobs == nil {
		jobs = []store.CronJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleHeartbeatChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := s.st.ListHeartbeatChecks(r.Context(), false)
	if err != nil {
		s.fail(w, "list heartbeat checks", err)
		return
	}
	if checks == nil {
		checks = []store.HeartbeatCheck{}
	}
	writeJSON(w, http.StatusOK, checks)
}

// fail logs a store error and answers 500 without leaking internals.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error("dashboard "+op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseLimit reads the optional limit query parameter. Absent means 0 and
// lets the store apply its per-query default; a malformed or out-of-range
// value is rejected so callers notice instead of getting silently clamped
// results.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, fmt.Errorf("limit must be an integer between 1 and 1000")
	}
	return n, nil
}

// queryID reads an optional int64 id parameter; anything unparseable means
// "no filter".
func queryID(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if n < 0 {
		return 0
	}
	return n
}

// toEvents maps stored messages onto the wire shape shared with the stream.
func toEvents(msgs []store.Message) []protocol.MessageEvent {
	out := make([]protocol.MessageEvent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.MessageEvent{
			ID:          m.ID,
			SessionName: m.SessionName,
			Role:        m.Role,
			Content:     m.Content,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}
