// Package dashboard serves the read-only HTTP API over the store plus the
// live message stream. Every /api endpoint requires a bearer token from the
// dashboard_tokens table; the stream authenticates via a token query
// parameter because browser WebSocket clients cannot set headers on the
// upgrade request.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
)

// Server is the dashboard HTTP server. It owns no state of its own: every
// endpoint reads the store, the session registry or the in-process usage
// tracker.
type Server struct {
	cfg      *config.Config
	st       *store.Store
	registry *sessions.Registry
	usage    *engine.UsageTracker
	bus      *bus.Bus
	version  string
	logger   *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates a dashboard server. Nothing listens until Start is called.
func New(cfg *config.Config, st *store.Store, registry *sessions.Registry, usage *engine.UsageTracker, b *bus.Bus, version string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		st:       st,
		registry: registry,
		usage:    usage,
		bus:      b,
		version:  version,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The dashboard binds to localhost or a tailnet, and auth happens
		// per-token after the upgrade, so any origin may attempt a handshake.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start when the same routes must be served on an
// additional listener (tests, Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.auth(s.handleHealth))

	mux.HandleFunc("GET /api/sessions", s.auth(s.handleSessions))
	mux.HandleFunc("GET /api/sessions/{name}", s.auth(s.handleSession))

	mux.HandleFunc("GET /api/usage", s.auth(s.handleUsage))
	mux.HandleFunc("GET /api/usage/records", s.auth(s.handleUsageRecords))
	mux.HandleFunc("GET /api/usage/{session}", s.auth(s.handleSessionUsage))

	mux.HandleFunc("GET /api/messages/recent", s.auth(s.handleRecentMessages))
	mux.HandleFunc("GET /api/messages/{session}", s.auth(s.handleSessionMessages))

	mux.HandleFunc("GET /api/summaries", s.auth(s.handleSummaries))
	mux.HandleFunc("GET /api/personas", s.auth(s.handlePersonas))
	mux.HandleFunc("GET /api/personas/{name}", s.auth(s.handlePersona))
	mux.HandleFunc("GET /api/memories", s.auth(s.handleMemories))

	mux.HandleFunc("GET /api/monitor/topics", s.auth(s.handleTopics))
	mux.HandleFunc("GET /api/monitor/entities", s.auth(s.handleEntities))
	mux.HandleFunc("GET /api/monitor/resources", s.auth(s.handleResources))
	mux.HandleFunc("GET /api/monitor/digests", s.auth(s.handleDigests))
	mux.HandleFunc("GET /api/monitor/report", s.auth(s.handleReport))

	mux.HandleFunc("GET /api/cron-jobs", s.auth(s.handleCronJobs))
	mux.HandleFunc("GET /api/heartbeat-checks", s.auth(s.handleHeartbeatChecks))

	mux.HandleFunc("GET /ws/messages", s.handleStream)

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Dashboard.Host, s.cfg.Dashboard.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	tsClose, err := s.startTailscale(ctx, mux)
	if err != nil {
		s.logger.Warn("tailscale listener failed, continuing on local addr only", "error", err)
	}
	if tsClose != nil {
		defer tsClose()
	}

	s.logger.Info("dashboard starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// startTailscale serves the same mux on a tailnet listener when a hostname
// is configured. Returns a cleanup func, or nil when Tailscale is off.
func (s *Server) startTailscale(ctx context.Context, mux *http.ServeMux) (func(), error) {
	if s.cfg.Tailscale.Hostname == "" {
		return nil, nil
	}

	ts := &tsnet.Server{
		Hostname: s.cfg.Tailscale.Hostname,
		AuthKey:  s.cfg.Tailscale.AuthKey,
		Logf:     func(string, ...any) {}, // tsnet is chatty at startup
	}
	if s.cfg.Tailscale.StateDir != "" {
		ts.Dir = config.ExpandHome(s.cfg.Tailscale.StateDir)
	}

	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Dashboard.Port))
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("tsnet listen: %w", err)
	}
	s.logger.Info("dashboard tailscale listener up",
		"hostname", s.cfg.Tailscale.Hostname, "port", s.cfg.Dashboard.Port)

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("tailscale listener stopped", "error", err)
		}
	}()
	return func() { ts.Close() }, nil
}

// auth gates a handler on a verified bearer token. Verification stamps
// last_used_at on the matched token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := s.st.VerifyDashboardToken(r.Context(), bearerToken(r))
		if err != nil {
			s.logger.Error("dashboard token lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if tok == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the token from an Authorization: Bearer header,
// returning "" when the header is missing or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
