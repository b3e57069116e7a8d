// Package scheduler drives the bridge's background work from one cooperative
// loop: due cron jobs, quantized monitor sweeps, and the heartbeat health
// check. Everything it produces flows back through the same transport the
// user chats on.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

const defaultTick = time.Minute

// MonitorRunner is the slice of the monitor engine the scheduler drives.
type MonitorRunner interface {
	CheckAll(ctx context.Context) (checked, changed int, err error)
}

// TransportFactory returns a transport bound to a bare chat.
type TransportFactory func(chatID int64) transport.Transport

// Scheduler owns the background loop. Timer state (lastHeartbeat, lastSweep)
// is touched only from the loop goroutine; the mutex guards start/stop.
type Scheduler struct {
	cfg          *config.Config
	store        *store.Store
	registry     *sessions.Registry
	engine       *engine.Engine
	invoker      agent.Invoker
	monitor      MonitorRunner
	transportFor TransportFactory
	logger       *slog.Logger

	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastHeartbeat time.Time
	lastSweep     time.Time
}

// New wires a scheduler. monitor may be nil; sweeps are then skipped.
func New(cfg *config.Config, st *store.Store, registry *sessions.Registry, eng *engine.Engine, inv agent.Invoker, monitor MonitorRunner, transportFor TransportFactory, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:          cfg,
		store:        st,
		registry:     registry,
		engine:       eng,
		invoker:      inv,
		monitor:      monitor,
		transportFor: transportFor,
		logger:       logger,
		tick:         defaultTick,
		now:          time.Now,
	}
}

// Start launches the loop. Starting a running scheduler is a logged no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	// Seed the heartbeat clock so the first check fires one interval after
	// boot, not immediately.
	s.lastHeartbeat = s.now()
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "tick", s.tick)
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce runs one scheduler pass: due crons, then the monitor sweep, then
// the heartbeat.
func (s *Scheduler) tickOnce(ctx context.Context) {
	s.runDueCrons(ctx)
	s.runSweepIfDue()
	s.runHeartbeatIfDue()
}

// --- cron jobs ---

func (s *Scheduler) runDueCrons(ctx context.Context) {
	jobs, err := s.store.ListCronJobs(ctx, true)
	if err != nil {
		s.logger.Warn("cron job load failed", "error", err)
		return
	}
	now := s.now().UTC()
	for _, job := range jobs {
		seed := job.CreatedAt
		if !job.LastRunAt.IsZero() {
			seed = job.LastRunAt
		}
		next, err := gronx.NextTickAfter(job.Expression, seed, false)
		if err != nil {
			s.logger.Warn("bad cron expression, skipping job",
				"job", job.Name, "expression", job.Expression, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}
		// Mark the run before spawning so a slow job cannot refire on the
		// next tick.
		if err := s.store.TouchCronJobRun(ctx, job.Name, now); err != nil {
			s.logger.Warn("cron run mark failed", "job", job.Name, "error", err)
			continue
		}
		s.logger.Info("cron job firing", "job", job.Name, "expression", job.Expression)
		go s.runCronJob(job)
	}
}

// runCronJob executes one job as a detached turn. Isolated jobs run in a
// throwaway cron:<name> session whose thread is reset each run.
func (s *Scheduler) runCronJob(job store.CronJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron job panicked", "job", job.Name, "panic", r)
		}
	}()

	var name string
	switch {
	case job.Isolated:
		name = "cron:" + job.Name
		s.registry.Ensure(name, s.cfg.WorkspacePath())
		s.registry.SetAgentThread(name, "")
	case job.SessionName != "":
		name = job.SessionName
	default:
		name = s.registry.EnsureDefault(s.cfg.WorkspacePath()).Name
	}

	t := s.transportFor(s.cfg.DefaultChatID())
	s.engine.ProcessTurn(context.Background(), name, job.Prompt, "", t)
}

// --- monitor sweeps ---

func (s *Scheduler) runSweepIfDue() {
	if s.monitor == nil {
		return
	}
	now := s.now().UTC()
	if !slices.Contains(s.cfg.SweepHours(), now.Hour()) {
		return
	}
	boundary := now.Truncate(time.Hour)
	if !s.lastSweep.Before(boundary) {
		return
	}
	s.lastSweep = boundary
	s.logger.Info("monitor sweep due", "hour", now.Hour())
	go s.runSweep()
}

func (s *Scheduler) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor sweep panicked", "panic", r)
		}
	}()

	ctx := context.Background()
	checked, changed, err := s.monitor.CheckAll(ctx)
	if err != nil {
		s.logger.Error("monitor sweep failed", "error", err)
		return
	}
	s.logger.Info("monitor sweep finished", "checked", checked, "changed", changed)

	chatID := s.cfg.DefaultChatID()
	if chatID == 0 {
		return
	}
	t := s.transportFor(chatID)
	if _, err := t.SendMessage(ctx, s.sweepDigest(ctx, checked, changed)); err != nil {
		s.logger.Debug("sweep digest send failed", "error", err)
	}
}

// sweepDigest renders the default-chat summary for one sweep.
func (s *Scheduler) sweepDigest(ctx context.Context, checked, changed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Monitor sweep: %d resources checked, %d changed.", checked, changed)
	if changed == 0 {
		return b.String()
	}
	limit := changed
	if limit > 5 {
		limit = 5
	}
	digests, err := s.store.ListDigests(ctx, 0, 0, limit)
	if err != nil {
		s.logger.Warn("sweep digest load failed", "error", err)
		return b.String()
	}
	for _, d := range digests {
		fmt.Fprintf(&b, "\n• [%s] %s", d.ChangeType, transport.Truncate(d.Summary, 200))
	}
	return b.String()
}

// --- heartbeat ---

func (s *Scheduler) runHeartbeatIfDue() {
	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastHeartbeat) < interval {
		return
	}
	s.lastHeartbeat = now
	go s.runHeartbeat()
}

const heartbeatOK = "HEARTBEAT_OK"

func (s *Scheduler) runHeartbeat() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("heartbeat panicked", "panic", r)
		}
	}()

	ctx := context.Background()
	checks, err := s.store.ListHeartbeatChecks(ctx, true)
	if err != nil {
		s.logger.Warn("heartbeat check load failed", "error", err)
		return
	}
	if len(checks) == 0 {
		return
	}

	// The _heartbeat session's knobs (model, working dir) tune these runs.
	sess := s.registry.Ensure("_heartbeat", s.cfg.WorkspacePath())
	out, err := agent.RunOnce(ctx, s.invoker, agent.Options{
		Prompt:         heartbeatPrompt(checks),
		WorkingDir:     sess.WorkingDir,
		ExtraDirs:      sess.ExtraDirs,
		Model:          sess.ModelID,
		PermissionMode: sessions.PermissionBypass,
	})
	if err != nil {
		s.logger.Error("heartbeat agent run failed", "error", err)
		return
	}
	if strings.Contains(out, heartbeatOK) {
		s.logger.Debug("heartbeat ok", "checks", len(checks))
		return
	}

	chatID := s.cfg.DefaultChatID()
	if chatID == 0 {
		s.logger.Warn("heartbeat alert with no default chat", "alert", out)
		return
	}
	t := s.transportFor(chatID)
	if _, err := t.SendMessage(ctx, "💓 "+out); err != nil {
		s.logger.Warn("heartbeat alert send failed", "error", err)
	}
}

func heartbeatPrompt(checks []store.HeartbeatCheck) string {
	var b strings.Builder
	b.WriteString("You are running a scheduled heartbeat sweep. Work through each check:\n")
	for i, c := range checks {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, c.Name, c.Prompt)
	}
	b.WriteString("\nIf every check passes, reply with exactly " + heartbeatOK + " and nothing else.\n")
	b.WriteString("Otherwise reply with a short alert describing what needs attention.")
	return b.String()
}
