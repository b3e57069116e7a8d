package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrExists is returned when creating or renaming onto a taken name.
	ErrExists = errors.New("session already exists")
	// ErrNotFound is returned for operations on unknown session names.
	ErrNotFound = errors.New("session not found")
)

// snapshot is the on-disk shape of the registry. Unknown fields in older or
// newer snapshots are ignored on load.
type snapshot struct {
	ActiveSession string              `json:"active_session,omitempty"`
	Sessions      map[string]*Session `json:"sessions"`
}

// Registry owns the canonical per-session configuration. Every mutation
// flushes the whole registry atomically to a single JSON document.
type Registry struct {
	mu      sync.RWMutex
	active  string
	entries map[string]*Session
	path    string // "" disables persistence (tests)
}

// NewRegistry loads the registry snapshot from path. A missing file yields an
// empty registry; a corrupt file is logged and ignored so a bad snapshot
// never blocks startup.
func NewRegistry(path string) *Registry {
	r := &Registry{
		entries: make(map[string]*Session),
		path:    path,
	}
	if path == "" {
		return r
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		slog.Warn("create sessions dir", "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read sessions file", "path", path, "error", err)
		}
		return r
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("sessions file is corrupt, starting with empty registry", "path", path, "error", err)
		return r
	}

	for name, s := range snap.Sessions {
		if s == nil {
			continue
		}
		s.Name = name
		s.fillDefaults()
		r.entries[name] = s
	}
	if _, ok := r.entries[snap.ActiveSession]; ok {
		r.active = snap.ActiveSession
	}
	return r
}

// Create adds a session and makes it active.
func (r *Registry) Create(name string, workingDir string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return nil, fmt.Errorf("create session %q: %w", name, ErrExists)
	}

	s := &Session{
		Name:       name,
		WorkingDir: workingDir,
	}
	s.fillDefaults()
	r.entries[name] = s
	r.active = name
	r.persistLocked()
	return s.clone(), nil
}

// Ensure returns the named session, creating it without activating it when
// missing. Scheduler-owned sessions (cron:*, _heartbeat) go through here so
// background work never steals the user's active session.
func (r *Registry) Ensure(name, workingDir string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.entries[name]; ok {
		return s.clone()
	}
	s := &Session{Name: name, WorkingDir: workingDir}
	s.fillDefaults()
	r.entries[name] = s
	r.persistLocked()
	return s.clone()
}

// Get returns a copy of the named session.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Delete removes a session. When the deleted session was active, the oldest
// remaining session is promoted; with none left the active name clears.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)

	if r.active == name {
		r.active = ""
		var oldest *Session
		for _, s := range r.entries {
			if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) ||
				(s.CreatedAt.Equal(oldest.CreatedAt) && s.Name < oldest.Name) {
				oldest = s
			}
		}
		if oldest != nil {
			r.active = oldest.Name
		}
	}
	r.persistLocked()
	return true
}

// Switch makes the named session active.
func (r *Registry) Switch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("switch to %q: %w", name, ErrNotFound)
	}
	r.active = name
	r.persistLocked()
	return nil
}

// Rename moves a session to a new name, fixing up the active pointer.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[oldName]
	if !ok {
		return fmt.Errorf("rename %q: %w", oldName, ErrNotFound)
	}
	if _, ok := r.entries[newName]; ok {
		return fmt.Errorf("rename to %q: %w", newName, ErrExists)
	}

	delete(r.entries, oldName)
	s.Name = newName
	r.entries[newName] = s
	if r.active == oldName {
		r.active = newName
	}
	r.persistLocked()
	return nil
}

// SetAgentThread stores the agent's resumption token for the session.
func (r *Registry) SetAgentThread(name, threadID string) {
	r.mutate(name, func(s *Session) {
		s.AgentThreadID = threadID
	})
}

// Touch bumps last_used_at.
func (r *Registry) Touch(name string) {
	r.mutate(name, func(s *Session) {
		s.LastUsedAt = time.Now().UTC()
	})
}

// SetStreaming toggles streaming replies for the session.
func (r *Registry) SetStreaming(name string, on bool) {
	r.mutate(name, func(s *Session) { s.Streaming = on })
}

// SetPermissionMode updates the agent permission mode.
func (r *Registry) SetPermissionMode(name, mode string) {
	r.mutate(name, func(s *Session) { s.PermissionMode = mode })
}

// SetModel updates the model override; empty reverts to the default.
func (r *Registry) SetModel(name, model string) {
	r.mutate(name, func(s *Session) { s.ModelID = model })
}

// SetThinking updates thinking mode and optional budget.
func (r *Registry) SetThinking(name, mode string, budget int) {
	r.mutate(name, func(s *Session) {
		s.ThinkingMode = mode
		s.ThinkingBudgetTokens = budget
	})
}

// SetEffort updates the effort level; empty clears it.
func (r *Registry) SetEffort(name, level string) {
	r.mutate(name, func(s *Session) { s.EffortLevel = level })
}

// SetMaxTurns caps agent iterations per turn; zero clears the cap.
func (r *Registry) SetMaxTurns(name string, turns int) {
	r.mutate(name, func(s *Session) { s.MaxTurns = turns })
}

// SetMaxBudget caps per-turn spend in USD; zero clears the cap.
func (r *Registry) SetMaxBudget(name string, usd float64) {
	r.mutate(name, func(s *Session) { s.MaxBudgetUSD = usd })
}

// SetWorkingDir changes the agent working directory for the session.
func (r *Registry) SetWorkingDir(name, dir string) {
	r.mutate(name, func(s *Session) { s.WorkingDir = dir })
}

// AddDir appends an extra directory, keeping order and dropping duplicates.
func (r *Registry) AddDir(name, dir string) {
	r.mutate(name, func(s *Session) {
		for _, d := range s.ExtraDirs {
			if d == dir {
				return
			}
		}
		s.ExtraDirs = append(s.ExtraDirs, dir)
	})
}

// RemoveDir removes an extra directory; missing entries are ignored.
func (r *Registry) RemoveDir(name, dir string) {
	r.mutate(name, func(s *Session) {
		out := s.ExtraDirs[:0]
		for _, d := range s.ExtraDirs {
			if d != dir {
				out = append(out, d)
			}
		}
		s.ExtraDirs = out
	})
}

// ListAll returns copies of all sessions ordered by creation time.
func (r *Registry) ListAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Current returns a copy of the active session, or nil when none is active.
func (r *Registry) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.entries[r.active]; ok {
		return s.clone()
	}
	return nil
}

// ActiveName returns the active session name ("" when none).
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// EnsureDefault creates and activates a "default" session when the registry
// is empty, so the first message after a fresh install just works.
func (r *Registry) EnsureDefault(workingDir string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.entries[r.active]; ok {
		return s.clone()
	}
	if len(r.entries) > 0 {
		for _, s := range r.entries {
			r.active = s.Name
			r.persistLocked()
			return s.clone()
		}
	}

	s := &Session{Name: "default", WorkingDir: workingDir}
	s.fillDefaults()
	r.entries[s.Name] = s
	r.active = s.Name
	r.persistLocked()
	return s.clone()
}

func (r *Registry) mutate(name string, fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[name]
	if !ok {
		return
	}
	fn(s)
	r.persistLocked()
}

// persistLocked flushes the registry to disk. Callers hold r.mu. Write
// failures are logged, never propagated: the in-memory state stays canonical.
func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}

	snap := snapshot{
		ActiveSession: r.active,
		Sessions:      r.entries,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Warn("marshal sessions", "error", err)
		return
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		slog.Warn("persist sessions", "error", err)
		return
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		slog.Warn("persist sessions", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		slog.Warn("persist sessions", "error", err)
		return
	}
	tmp.Close()

	if err := os.Rename(tmpPath, r.path); err != nil {
		slog.Warn("persist sessions", "error", err)
		return
	}
	cleanup = false
}
