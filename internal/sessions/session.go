package sessions

import (
	"time"
)

// Permission modes accepted by the agent CLI.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
)

// Thinking modes. Adaptive leaves the decision to the agent.
const (
	ThinkingAdaptive = "adaptive"
	ThinkingEnabled  = "enabled"
	ThinkingDisabled = "disabled"
)

// Effort levels accepted by the agent CLI.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
	EffortMax    = "max"
)

// Session is the per-conversation configuration and resumption state.
type Session struct {
	Name                 string   `json:"name"`
	AgentThreadID        string   `json:"agent_thread_id,omitempty"`
	Streaming            bool     `json:"streaming"`
	PermissionMode       string   `json:"permission_mode"`
	ModelID              string   `json:"model_id,omitempty"`
	ThinkingMode         string   `json:"thinking_mode"`
	ThinkingBudgetTokens int      `json:"thinking_budget_tokens,omitempty"`
	EffortLevel          string   `json:"effort_level,omitempty"`
	MaxTurns             int      `json:"max_turns,omitempty"`
	MaxBudgetUSD         float64  `json:"max_budget_usd,omitempty"`
	WorkingDir           string   `json:"working_dir,omitempty"`
	ExtraDirs            []string `json:"extra_dirs,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// fillDefaults normalizes zero-valued enum knobs after load or create so
// snapshots written by older builds keep working.
func (s *Session) fillDefaults() {
	if s.PermissionMode == "" {
		s.PermissionMode = PermissionDefault
	}
	if s.ThinkingMode == "" {
		s.ThinkingMode = ThinkingAdaptive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.LastUsedAt.IsZero() {
		s.LastUsedAt = s.CreatedAt
	}
}

// clone returns an independent copy safe to hand out of the registry.
func (s *Session) clone() *Session {
	cp := *s
	if len(s.ExtraDirs) > 0 {
		cp.ExtraDirs = make([]string, len(s.ExtraDirs))
		copy(cp.ExtraDirs, s.ExtraDirs)
	}
	return &cp
}

// ValidPermissionMode reports whether mode is one the agent CLI accepts.
func ValidPermissionMode(mode string) bool {
	switch mode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass:
		return true
	}
	return false
}

// ValidEffort reports whether level is a known effort level.
func ValidEffort(level string) bool {
	switch level {
	case EffortLow, EffortMedium, EffortHigh, EffortMax:
		return true
	}
	return false
}
