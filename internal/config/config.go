package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config is the root configuration for the megobari bridge.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Agent     AgentConfig     `json:"agent"`
	Home      string          `json:"home,omitempty"`      // state directory (default ~/.megobari)
	Workspace string          `json:"workspace,omitempty"` // default agent working directory
	Dashboard DashboardConfig `json:"dashboard,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Summary   SummaryConfig   `json:"summary,omitempty"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`
	Voice     VoiceConfig     `json:"voice,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// TelegramConfig identifies the bot credential and the single allowed principal.
// When both AllowedUserID and AllowedUsername are empty the bridge runs in
// ID-discovery mode: every incoming message is answered with the sender's id.
type TelegramConfig struct {
	Token           string `json:"-"` // from env MEGOBARI_TELEGRAM_TOKEN only
	AllowedUserID   int64  `json:"allowed_user_id,omitempty"`
	AllowedUsername string `json:"allowed_username,omitempty"`
	DefaultChatID   int64  `json:"default_chat_id,omitempty"` // target for scheduler-originated messages
}

// AgentConfig configures the coding-agent CLI subprocess.
type AgentConfig struct {
	Command          string `json:"command,omitempty"`            // agent binary (default "claude")
	BaseSystemPrompt string `json:"base_system_prompt,omitempty"` // appended to every turn
	DefaultModel     string `json:"default_model,omitempty"`      // used when a session has no model override
}

// DashboardConfig configures the read-only HTTP API and message stream.
type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// HeartbeatConfig controls the scheduler's health-check sweep.
type HeartbeatConfig struct {
	IntervalMinutes int `json:"interval_minutes"` // 0 disables (default 30)
}

// SummaryConfig controls background conversation summarization.
type SummaryConfig struct {
	Threshold int `json:"threshold,omitempty"` // unsummarized messages before a summary is cut (default 20)
}

// MonitorConfig controls the website-monitoring sweeps.
type MonitorConfig struct {
	SweepHoursUTC []int  `json:"sweep_hours_utc,omitempty"` // default {8, 12, 16, 20}
	Concurrency   int    `json:"concurrency,omitempty"`     // parallel resource checks per sweep (default 4)
	Browser       bool   `json:"browser,omitempty"`         // render pages in a headless browser before extraction
	GitHubToken   string `json:"-"`                         // from env GITHUB_TOKEN only
}

// VoiceConfig selects the optional voice-note transcription plugin.
// An empty proxy URL disables transcription; voice notes are then
// acknowledged without a transcript.
type VoiceConfig struct {
	Model    string `json:"model,omitempty"`     // e.g. "base", "small"
	ProxyURL string `json:"proxy_url,omitempty"` // transcription service base URL
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // skip TLS (local collectors)
	ServiceName string `json:"service_name,omitempty"` // default "megobari"
}

// TailscaleConfig configures the optional tsnet listener for the dashboard.
// Auth key comes from env only and is never persisted.
type TailscaleConfig struct {
	Hostname string `json:"hostname,omitempty"` // tailnet machine name (e.g. "megobari")
	StateDir string `json:"state_dir,omitempty"`
	AuthKey  string `json:"-"` // from env MEGOBARI_TSNET_AUTH_KEY only
}

// HomeDir returns the expanded state directory.
func (c *Config) HomeDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Home)
}

// DBPath returns the path of the embedded store.
func (c *Config) DBPath() string {
	return filepath.Join(c.HomeDir(), "megobari.db")
}

// SessionsFile returns the path of the session registry snapshot.
func (c *Config) SessionsFile() string {
	return filepath.Join(c.HomeDir(), "sessions", "sessions.json")
}

// ReportsDir returns the directory where monitor reports are written.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.HomeDir(), "reports")
}

// RestartMarker returns the path of the transient restart-notify document.
func (c *Config) RestartMarker() string {
	return filepath.Join(c.HomeDir(), "restart_notify.json")
}

// WorkspacePath returns the expanded default agent working directory.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace)
}

// AgentCommand returns the agent CLI binary name or path.
func (c *Config) AgentCommand() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.Command == "" {
		return "claude"
	}
	return c.Agent.Command
}

// HeartbeatInterval returns the heartbeat period; zero disables the sweep.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Heartbeat.IntervalMinutes) * time.Minute
}

// SummaryThreshold returns the unsummarized-message count that triggers
// background summarization.
func (c *Config) SummaryThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Summary.Threshold <= 0 {
		return 20
	}
	return c.Summary.Threshold
}

// SweepHours returns the quantized UTC hours at which monitor sweeps run.
func (c *Config) SweepHours() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Monitor.SweepHoursUTC) == 0 {
		return []int{8, 12, 16, 20}
	}
	out := make([]int, len(c.Monitor.SweepHoursUTC))
	copy(out, c.Monitor.SweepHoursUTC)
	return out
}

// DefaultChatID returns the chat that receives scheduler-originated messages.
func (c *Config) DefaultChatID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telegram.DefaultChatID
}

// RememberChatID records the chat used for scheduler-originated messages.
// Called on the first authorized inbound message so crons and monitor digests
// have somewhere to go before the user sets one explicitly.
func (c *Config) RememberChatID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Telegram.DefaultChatID == 0 {
		c.Telegram.DefaultChatID = id
	}
}

// TelegramToken returns the bot credential (env-only, never persisted).
func (c *Config) TelegramToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telegram.Token
}

// IDDiscoveryMode reports whether no principal is configured.
func (c *Config) IDDiscoveryMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telegram.AllowedUserID == 0 && c.Telegram.AllowedUsername == ""
}

// Allowed reports whether the sender matches the configured principal.
// Numeric id wins when both are set.
func (c *Config) Allowed(userID int64, username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Telegram.AllowedUserID != 0 {
		return userID == c.Telegram.AllowedUserID
	}
	if c.Telegram.AllowedUsername != "" {
		return strings.EqualFold(strings.TrimPrefix(username, "@"), strings.TrimPrefix(c.Telegram.AllowedUsername, "@"))
	}
	return false
}

// MonitorConcurrency returns how many resources one sweep checks in parallel.
func (c *Config) MonitorConcurrency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Monitor.Concurrency <= 0 {
		return 4
	}
	return c.Monitor.Concurrency
}

// MonitorBrowser reports whether pages should render in a headless browser
// before extraction.
func (c *Config) MonitorBrowser() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Monitor.Browser
}

// GitHubToken returns the optional API token for repo monitoring.
func (c *Config) GitHubToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Monitor.GitHubToken
}
