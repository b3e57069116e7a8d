package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Home:      "~/.megobari",
		Workspace: "~",
		Agent: AgentConfig{
			Command: "claude",
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 18900,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes: 30,
		},
		Summary: SummaryConfig{
			Threshold: 20,
		},
		Monitor: MonitorConfig{
			Concurrency: 4,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("MEGOBARI_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("MEGOBARI_ALLOWED_USERNAME", &c.Telegram.AllowedUsername)
	if v := os.Getenv("MEGOBARI_ALLOWED_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.AllowedUserID = id
		}
	}
	if v := os.Getenv("MEGOBARI_DEFAULT_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.DefaultChatID = id
		}
	}

	envStr("MEGOBARI_HOME", &c.Home)
	envStr("MEGOBARI_WORKSPACE", &c.Workspace)
	envStr("MEGOBARI_AGENT_COMMAND", &c.Agent.Command)
	envStr("MEGOBARI_MODEL", &c.Agent.DefaultModel)
	envStr("MEGOBARI_VOICE_MODEL", &c.Voice.Model)
	envStr("MEGOBARI_VOICE_PROXY_URL", &c.Voice.ProxyURL)

	// Dashboard host/port
	envStr("MEGOBARI_DASHBOARD_HOST", &c.Dashboard.Host)
	if v := os.Getenv("MEGOBARI_DASHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Dashboard.Port = port
		}
	}
	if v := os.Getenv("MEGOBARI_DASHBOARD_ENABLED"); v != "" {
		c.Dashboard.Enabled = v == "true" || v == "1"
	}

	// Monitor
	envStr("GITHUB_TOKEN", &c.Monitor.GitHubToken)

	// Telemetry
	envStr("MEGOBARI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MEGOBARI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("MEGOBARI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MEGOBARI_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MEGOBARI_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("MEGOBARI_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("MEGOBARI_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("MEGOBARI_TSNET_DIR", &c.Tailscale.StateDir)
}

// Reload re-reads the config file and swaps the hot-reloadable fields in
// place. Secrets and listener settings keep their boot-time values.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Heartbeat = fresh.Heartbeat
	c.Summary = fresh.Summary
	c.Monitor.SweepHoursUTC = fresh.Monitor.SweepHoursUTC
	c.Monitor.Concurrency = fresh.Monitor.Concurrency
	c.Monitor.Browser = fresh.Monitor.Browser
	if fresh.Telegram.DefaultChatID != 0 {
		c.Telegram.DefaultChatID = fresh.Telegram.DefaultChatID
	}
	return nil
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
