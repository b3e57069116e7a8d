package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("megobari doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — env defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Store
	fmt.Println()
	fmt.Println("  Store:")
	printRow("Path:", cfg.DBPath())
	if _, err := os.Stat(cfg.DBPath()); err != nil {
		printRow("Status:", "not created yet (run: megobari)")
	} else {
		checkSchema(cfg.DBPath())
	}

	// Agent CLI
	fmt.Println()
	fmt.Println("  Agent:")
	printRow("Command:", cfg.AgentCommand())
	agentPath, err := exec.LookPath(cfg.AgentCommand())
	if err != nil {
		printRow("Path:", "NOT FOUND on PATH")
	} else {
		printRow("Path:", agentPath)
		printRow("Runnable:", probeAgent(agentPath))
	}

	// Telegram
	fmt.Println()
	fmt.Println("  Telegram:")
	if token := cfg.TelegramToken(); token != "" {
		printRow("Token:", maskSecret(token))
	} else {
		printRow("Token:", "NOT SET (MEGOBARI_TELEGRAM_TOKEN)")
	}
	switch {
	case cfg.Telegram.AllowedUserID != 0:
		printRow("Allowed:", fmt.Sprintf("id %d", cfg.Telegram.AllowedUserID))
	case cfg.Telegram.AllowedUsername != "":
		printRow("Allowed:", "@"+strings.TrimPrefix(cfg.Telegram.AllowedUsername, "@"))
	default:
		printRow("Allowed:", "(discovery mode — bot replies with sender ids)")
	}

	// Dashboard
	fmt.Println()
	fmt.Println("  Dashboard:")
	if !cfg.Dashboard.Enabled {
		printRow("Enabled:", "no")
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
		printRow("Enabled:", "yes")
		printRow("Address:", addr)
		printRow("Reachable:", probeDashboard(addr))
	}

	// Workspace
	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkSchema reports the migration version of an existing database without
// applying anything.
func checkSchema(dbPath string) {
	m, err := store.NewMigrator(dbPath, "")
	if err != nil {
		printRow("Status:", fmt.Sprintf("OPEN FAILED (%s)", err))
		return
	}
	defer m.Close()
	printRow("Status:", "OK")

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		printRow("Schema:", "no migrations applied (run: megobari migrate up)")
	case err != nil:
		printRow("Schema:", fmt.Sprintf("CHECK FAILED (%s)", err))
	case dirty:
		printRow("Schema:", fmt.Sprintf("v%d (DIRTY — run: megobari migrate force %d)", v, v-1))
	case v < store.SchemaVersion:
		printRow("Schema:", fmt.Sprintf("v%d (behind v%d — run: megobari migrate up)", v, store.SchemaVersion))
	case v > store.SchemaVersion:
		printRow("Schema:", fmt.Sprintf("v%d (binary too old, knows v%d)", v, store.SchemaVersion))
	default:
		printRow("Schema:", fmt.Sprintf("v%d (up to date)", v))
	}
}

// probeAgent runs the agent binary with --version to prove it executes.
func probeAgent(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Sprintf("FAILED (%s)", err)
	}
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return "yes"
	}
	return "yes (" + line + ")"
}

// probeDashboard checks whether a bridge is serving the API on addr.
// A 401 still proves reachability; health requires a bearer token.
func probeDashboard(addr string) string {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/health")
	if err != nil {
		return fmt.Sprintf("no (%s)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
		return "yes"
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}

func maskSecret(s string) string {
	if len(s) < 8 {
		return "set"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
