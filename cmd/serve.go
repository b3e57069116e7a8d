package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/emakarov/megobari-sub000/internal/agent"
	"github.com/emakarov/megobari-sub000/internal/bus"
	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/dashboard"
	"github.com/emakarov/megobari-sub000/internal/engine"
	"github.com/emakarov/megobari-sub000/internal/monitor"
	"github.com/emakarov/megobari-sub000/internal/scheduler"
	"github.com/emakarov/megobari-sub000/internal/sessions"
	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/tracing"
	"github.com/emakarov/megobari-sub000/internal/transport"
	"github.com/emakarov/megobari-sub000/internal/transport/telegram"
)

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	loadDotenv()

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// No bot token means the bridge cannot connect. First run (no config
	// file) redirects to the setup wizard; otherwise point at the env var.
	if cfg.TelegramToken() == "" {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("No configuration found. Starting setup wizard...")
			fmt.Println()
			runOnboard()
			return
		}
		fmt.Println("No Telegram bot token found. Did you forget to load your secrets?")
		fmt.Println()
		fmt.Println("  export MEGOBARI_TELEGRAM_TOKEN=...   (or put it in .env)")
		fmt.Println()
		fmt.Println("Or re-run the setup wizard:  megobari onboard")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Telemetry); err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	st, err := store.Open(cfg.DBPath(), slog.Default())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	registry := sessions.NewRegistry(cfg.SessionsFile())
	registry.EnsureDefault(cfg.WorkspacePath())

	msgBus := bus.New()
	inv := agent.NewCLI(cfg.AgentCommand(), slog.Default())
	restart := makeRestartFunc(cfg)

	eng := engine.New(cfg, registry, st, inv, msgBus, restart, slog.Default())

	// Keep the interface nil when transcription is disabled; a typed nil
	// would defeat the bot's transcriber check.
	var transcriber transport.Transcriber
	if t := telegram.NewTranscriber(cfg.Voice, slog.Default()); t != nil {
		transcriber = t
	}

	bot, err := telegram.New(cfg, transcriber, slog.Default())
	if err != nil {
		slog.Error("failed to initialize telegram bot", "error", err)
		os.Exit(1)
	}

	mon := monitor.New(cfg, st, inv, bot.ChatTransport, slog.Default())
	sched := scheduler.New(cfg, st, registry, eng, inv, mon, bot.ChatTransport, slog.Default())

	router := telegram.NewCommandRouter(cfg, registry, st, eng, mon, restart, Version, slog.Default())
	bot.SetRouter(router)

	// Config file watcher for hot-reloadable settings.
	go func() {
		if err := config.Watch(ctx, cfg, cfgPath); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	if err := bot.Start(ctx); err != nil {
		slog.Error("failed to start telegram bot", "error", err)
		os.Exit(1)
	}

	sched.Start()

	if cfg.Dashboard.Enabled {
		dash := dashboard.New(cfg, st, registry, eng.Usage(), msgBus, Version, slog.Default())
		go func() {
			if err := dash.Start(ctx); err != nil {
				slog.Error("dashboard error", "error", err)
			}
		}()
	}

	slog.Info("megobari bridge started",
		"version", Version,
		"bot", bot.Username(),
		"active_session", registry.ActiveName(),
		"dashboard", cfg.Dashboard.Enabled,
	)

	notifyRestart(ctx, cfg, bot)

	<-ctx.Done()

	sched.Stop()
	bot.Stop(context.Background())
	if err := st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}

// loadDotenv loads the first .env found in the working directory or the
// state home. Existing environment variables always win.
func loadDotenv() {
	home := os.Getenv("MEGOBARI_HOME")
	if home == "" {
		home = "~/.megobari"
	}
	for _, p := range []string{".env", filepath.Join(config.ExpandHome(home), ".env")} {
		if err := godotenv.Load(p); err != nil {
			slog.Debug("no environment file", "path", p)
			continue
		}
		slog.Info("loaded environment file", "path", p)
		return
	}
}

// makeRestartFunc returns a RestartFunc that records which chat to greet
// after the restart, then replaces the process image with a fresh copy of
// the current binary.
func makeRestartFunc(cfg *config.Config) engine.RestartFunc {
	return func(chatID int64) error {
		marker, _ := json.Marshal(map[string]int64{"chat_id": chatID})
		if err := os.WriteFile(cfg.RestartMarker(), marker, 0o600); err != nil {
			slog.Warn("could not write restart marker", "error", err)
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		slog.Info("replacing process image", "exe", exe)
		return syscall.Exec(exe, os.Args, os.Environ())
	}
}

// notifyRestart greets the chat recorded by the previous process and removes
// the marker. A missing or malformed marker is silently ignored.
func notifyRestart(ctx context.Context, cfg *config.Config, bot *telegram.Bot) {
	data, err := os.ReadFile(cfg.RestartMarker())
	if err != nil {
		return
	}
	defer os.Remove(cfg.RestartMarker())

	var marker struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &marker); err != nil || marker.ChatID == 0 {
		return
	}
	if _, err := bot.ChatTransport(marker.ChatID).SendMessage(ctx, "Restarted."); err != nil {
		slog.Warn("restart greeting failed", "chat_id", marker.ChatID, "error", err)
	}
}
