package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/emakarov/megobari-sub000/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfg := config.Default()

	var (
		token     string
		principal string
		workspace = cfg.Workspace
		agentCmd  = cfg.Agent.Command
		dashOn    bool
		dashPort  = strconv.Itoa(cfg.Dashboard.Port)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Written to .env, never to config.json.").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("token is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Allowed user").
				Description("Your numeric Telegram id or @username. Leave empty to discover your id on first message.").
				Value(&principal),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Default working directory for agent sessions.").
				Value(&workspace),
			huh.NewInput().
				Title("Agent command").
				Description("The coding-agent CLI binary to drive.").
				Value(&agentCmd),
			huh.NewConfirm().
				Title("Enable the dashboard API?").
				Value(&dashOn),
			huh.NewInput().
				Title("Dashboard port").
				Value(&dashPort).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(strings.TrimSpace(s)); err != nil {
						return errors.New("port must be a number")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return
		}
		fmt.Fprintf(os.Stderr, "setup failed: %s\n", err)
		os.Exit(1)
	}

	principal = strings.TrimSpace(principal)
	if id, err := strconv.ParseInt(principal, 10, 64); err == nil && id != 0 {
		cfg.Telegram.AllowedUserID = id
	} else if principal != "" {
		cfg.Telegram.AllowedUsername = strings.TrimPrefix(principal, "@")
	}
	if ws := strings.TrimSpace(workspace); ws != "" {
		cfg.Workspace = ws
	}
	if ac := strings.TrimSpace(agentCmd); ac != "" {
		cfg.Agent.Command = ac
	}
	cfg.Dashboard.Enabled = dashOn
	if port, err := strconv.Atoi(strings.TrimSpace(dashPort)); err == nil && port > 0 {
		cfg.Dashboard.Port = port
	}

	cfgPath := resolveConfigPath()
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration written to %s\n", cfgPath)

	if err := writeTokenEnv(".env", token); err != nil {
		fmt.Printf("Could not write .env (%s). Export the token yourself:\n", err)
		fmt.Println()
		fmt.Println("  export MEGOBARI_TELEGRAM_TOKEN=" + token)
	} else {
		fmt.Println("Token written to .env")
	}

	fmt.Println()
	fmt.Println("Start the bridge:  megobari")
	if cfg.Telegram.AllowedUserID == 0 && cfg.Telegram.AllowedUsername == "" {
		fmt.Println("No allowed user set: message the bot once to discover your id, then add it to config.json.")
	}
}

// writeTokenEnv creates .env holding the bot token. An existing file is left
// untouched so a re-run never clobbers other secrets.
func writeTokenEnv(path, token string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte("MEGOBARI_TELEGRAM_TOKEN="+token+"\n"), 0o600)
}
