package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live message stream",
		Long:  "Connects to the dashboard's /ws/messages endpoint and prints every conversation message as it is logged. Needs a dashboard token (/dashboard add <name> in the chat).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("MEGOBARI_DASHBOARD_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("no token: pass --token or set MEGOBARI_DASHBOARD_TOKEN")
			}
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				addr = fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
			}
			return runTail(addr, token)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "dashboard address (default: from config)")
	cmd.Flags().StringVar(&token, "token", "", "dashboard token (default: $MEGOBARI_DASHBOARD_TOKEN)")
	return cmd
}

func runTail(addr, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wsURL := fmt.Sprintf("ws://%s/ws/messages?token=%s", addr, url.QueryEscape(token))
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "following %s (ctrl-c to stop)\n", addr)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && int(ce.Code) == protocol.CloseUnauthorized {
				return fmt.Errorf("stream rejected the token: %s", ce.Reason)
			}
			return fmt.Errorf("stream read: %w", err)
		}

		var ev protocol.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed event: %s\n", err)
			continue
		}
		fmt.Printf("%s  %-9s [%s] %s\n",
			ev.CreatedAt.Local().Format("15:04:05"), ev.Role, ev.SessionName, ev.Content)
	}
}
