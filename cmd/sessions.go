package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions from the registry snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			runSessions()
		},
	}
}

func runSessions() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}

	registry := sessions.NewRegistry(cfg.SessionsFile())
	list := registry.ListAll()
	if len(list) == 0 {
		fmt.Println("No sessions yet. Start the bridge and message the bot.")
		return
	}
	active := registry.ActiveName()

	nameW, dirW, modelW := colWidth("NAME"), colWidth("DIRECTORY"), colWidth("MODEL")
	for _, s := range list {
		nameW = max(nameW, colWidth(s.Name))
		dirW = max(dirW, colWidth(orDash(s.WorkingDir)))
		modelW = max(modelW, colWidth(orDash(s.ModelID)))
	}

	fmt.Printf("  %s %s %s %s\n",
		runewidth.FillRight("NAME", nameW+2),
		runewidth.FillRight("DIRECTORY", dirW+2),
		runewidth.FillRight("MODEL", modelW+2),
		"LAST USED")
	for _, s := range list {
		marker := " "
		if s.Name == active {
			marker = "*"
		}
		fmt.Printf("%s %s %s %s %s\n",
			marker,
			runewidth.FillRight(s.Name, nameW+2),
			runewidth.FillRight(orDash(s.WorkingDir), dirW+2),
			runewidth.FillRight(orDash(s.ModelID), modelW+2),
			s.LastUsedAt.Local().Format("2006-01-02 15:04"))
	}
}

func colWidth(s string) int { return runewidth.StringWidth(s) }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printRow prints one aligned label/value line inside a doctor section.
func printRow(label, value string) {
	fmt.Printf("    %s %s\n", runewidth.FillRight(label, 12), value)
}
