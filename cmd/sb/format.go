package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/client"
)

const defaultServer = "http://localhost:8000"

// requestTimeout bounds every API call made by the CLI.
const requestTimeout = 30 * time.Second

func addServerFlag(cmd *cobra.Command, serverURL *string) {
	cmd.Flags().StringVarP(serverURL, "server", "s", defaultServer, "Switchboard API base URL")
}

func newClient(serverURL string) *client.Client {
	return client.New(serverURL, requestTimeout)
}

// truncate shortens s to max runes, adding "..." when cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// formatDuration renders whole seconds as 1h02m03s, 2m05s or 45s.
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
