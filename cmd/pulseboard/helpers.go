package main

import (
	"fmt"
	"os"

	pulseboard "github.com/PulseBoard-AI/PulseBoard/sdk/golang"
	"github.com/charmbracelet/lipgloss"
)

// getClient creates a PulseBoard client from the stored configuration.
func getClient() *pulseboard.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'pulseboard init <api-key>' first.")
		os.Exit(1)
	}

	var opts []pulseboard.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pulseboard.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, pulseboard.WithEnvironment(pulseboard.Environment(cfg.Default.Environment)))
	}

	return pulseboard.NewClient(cfg.Default.APIKey, opts...)
}

// ============================================================================
// Terminal styles
// ============================================================================

var (
	headingStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle    = lipgloss.NewStyle().Faint(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	severityStyle = map[string]lipgloss.Style{
		"low":      okStyle,
		"medium":   warnStyle,
		"high":     errStyle,
		"critical": errStyle.Bold(true),
	}
)

// stateStyle colors a connection state for terminal output.
func stateStyle(state pulseboard.RealtimeState) lipgloss.Style {
	switch state {
	case pulseboard.StateConnected:
		return okStyle
	case pulseboard.StateDegraded, pulseboard.StateReconnecting, pulseboard.StateConnecting:
		return warnStyle
	case pulseboard.StateFailed:
		return errStyle
	}
	return labelStyle
}
