// Package watch implements the dgworker watch TUI: a live view of a worker's
// RPC delegate built from /healthz and the /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// statusStyle colors a handler lifecycle status.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "READY", "STOPPED", "SUCCESS":
		return t.StatusOK
	case "STARTING", "EXECUTING", "STOPPING":
		return t.StatusRunning
	case "FAILED", "ERROR":
		return t.StatusFailed
	default:
		return t.StatusIdle
	}
}
