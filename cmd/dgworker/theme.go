package main

import "github.com/charmbracelet/lipgloss"

// theme keeps the client command styling in one place.
type theme struct {
	OK     lipgloss.Style
	Failed lipgloss.Style
	Title  lipgloss.Style
	Key    lipgloss.Style
	Dim    lipgloss.Style
	Box    lipgloss.Style
}

func newTheme() theme {
	purple := lipgloss.Color("#874BFD")

	return theme{
		OK:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF00")),
		Failed: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Key: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
	}
}

// status renders a SUCCESS-like word green and anything else red.
func (t theme) status(s string, ok bool) string {
	if ok {
		return t.OK.Render(s)
	}
	return t.Failed.Render(s)
}
