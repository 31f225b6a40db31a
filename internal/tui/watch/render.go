package watch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dgworker/internal/events"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
)

const streamLines = 10

func newHandlerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Handler", Width: 36},
			{Title: "Status", Width: 10},
			{Title: "Moves", Width: 6},
			{Title: "Runs", Width: 6},
			{Title: "Fails", Width: 6},
			{Title: "Last ms", Width: 9},
			{Title: "Last error", Width: 18},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func handlerRows(states []*HandlerState) []table.Row {
	rows := make([]table.Row, 0, len(states))
	for _, st := range states {
		rows = append(rows, table.Row{
			st.Handler,
			st.Status,
			strconv.Itoa(st.Transitions),
			strconv.Itoa(st.Dispatches),
			strconv.Itoa(st.Failures),
			strconv.FormatFloat(st.LastMs, 'f', 3, 64),
			st.LastError,
		})
	}
	return rows
}

func renderHeader(health HealthState, activity string, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	worker := health.WorkerID
	if worker == "" {
		worker = "?"
	}
	titleLine := fmt.Sprintf(" DGWORKER WATCH %s %s", theme.Highlight.Render(worker), activity)

	dropped := theme.Dim.Render("0")
	if health.EventsDropped > 0 {
		dropped = theme.StatusFailed.Render(strconv.FormatInt(health.EventsDropped, 10))
	}
	statsLine := fmt.Sprintf(" %s  up %s  handlers: %d  requests: %d  events dropped: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.HandlersLoaded,
		health.RequestsHandled,
		dropped,
	)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderHandlers(t table.Model, empty bool, theme Theme, width int) string {
	innerWidth := width - 4
	body := t.View()
	if empty {
		body = theme.Dim.Render("  No handler activity yet...")
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("HANDLERS"), body)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= streamLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENT STREAM"), eventsText)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := theme.Header.Render(fmt.Sprintf("%-19s", e.Type))
	return fmt.Sprintf("%s #%d %s %s", ts, e.ID, typeName, describeEvent(e, theme))
}

func describeEvent(e events.Event, theme Theme) string {
	switch e.Type {
	case lifecycle.EventTransition:
		var t lifecycle.TransitionEvent
		if json.Unmarshal(e.Data, &t) == nil {
			return fmt.Sprintf("%s %s -> %s", t.Handler, t.From, theme.statusStyle(string(t.To)).Render(string(t.To)))
		}
	case lifecycle.EventCompleted:
		var c lifecycle.CompletedEvent
		if json.Unmarshal(e.Data, &c) == nil {
			desc := fmt.Sprintf("%s [%s] %s %.3fms", c.Handler, shortID(c.RequestID),
				theme.statusStyle(c.Status).Render(c.Status), c.ExecutionTimeMs)
			if c.ErrorCode != "" {
				desc += " " + c.ErrorCode
			}
			return desc
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
