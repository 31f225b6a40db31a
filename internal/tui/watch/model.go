package watch

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dgworker/internal/api"
	"github.com/mattjoyce/dgworker/internal/events"
)

const (
	eventLogSize   = 50
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	client *http.Client

	width  int
	height int

	health   HealthState
	handlers handlerStates
	eventLog []events.Event
	lastID   int64

	table   table.Model
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the RPC delegate at apiURL.
func New(apiURL string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		client:    &http.Client{},
		handlers:  make(handlerStates),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		table:     newHandlerTable(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(theme.Highlight)),
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.client, m.apiURL) },
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-8, 20))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.handlers.apply(e)
		m.table.SetRows(handlerRows(m.handlers.sorted()))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, m.pollHealth()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollHealth()
	}

	return m, nil
}

func (m Model) pollHealth() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg {
		return fetchHealth(m.client, m.apiURL)
	})
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.apiURL + "..."
	}

	header := renderHeader(m.health, m.spinner.View(), m.theme, m.width)
	handlers := renderHandlers(m.table, len(m.handlers) == 0, m.theme, m.width)
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, handlers, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll handlers"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
