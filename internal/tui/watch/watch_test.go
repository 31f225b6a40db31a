package watch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dgworker/internal/api"
	"github.com/mattjoyce/dgworker/internal/events"
	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func event(t *testing.T, id int64, typ string, data any) eventMsg {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return eventMsg(events.Event{ID: id, Type: typ, At: time.Now(), Data: b})
}

func drain(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestReadEvents(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"id: 4\nevent: handler.transition\ndata: {\"to\":\"READY\"}\n\n" +
		"id: 5\nevent: dispatch.completed\ndata: {\"a\":1}\ndata: {\"b\":2}\n\n" +
		"id: 6\nevent: dispatch.completed\n\n" +
		"id: 7\ndata:{}\n"

	ch := make(chan events.Event, 10)
	readEvents(strings.NewReader(stream), ch)
	got := drain(ch)

	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, lifecycle.EventTransition, got[0].Type)
	assert.JSONEq(t, `{"to":"READY"}`, string(got[0].Data))
	assert.Equal(t, int64(5), got[1].ID)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}", string(got[1].Data))
}

func TestSubscribeResumesAfterLastID(t *testing.T) {
	var lastEventID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		lastEventID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 13\nevent: dispatch.completed\ndata: {}\n\n"))
	}))
	defer srv.Close()

	ch := make(chan events.Event, 10)
	msg := subscribeToEvents(srv.Client(), srv.URL, 12, ch)()

	assert.IsType(t, sseDisconnectedMsg{}, msg)
	assert.Equal(t, "12", lastEventID)
	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, int64(13), got[0].ID)
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.HealthzResponse{
			Status: "ok", UptimeSeconds: 90, WorkerID: "w1",
			HandlersLoaded: 4, RequestsHandled: 12, EventsDropped: 3,
		})
	}))
	defer srv.Close()

	msg := fetchHealth(srv.Client(), srv.URL)
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "w1", h.WorkerID)
	assert.Equal(t, int64(3), h.EventsDropped)

	_, isErr := fetchHealth(srv.Client(), srv.URL+"/missing").(errMsg)
	assert.True(t, isErr)
}

func TestUpdateTracksHandlers(t *testing.T) {
	var m tea.Model = *New("http://127.0.0.1:25433/")
	const echo = "handlers.echo.EchoHandler"
	const xf = "handlers.transform.Transform"

	msgs := []tea.Msg{
		tea.WindowSizeMsg{Width: 160, Height: 50},
		event(t, 1, lifecycle.EventTransition, lifecycle.TransitionEvent{Handler: echo, From: handler.StatusCreated, To: handler.StatusStarting}),
		event(t, 2, lifecycle.EventTransition, lifecycle.TransitionEvent{Handler: echo, From: handler.StatusStarting, To: handler.StatusReady}),
		event(t, 3, lifecycle.EventCompleted, lifecycle.CompletedEvent{Handler: echo, RequestID: "r1", Status: protocol.StatusSuccess, ExecutionTimeMs: 1.5}),
		event(t, 4, lifecycle.EventCompleted, lifecycle.CompletedEvent{Handler: xf, RequestID: "r2", Status: protocol.StatusError, ErrorCode: "VALIDATION_ERROR"}),
		event(t, 5, "unknown.type", map[string]int{"x": 1}),
		healthMsg{Status: "ok", WorkerID: "w1", HandlersLoaded: 2, RequestsHandled: 2, EventsDropped: 7},
	}
	for _, msg := range msgs {
		var cmd tea.Cmd
		m, cmd = m.Update(msg)
		if _, isEvent := msg.(eventMsg); isEvent {
			assert.NotNil(t, cmd, "events re-arm the receiver")
		}
	}

	wm := m.(Model)
	assert.Equal(t, int64(5), wm.lastID)
	require.Len(t, wm.eventLog, 5)
	assert.Equal(t, int64(5), wm.eventLog[0].ID, "newest first")

	e := wm.handlers[echo]
	require.NotNil(t, e)
	assert.Equal(t, "READY", e.Status)
	assert.Equal(t, 2, e.Transitions)
	assert.Equal(t, 1, e.Dispatches)
	assert.Zero(t, e.Failures)
	assert.Equal(t, 1.5, e.LastMs)

	x := wm.handlers[xf]
	require.NotNil(t, x)
	assert.Equal(t, 1, x.Failures)
	assert.Equal(t, "VALIDATION_ERROR", x.LastError)
	assert.Len(t, wm.handlers, 2)

	assert.True(t, wm.health.Connected)
	assert.Equal(t, int64(7), wm.health.EventsDropped)

	view := wm.View()
	assert.Contains(t, view, "w1")
	assert.Contains(t, view, "events dropped: 7")
	assert.Contains(t, view, "READY")
	assert.Contains(t, view, "VALIDATION_ERROR")
}

func TestUpdateDisconnectAndQuit(t *testing.T) {
	var m tea.Model = *New("http://127.0.0.1:25433")
	m, _ = m.Update(healthMsg{Status: "ok"})

	m, cmd := m.Update(sseDisconnectedMsg{})
	wm := m.(Model)
	assert.False(t, wm.health.Connected)
	assert.Contains(t, wm.lastError, "disconnected")
	assert.NotNil(t, cmd)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestViewBeforeResize(t *testing.T) {
	m := New("http://127.0.0.1:25433")
	assert.Equal(t, "Connecting to http://127.0.0.1:25433...", m.View())
}
