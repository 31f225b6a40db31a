package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dgworker/internal/api"
	"github.com/mattjoyce/dgworker/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

const healthTimeout = 2 * time.Second

// --- Commands ---

// subscribeToEvents streams /events into ch, resuming after lastID. It
// returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(client *http.Client, apiURL string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{}
		}

		readEvents(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readEvents parses server-sent event frames from r until EOF. Comment
// lines such as keep-alives are skipped.
func readEvents(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var current events.Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				current.At = time.Now()
				current.Data = []byte(strings.Join(data, "\n"))
				ch <- current
			}
			current, data = events.Event{}, nil
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.ID = id
			}
		case "event":
			current.Type = value
		case "data":
			data = append(data, value)
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(client *http.Client, apiURL string) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/healthz", nil)
	if err != nil {
		return errMsg(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("healthz: HTTP %d", resp.StatusCode))
	}

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
