package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/dgworker/internal/events"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams lifecycle events as server-sent events.
//
// Query parameters:
//   - type: comma-separated event types to keep (default all)
//   - since: replay retained events after this id; Last-Event-ID wins when set
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := events.NewFilter(strings.Split(r.URL.Query().Get("type"), ",")...)
	cursor := parseLastEventID(r.URL.Query().Get("since"))
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		cursor = parseLastEventID(id)
	}

	// Subscribe before the replay so nothing published in between is lost.
	live, cancel := s.events.Subscribe(filter)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range s.events.SnapshotSince(cursor, filter) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		cursor = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.ID <= cursor {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			cursor = ev.ID
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE writes one event frame. Data is single-line JSON.
func writeSSE(w io.Writer, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := io.WriteString(w, b.String())
	return err
}
