package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/dgworker/internal/protocol"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.executor.Stats()
	resp := HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		WorkerID:        stats.WorkerID,
		HandlersLoaded:  len(s.handlers.Describe()),
		RequestsHandled: stats.RequestsHandled,
	}
	if s.events != nil {
		resp.EventsDropped = s.events.Dropped()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleExecute runs one handler. Handler failures are reported in the
// response body with HTTP 200; only malformed calls get an HTTP error.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, protocol.MaxFrameBytes)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		s.writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if len(req.Request) == 0 {
		s.writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	resp := s.executor.Execute(r.Context(), req.Identifier, req.Request, req.AppProperties)

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "handler", req.Identifier, "error", err)
		s.writeError(w, http.StatusInternalServerError, "response could not be encoded")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.executor.Ping()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.executor.Stats())
}

func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HandlersResponse{Handlers: s.handlers.Describe()})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
