package api

import (
	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// ExecuteRequest is the body of POST /rpc/execute. Request and
// AppProperties may be JSON objects or JSON-encoded strings.
type ExecuteRequest struct {
	Identifier    string                `json:"identifier"`
	Request       protocol.EmbeddedJSON `json:"request"`
	AppProperties protocol.EmbeddedJSON `json:"app_properties,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	WorkerID        string `json:"worker_id"`
	HandlersLoaded  int    `json:"handlers_loaded"`
	RequestsHandled int64  `json:"requests_handled"`
	EventsDropped   int64  `json:"events_dropped,omitempty"`
}

// HandlersResponse is returned by GET /rpc/handlers.
type HandlersResponse struct {
	Handlers []handler.Info `json:"handlers"`
}
