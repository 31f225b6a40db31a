// Package delegate exposes the dispatch engine as a callback-style object
// for callers that invoke the worker synchronously, possibly from many
// goroutines at once.
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// Stats is the body returned by GetStats.
type Stats struct {
	RequestsHandled int64  `json:"requestsHandled"`
	Errors          int64  `json:"errors"`
	WorkerID        string `json:"workerId"`
	PID             int    `json:"pid"`
}

// Delegate runs handlers with a fresh instance per call.
type Delegate struct {
	ctrl     *lifecycle.Controller
	workerID string
	logger   *slog.Logger
}

// New builds a delegate over reg. Any scope option is overridden: the
// delegate always dispatches with lifecycle.PerRequest.
func New(reg *handler.Registry, workerID string, opts ...lifecycle.Option) *Delegate {
	logger := log.WithComponent("delegate")
	opts = append([]lifecycle.Option{lifecycle.WithLogger(logger)}, opts...)
	opts = append(opts, lifecycle.WithScope(lifecycle.PerRequest))
	d := &Delegate{
		ctrl:     lifecycle.New(reg, opts...),
		workerID: workerID,
		logger:   logger,
	}
	d.logger.Info("delegate initialized", "worker_id", workerID)
	return d
}

// ExecuteHandler dispatches requestJSON to identifier and returns the
// response document. An empty appPropertiesJSON uses the process-wide
// properties.
func (d *Delegate) ExecuteHandler(identifier, requestJSON, appPropertiesJSON string) string {
	return d.ExecuteHandlerContext(context.Background(), identifier, requestJSON, appPropertiesJSON)
}

// ExecuteHandlerContext is ExecuteHandler with a caller context.
func (d *Delegate) ExecuteHandlerContext(ctx context.Context, identifier, requestJSON, appPropertiesJSON string) string {
	resp := d.Execute(ctx, identifier, []byte(requestJSON), []byte(appPropertiesJSON))
	b, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("failed to encode response", "handler", identifier, "error", err)
		b, _ = json.Marshal(&protocol.Response{
			Status:       protocol.StatusError,
			RequestID:    resp.RequestID,
			HandlerType:  resp.HandlerType,
			ErrorCode:    string(handler.ExecutionError),
			ErrorMessage: fmt.Sprintf("response could not be encoded: %v", err),
		})
	}
	return string(b)
}

// Execute is the structured form used by in-process callers.
func (d *Delegate) Execute(ctx context.Context, identifier string, request, appProperties []byte) *protocol.Response {
	return d.ctrl.Dispatch(ctx, lifecycle.Invocation{
		Identifier: identifier,
		Request:    request,
		Properties: appProperties,
	})
}

// Ping always answers "pong".
func (d *Delegate) Ping() string { return protocol.StatusPong }

// Stats returns the dispatch counters with the worker identity.
func (d *Delegate) Stats() Stats {
	snap := d.ctrl.Stats()
	return Stats{
		RequestsHandled: snap.RequestsHandled,
		Errors:          snap.Errors,
		WorkerID:        d.workerID,
		PID:             os.Getpid(),
	}
}

// GetStats returns Stats as a JSON document.
func (d *Delegate) GetStats() string {
	b, err := json.Marshal(d.Stats())
	if err != nil {
		return "{}"
	}
	return string(b)
}
