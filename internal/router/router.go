package router

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

var _ Dispatcher = (*lifecycle.Controller)(nil)

// Router maps socket commands onto the dispatch engine.
type Router struct {
	dispatcher Dispatcher
	workerID   string
	now        func() time.Time
}

// New creates a Router answering pings as workerID.
func New(d Dispatcher, workerID string) *Router {
	return &Router{dispatcher: d, workerID: workerID, now: time.Now}
}

// Route handles one envelope. It always produces a body.
func (r *Router) Route(ctx context.Context, env *protocol.Envelope) Result {
	switch env.Command {
	case protocol.CommandPing:
		return Result{Body: protocol.Pong{
			Status:    protocol.StatusPong,
			Timestamp: r.now().UTC().Format(time.RFC3339Nano),
			WorkerID:  r.workerID,
		}}

	case protocol.CommandExecute:
		resp := r.dispatcher.Dispatch(ctx, lifecycle.Invocation{
			Identifier: handler.Join(env.HandlerModule, env.HandlerClass),
			Request:    requestOrEmpty(env.RequestJSON),
			Config:     env.ConfigJSON,
		})
		return Result{Body: resp}

	case protocol.CommandShutdown:
		return Result{Body: protocol.ShutdownAck{Status: protocol.StatusShutdownAck}, Shutdown: true}

	default:
		return Result{Body: protocol.CommandError{
			Status:       protocol.StatusError,
			ErrorMessage: fmt.Sprintf("Unknown command: %s", env.Command),
		}}
	}
}

// requestOrEmpty substitutes an empty object for a missing request_json.
func requestOrEmpty(b protocol.EmbeddedJSON) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
