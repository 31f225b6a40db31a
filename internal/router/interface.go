package router

import (
	"context"

	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// Dispatcher runs one handler invocation. *lifecycle.Controller satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv lifecycle.Invocation) *protocol.Response
}

// Result is the routing outcome for one envelope.
type Result struct {
	// Body is written back to the caller as one frame.
	Body any
	// Shutdown asks the transport to stop after Body is sent.
	Shutdown bool
}
