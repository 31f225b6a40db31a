package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// Echo returns the request payload together with runtime metadata.
type Echo struct {
	handler.Base
	WorkerID string
}

func (e *Echo) RequestType() string { return "ECHO" }

func (e *Echo) Description() string {
	return "Echo handler: returns the payload as-is with worker runtime metadata"
}

func (e *Echo) Compute(_ context.Context, req *protocol.Request) (map[string]any, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	var correlationID any
	if req.CorrelationID != "" {
		correlationID = req.CorrelationID
	}
	workerID := e.WorkerID
	if workerID == "" {
		workerID = "unknown"
	}

	return map[string]any{
		"echo":          payload,
		"source":        "GO_WORKER",
		"goVersion":     runtime.Version(),
		"platform":      runtime.GOOS + "/" + runtime.GOARCH,
		"workerId":      workerID,
		"pid":           os.Getpid(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"requestId":     req.ID(),
		"correlationId": correlationID,
		"appName":       e.Property("dgfacade.app-name", "DGFacade"),
		"version":       e.Property("dgfacade.version", "unknown"),
	}, nil
}
