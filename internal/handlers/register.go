// Package handlers contains the built-in handlers shipped with the worker.
package handlers

import (
	"github.com/mattjoyce/dgworker/internal/handler"
)

// Module paths of the built-in handlers.
const (
	EchoModule      = "handlers.echo"
	TransformModule = "handlers.transform"
)

// Register adds the built-in handlers to reg. workerID is reported by the
// echo handler.
func Register(reg *handler.Registry, workerID string) error {
	if err := reg.Register(EchoModule, "EchoHandler", func() handler.Handler {
		return &Echo{WorkerID: workerID}
	}, "echo"); err != nil {
		return err
	}
	return reg.Register(TransformModule, "TransformHandler", func() handler.Handler {
		return &Transform{}
	}, "transform")
}
