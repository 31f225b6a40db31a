package handler

import (
	"context"
	"fmt"
	"maps"

	"github.com/mattjoyce/dgworker/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_handler.go -package=mocks github.com/mattjoyce/dgworker/internal/handler Handler

// Status is the lifecycle state of a handler instance.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusStarting  Status = "STARTING"
	StatusReady     Status = "READY"
	StatusExecuting Status = "EXECUTING"
	StatusStopping  Status = "STOPPING"
	StatusStopped   Status = "STOPPED"
	StatusFailed    Status = "FAILED"
)

// Handler is a unit of request-processing logic.
//
// Start validates the request and acquires resources; a *Error of kind
// ValidationError fails the dispatch before Compute runs. Compute returns the
// result map that becomes the response's result. Stop is called exactly once
// per dispatch, with the response that will be returned to the caller.
type Handler interface {
	RequestType() string
	Description() string
	Start(ctx context.Context, req *protocol.Request) error
	Compute(ctx context.Context, req *protocol.Request) (map[string]any, error)
	Stop(ctx context.Context, resp *protocol.Response) error
}

// Constructor is implemented by handlers that accept per-invocation config.
// In the cached scope Construct runs on every invocation and must be
// idempotent.
type Constructor interface {
	Construct(cfg Config) error
}

// PropertiesAware is implemented by handlers that read application
// properties.
type PropertiesAware interface {
	SetAppProperties(props Properties)
}

// Factory creates a fresh handler instance.
type Factory func() Handler

// Config is the construction-time configuration decoded from config_json.
type Config map[string]any

// String returns a config value as a string.
func (c Config) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	if s, isString := v.(string); isString {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Properties is a read-only view of process-wide application properties.
type Properties struct {
	m map[string]any
}

// NewProperties copies m so later changes to it are not observed.
func NewProperties(m map[string]any) Properties {
	return Properties{m: maps.Clone(m)}
}

func (p Properties) Get(key string) (any, bool) {
	v, ok := p.m[key]
	return v, ok
}

// String returns the property as a string, or def when it is absent.
func (p Properties) String(key, def string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		return def
	}
	if s, isString := v.(string); isString {
		return s
	}
	return fmt.Sprint(v)
}

func (p Properties) Len() int { return len(p.m) }

// Map returns a copy of the underlying map.
func (p Properties) Map() map[string]any {
	out := maps.Clone(p.m)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Base supplies no-op lifecycle methods and property access. Embed it and
// override what the handler needs.
type Base struct {
	Props Properties
}

func (b *Base) SetAppProperties(props Properties) { b.Props = props }

func (b *Base) Start(context.Context, *protocol.Request) error { return nil }

func (b *Base) Stop(context.Context, *protocol.Response) error { return nil }

// Property looks up an application property.
func (b *Base) Property(key, def string) string { return b.Props.String(key, def) }
