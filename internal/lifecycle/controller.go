package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// Event types published to the Observer.
const (
	EventTransition = "handler.transition"
	EventCompleted  = "dispatch.completed"
)

// Observer receives lifecycle events. events.Hub satisfies it.
type Observer interface {
	Publish(eventType string, data any)
}

type observers []Observer

func (o observers) Publish(eventType string, data any) {
	for _, obs := range o {
		obs.Publish(eventType, data)
	}
}

// Observers fans events out to each non-nil observer in order.
func Observers(obs ...Observer) Observer {
	out := make(observers, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// TransitionEvent is published on every status change.
type TransitionEvent struct {
	DispatchID string         `json:"dispatch_id"`
	Handler    string         `json:"handler"`
	From       handler.Status `json:"from"`
	To         handler.Status `json:"to"`
}

// CompletedEvent is published once per dispatch.
type CompletedEvent struct {
	DispatchID      string  `json:"dispatch_id"`
	Handler         string  `json:"handler"`
	RequestID       string  `json:"request_id"`
	Status          string  `json:"status"`
	ErrorCode       string  `json:"error_code,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Scope           Scope   `json:"scope"`
}

// Invocation is one request to dispatch. Request, Config and Properties are
// raw JSON documents; empty Config means no config and empty Properties
// means the controller's process-wide properties.
type Invocation struct {
	Identifier string
	Request    []byte
	Config     []byte
	Properties []byte
}

// Controller drives handlers through their lifecycle and turns every outcome
// into exactly one protocol.Response.
type Controller struct {
	registry *handler.Registry
	scope    Scope
	props    handler.Properties
	observer Observer
	logger   *slog.Logger
	stats    Stats
}

// Option configures a Controller.
type Option func(*Controller)

func WithScope(s Scope) Option { return func(c *Controller) { c.scope = s } }

func WithProperties(p handler.Properties) Option { return func(c *Controller) { c.props = p } }

func WithObserver(o Observer) Option { return func(c *Controller) { c.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// New returns a controller resolving handlers from reg.
func New(reg *handler.Registry, opts ...Option) *Controller {
	c := &Controller{registry: reg, scope: PerRequest}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithComponent("lifecycle")
	}
	return c
}

// Scope reports how this controller obtains instances.
func (c *Controller) Scope() Scope { return c.scope }

// Stats returns a snapshot of the dispatch counters.
func (c *Controller) Stats() Snapshot { return c.stats.Snapshot() }

// Dispatch runs one invocation to completion. It never returns nil and
// never panics because of handler code.
func (c *Controller) Dispatch(ctx context.Context, inv Invocation) *protocol.Response {
	dispatchID := uuid.NewString()
	logger := c.logger.With(
		slog.String("dispatch_id", dispatchID),
		slog.String("handler", inv.Identifier),
	)

	resp := c.dispatch(ctx, dispatchID, inv, logger)
	c.stats.record(resp.OK())

	if resp.OK() {
		logger.Info("dispatch completed",
			"request_id", resp.RequestID,
			"execution_time_ms", resp.ExecutionTimeMs,
		)
	} else {
		logger.Warn("dispatch failed",
			"request_id", resp.RequestID,
			"error_code", resp.ErrorCode,
			"error", resp.ErrorMessage,
		)
	}

	if c.observer != nil {
		c.observer.Publish(EventCompleted, CompletedEvent{
			DispatchID:      dispatchID,
			Handler:         inv.Identifier,
			RequestID:       resp.RequestID,
			Status:          resp.Status,
			ErrorCode:       resp.ErrorCode,
			ExecutionTimeMs: resp.ExecutionTimeMs,
			Scope:           c.scope,
		})
	}
	return resp
}

func (c *Controller) dispatch(ctx context.Context, dispatchID string, inv Invocation, logger *slog.Logger) *protocol.Response {
	req, err := protocol.DecodeRequest(inv.Request)
	if err != nil {
		herr := handler.Errorf(handler.DecodeError, "invalid request JSON: %v", err).WithTrace()
		return failure(protocol.UnknownRequestID, inv.Identifier, herr, 0)
	}
	requestID := req.ID()

	cfg, err := protocol.DecodeObject(inv.Config)
	if err != nil {
		herr := handler.Errorf(handler.DecodeError, "invalid config JSON: %v", err).WithTrace()
		return failure(requestID, inv.Identifier, herr, 0)
	}

	props := c.props
	if len(bytes.TrimSpace(inv.Properties)) > 0 {
		m, err := protocol.DecodeObject(inv.Properties)
		if err != nil {
			herr := handler.Errorf(handler.DecodeError, "invalid app properties JSON: %v", err).WithTrace()
			return failure(requestID, inv.Identifier, herr, 0)
		}
		props = handler.NewProperties(m)
	}

	h, err := c.acquire(inv.Identifier)
	if err != nil {
		herr := handler.Wrap(handler.ResolutionError, err).WithTrace()
		return failure(requestID, inv.Identifier, herr, 0)
	}

	inst := newInstance(h, inv.Identifier, dispatchID, c.observer)
	return c.run(ctx, inst, req, handler.Config(cfg), props, logger)
}

// acquire returns a fresh instance (PerRequest) or the shared one (Cached).
func (c *Controller) acquire(identifier string) (h handler.Handler, err error) {
	defer func() {
		if v := recover(); v != nil {
			h, err = nil, handler.Recovered(v)
		}
	}()

	if c.scope == Cached {
		return c.registry.Instance(identifier)
	}
	f, err := c.registry.Resolve(identifier)
	if err != nil {
		return nil, err
	}
	if h = f(); h == nil {
		return nil, handler.Errorf(handler.ResolutionError, "factory for %q returned nil", identifier)
	}
	return h, nil
}

// run executes the handler and then stops it exactly once.
func (c *Controller) run(ctx context.Context, inst *Instance, req *protocol.Request, cfg handler.Config, props handler.Properties, logger *slog.Logger) (resp *protocol.Response) {
	defer func() { c.stop(ctx, inst, resp, logger) }()
	return c.execute(ctx, inst, req, cfg, props)
}

func (c *Controller) execute(ctx context.Context, inst *Instance, req *protocol.Request, cfg handler.Config, props handler.Properties) (resp *protocol.Response) {
	h := inst.Handler
	requestID := req.ID()
	var started time.Time

	defer func() {
		if v := recover(); v != nil {
			inst.fail()
			resp = failure(requestID, handlerType(inst), handler.Recovered(v), elapsedMs(started))
		}
	}()

	_ = inst.to(handler.StatusStarting)
	if pa, ok := h.(handler.PropertiesAware); ok {
		pa.SetAppProperties(props)
	}
	if ctor, ok := h.(handler.Constructor); ok {
		if err := ctor.Construct(cfg); err != nil {
			inst.fail()
			return failure(requestID, handlerType(inst), classify(err, handler.ValidationError), 0)
		}
	}
	if err := h.Start(ctx, req); err != nil {
		inst.fail()
		return failure(requestID, handlerType(inst), classify(err, handler.ExecutionError), 0)
	}
	_ = inst.to(handler.StatusReady)

	_ = inst.to(handler.StatusExecuting)
	started = time.Now()
	result, err := h.Compute(ctx, req)
	took := elapsedMs(started)
	if err != nil {
		inst.fail()
		return failure(requestID, handlerType(inst), classify(err, handler.ExecutionError), took)
	}

	if c.scope == Cached {
		return normalizeCached(requestID, handlerType(inst), result, took)
	}
	if result == nil {
		result = map[string]any{}
	}
	return &protocol.Response{
		Status:          protocol.StatusSuccess,
		RequestID:       requestID,
		HandlerType:     handlerType(inst),
		Result:          result,
		ExecutionTimeMs: took,
	}
}

// stop runs the handler's cleanup. Its failures are logged, never returned.
func (c *Controller) stop(ctx context.Context, inst *Instance, resp *protocol.Response, logger *slog.Logger) {
	failed := inst.Status() == handler.StatusFailed
	if !failed {
		_ = inst.to(handler.StatusStopping)
	}

	defer func() {
		if v := recover(); v != nil {
			herr := handler.Recovered(v)
			logger.Warn("handler stop panicked",
				"kind", handler.CleanupWarning,
				"error", herr.Message,
				"trace", herr.Trace,
			)
		}
		if !failed {
			_ = inst.to(handler.StatusStopped)
		}
	}()

	if err := inst.Handler.Stop(ctx, resp); err != nil {
		logger.Warn("handler stop failed", "kind", handler.CleanupWarning, "error", err)
	}
}

// normalizeCached applies the cached-scope result conventions: the handler
// returns a document with an optional status ("SUCCESS" by default), a data
// object and, on ERROR, an error_message.
func normalizeCached(requestID, handlerType string, result map[string]any, took float64) *protocol.Response {
	if result == nil {
		result = map[string]any{}
	}
	status, _ := result["status"].(string)
	if status == "" {
		status = protocol.StatusSuccess
	}

	if status == protocol.StatusError {
		msg, _ := result["error_message"].(string)
		if msg == "" {
			msg = "handler reported an error"
		}
		code, _ := result["error_code"].(string)
		if code == "" {
			code = string(handler.ExecutionError)
		}
		return &protocol.Response{
			Status:          protocol.StatusError,
			RequestID:       requestID,
			HandlerType:     handlerType,
			ExecutionTimeMs: took,
			ErrorCode:       code,
			ErrorMessage:    msg,
		}
	}

	var data map[string]any
	switch d := result["data"].(type) {
	case map[string]any:
		data = d
	case nil:
		data = map[string]any{}
	default:
		data = map[string]any{"result": fmt.Sprint(d)}
	}
	return &protocol.Response{
		Status:          protocol.StatusSuccess,
		RequestID:       requestID,
		HandlerType:     handlerType,
		Result:          result,
		Data:            data,
		ExecutionTimeMs: took,
	}
}

func failure(requestID, handlerType string, herr *handler.Error, took float64) *protocol.Response {
	return &protocol.Response{
		Status:          protocol.StatusError,
		RequestID:       requestID,
		HandlerType:     handlerType,
		ExecutionTimeMs: took,
		ErrorCode:       string(herr.Kind),
		ErrorMessage:    herr.Error(),
		StackTrace:      herr.Trace,
	}
}

func classify(err error, def handler.Kind) *handler.Error {
	return handler.Wrap(def, err).WithTrace()
}

// handlerType is the instance's request type, or its identifier when the
// handler reports none.
func handlerType(inst *Instance) (t string) {
	defer func() {
		if recover() != nil {
			t = inst.Identifier
		}
	}()
	if t = inst.Handler.RequestType(); t == "" {
		t = inst.Identifier
	}
	return t
}

func elapsedMs(since time.Time) float64 {
	if since.IsZero() {
		return 0
	}
	ms := float64(time.Since(since).Microseconds()) / 1000
	return math.Round(ms*100) / 100
}
