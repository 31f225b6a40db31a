package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/handler/mocks"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const ident = "test.mod.Handler"

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []string
	trans  []TransitionEvent
	done   []CompletedEvent
}

func (r *recorder) Publish(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	switch ev := data.(type) {
	case TransitionEvent:
		r.trans = append(r.trans, ev)
	case CompletedEvent:
		r.done = append(r.done, ev)
	}
}

func (r *recorder) path() []handler.Status {
	var out []handler.Status
	for _, t := range r.trans {
		out = append(out, t.To)
	}
	return out
}

func registryWith(t *testing.T, h handler.Handler) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("test.mod", "Handler", func() handler.Handler { return h }))
	return reg
}

func invocation(req string) Invocation {
	return Invocation{Identifier: ident, Request: []byte(req)}
}

func TestDispatchSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("MOCK").AnyTimes()
	gomock.InOrder(
		h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil),
		h.EXPECT().Compute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req *protocol.Request) (map[string]any, error) {
				return map[string]any{"echo": req.Payload["message"]}, nil
			}),
		h.EXPECT().Stop(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, resp *protocol.Response) error {
				assert.True(t, resp.OK())
				return nil
			}),
	)

	rec := &recorder{}
	c := New(registryWith(t, h), WithObserver(rec))
	resp := c.Dispatch(context.Background(), invocation(`{"requestId":"r1","payload":{"message":"hi"}}`))

	require.True(t, resp.OK(), resp.ErrorMessage)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "MOCK", resp.HandlerType)
	assert.Equal(t, "hi", resp.Result["echo"])
	assert.GreaterOrEqual(t, resp.ExecutionTimeMs, 0.0)
	assert.Nil(t, resp.Data)

	assert.Equal(t, []handler.Status{
		handler.StatusStarting, handler.StatusReady, handler.StatusExecuting,
		handler.StatusStopping, handler.StatusStopped,
	}, rec.path())
	require.Len(t, rec.done, 1)
	assert.Equal(t, protocol.StatusSuccess, rec.done[0].Status)
	assert.Equal(t, rec.trans[0].DispatchID, rec.done[0].DispatchID)
	assert.Equal(t, Snapshot{RequestsHandled: 1}, c.Stats())
}

func TestDispatchComputeErrorStopsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("MOCK").AnyTimes()
	h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil)
	h.EXPECT().Compute(gomock.Any(), gomock.Any()).Return(nil, errors.New("compute exploded"))
	h.EXPECT().Stop(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, resp *protocol.Response) error {
			assert.Equal(t, protocol.StatusError, resp.Status)
			return nil
		}).Times(1)

	rec := &recorder{}
	c := New(registryWith(t, h), WithObserver(rec))
	resp := c.Dispatch(context.Background(), invocation(`{"requestId":"r2"}`))

	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "r2", resp.RequestID)
	assert.Equal(t, string(handler.ExecutionError), resp.ErrorCode)
	assert.Equal(t, "compute exploded", resp.ErrorMessage)
	assert.NotEmpty(t, resp.StackTrace)
	assert.Equal(t, handler.StatusFailed, rec.path()[len(rec.path())-1])
	assert.Equal(t, Snapshot{RequestsHandled: 1, Errors: 1}, c.Stats())
}

func TestDispatchValidationFailureSkipsCompute(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("MOCK").AnyTimes()
	h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(handler.Validation("missing 'operation'"))
	h.EXPECT().Stop(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	rec := &recorder{}
	c := New(registryWith(t, h), WithObserver(rec))
	resp := c.Dispatch(context.Background(), invocation(`{"requestId":"r3"}`))

	assert.Equal(t, string(handler.ValidationError), resp.ErrorCode)
	assert.NotContains(t, rec.path(), handler.StatusExecuting)
}

func TestDispatchComputePanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("MOCK").AnyTimes()
	h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil)
	h.EXPECT().Compute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *protocol.Request) (map[string]any, error) {
			panic("nil map write")
		})
	h.EXPECT().Stop(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	c := New(registryWith(t, h))
	resp := c.Dispatch(context.Background(), invocation(`{"requestId":"r4"}`))

	assert.Equal(t, string(handler.HandlerPanic), resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, "nil map write")
	assert.Contains(t, resp.StackTrace, "goroutine")
	assert.Equal(t, "r4", resp.RequestID)
}

func TestDispatchStopFailureIsOnlyLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("MOCK").AnyTimes()
	h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil)
	h.EXPECT().Compute(gomock.Any(), gomock.Any()).Return(map[string]any{"ok": true}, nil)
	h.EXPECT().Stop(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *protocol.Response) error { panic("cleanup") })

	c := New(registryWith(t, h))
	resp := c.Dispatch(context.Background(), invocation(`{"requestId":"r5"}`))

	assert.True(t, resp.OK())
	assert.Equal(t, true, resp.Result["ok"])
	assert.Equal(t, int64(0), c.Stats().Errors)
}

func TestDispatchNilResultBecomesEmptyMap(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)

	h.EXPECT().RequestType().Return("").AnyTimes()
	h.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil)
	h.EXPECT().Compute(gomock.Any(), gomock.Any()).Return(nil, nil)
	h.EXPECT().Stop(gomock.Any(), gomock.Any()).Return(nil)

	resp := New(registryWith(t, h)).Dispatch(context.Background(), invocation(`{}`))
	require.True(t, resp.OK())
	assert.NotNil(t, resp.Result)
	assert.Equal(t, ident, resp.HandlerType, "empty request type falls back to identifier")
	assert.Equal(t, protocol.UnknownRequestID, resp.RequestID)
}

func TestDispatchDecodeAndResolutionErrors(t *testing.T) {
	reg := handler.NewRegistry()
	c := New(reg)

	resp := c.Dispatch(context.Background(), invocation(`{not json`))
	assert.Equal(t, string(handler.DecodeError), resp.ErrorCode)
	assert.Equal(t, protocol.UnknownRequestID, resp.RequestID)
	assert.Equal(t, ident, resp.HandlerType)

	resp = c.Dispatch(context.Background(), Invocation{
		Identifier: ident, Request: []byte(`{"requestId":"r6"}`), Config: []byte(`[1]`),
	})
	assert.Equal(t, string(handler.DecodeError), resp.ErrorCode)
	assert.Equal(t, "r6", resp.RequestID)

	resp = c.Dispatch(context.Background(), Invocation{
		Identifier: ident, Request: []byte(`{"requestId":"r7"}`), Properties: []byte(`nope`),
	})
	assert.Equal(t, string(handler.DecodeError), resp.ErrorCode)

	resp = c.Dispatch(context.Background(), invocation(`{"requestId":"r8"}`))
	assert.Equal(t, string(handler.ResolutionError), resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, `cannot find module "test.mod"`)
	assert.Equal(t, "r8", resp.RequestID)

	assert.Equal(t, Snapshot{RequestsHandled: 4, Errors: 4}, c.Stats())
}

// configurable records what the controller injected.
type configurable struct {
	handler.Base
	constructs int
	cfg        handler.Config
	result     map[string]any
}

func (h *configurable) RequestType() string { return "CONF" }
func (h *configurable) Description() string { return "records config" }
func (h *configurable) Construct(cfg handler.Config) error {
	h.constructs++
	h.cfg = cfg
	if _, bad := cfg["fail"]; bad {
		return errors.New("bad config")
	}
	return nil
}
func (h *configurable) Compute(context.Context, *protocol.Request) (map[string]any, error) {
	return h.result, nil
}

func TestCachedScopeReusesAndNormalizes(t *testing.T) {
	var created int
	reg := handler.NewRegistry()
	var last *configurable
	reg.MustRegister("test.mod", "Handler", func() handler.Handler {
		created++
		last = &configurable{}
		return last
	})

	c := New(reg, WithScope(Cached), WithProperties(handler.NewProperties(map[string]any{"appName": "dg"})))
	ctx := context.Background()

	resp := c.Dispatch(ctx, Invocation{Identifier: ident, Request: []byte(`{"requestId":"a"}`), Config: []byte(`{"k":"v"}`)})
	require.True(t, resp.OK(), resp.ErrorMessage)
	assert.Equal(t, map[string]any{}, resp.Data)
	assert.Equal(t, "dg", last.Property("appName", ""))

	last.result = map[string]any{"data": map[string]any{"x": 1.0}}
	resp = c.Dispatch(ctx, Invocation{Identifier: ident, Request: []byte(`{"requestId":"b"}`)})
	require.True(t, resp.OK())
	assert.Equal(t, map[string]any{"x": 1.0}, resp.Data)

	last.result = map[string]any{"status": "ERROR", "error_message": "upstream down"}
	resp = c.Dispatch(ctx, Invocation{Identifier: ident, Request: []byte(`{"requestId":"c"}`)})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "upstream down", resp.ErrorMessage)
	assert.Equal(t, "c", resp.RequestID)

	assert.Equal(t, 1, created)
	assert.Equal(t, 3, last.constructs)
	assert.Empty(t, last.cfg)
}

func TestConstructFailureIsValidationError(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister("test.mod", "Handler", func() handler.Handler { return &configurable{} })

	resp := New(reg).Dispatch(context.Background(), Invocation{
		Identifier: ident, Request: []byte(`{}`), Config: []byte(`{"fail":true}`),
	})
	assert.Equal(t, string(handler.ValidationError), resp.ErrorCode)
	assert.Equal(t, "bad config", resp.ErrorMessage)
}

func TestPropertiesOverridePerInvocation(t *testing.T) {
	h := &configurable{}
	reg := registryWith(t, h)
	c := New(reg, WithProperties(handler.NewProperties(map[string]any{"appName": "default"})))

	c.Dispatch(context.Background(), Invocation{Identifier: ident, Request: []byte(`{}`), Properties: []byte(`{"appName":"override"}`)})
	assert.Equal(t, "override", h.Property("appName", ""))

	c.Dispatch(context.Background(), Invocation{Identifier: ident, Request: []byte(`{}`), Properties: []byte(`  `)})
	assert.Equal(t, "default", h.Property("appName", ""))
}

func TestConcurrentDispatchCounts(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister("test.mod", "Handler", func() handler.Handler { return &configurable{} })
	c := New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispatch(context.Background(), invocation(`{}`))
		}()
	}
	wg.Wait()
	assert.Equal(t, Snapshot{RequestsHandled: 50}, c.Stats())
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": PerRequest, "per_request": PerRequest, "CACHED": Cached, "singleton": Cached} {
		got, err := ParseScope(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseScope("pooled")
	assert.Error(t, err)
}

func TestInstanceTransitions(t *testing.T) {
	inst := newInstance(nil, ident, "d1", nil)
	assert.Equal(t, handler.StatusCreated, inst.Status())
	assert.Error(t, inst.to(handler.StatusExecuting))
	require.NoError(t, inst.to(handler.StatusStarting))
	require.NoError(t, inst.to(handler.StatusFailed))
	assert.Error(t, inst.to(handler.StatusStopping), "FAILED is terminal")
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := Observers(a, nil, b)
	obs.Publish(EventCompleted, CompletedEvent{Handler: "x"})

	assert.Equal(t, []string{EventCompleted}, a.events)
	assert.Equal(t, []string{EventCompleted}, b.events)
	assert.Len(t, b.done, 1)
}
