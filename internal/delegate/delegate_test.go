package delegate

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/handlers"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newDelegate(t *testing.T, opts ...lifecycle.Option) *Delegate {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, handlers.Register(reg, "py-1"))
	return New(reg, "py-1", opts...)
}

func decode(t *testing.T, body string) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	return resp
}

func TestExecuteHandler(t *testing.T) {
	d := newDelegate(t)
	body := d.ExecuteHandler("handlers.echo.EchoHandler", `{"requestId":"d1","payload":{"k":"v"}}`, `{"dgfacade.version":"2.0"}`)

	resp := decode(t, body)
	require.True(t, resp.OK(), resp.ErrorMessage)
	assert.Equal(t, "d1", resp.RequestID)
	assert.Equal(t, map[string]any{"k": "v"}, resp.Result["echo"])
	assert.Equal(t, "2.0", resp.Result["version"])
	assert.Nil(t, resp.Data, "per-request responses carry no data block")
}

func TestExecuteHandlerEmptyPropertiesUseProcessDefaults(t *testing.T) {
	d := newDelegate(t, lifecycle.WithProperties(handler.NewProperties(map[string]any{"dgfacade.version": "1.9"})))
	resp := decode(t, d.ExecuteHandler("echo", `{"requestId":"d2"}`, ""))
	assert.Equal(t, "1.9", resp.Result["version"])
}

func TestExecuteHandlerErrors(t *testing.T) {
	d := newDelegate(t)

	resp := decode(t, d.ExecuteHandler("echo", `{broken`, ""))
	assert.Equal(t, string(handler.DecodeError), resp.ErrorCode)
	assert.Equal(t, protocol.UnknownRequestID, resp.RequestID)

	resp = decode(t, d.ExecuteHandler("handlers.nope.Missing", `{"requestId":"d3"}`, ""))
	assert.Equal(t, string(handler.ResolutionError), resp.ErrorCode)
	assert.Equal(t, "d3", resp.RequestID)
	assert.Equal(t, "handlers.nope.Missing", resp.HandlerType)
	assert.NotEmpty(t, resp.StackTrace)
}

func TestDelegateForcesPerRequestScope(t *testing.T) {
	d := newDelegate(t, lifecycle.WithScope(lifecycle.Cached))
	assert.Equal(t, lifecycle.PerRequest, d.ctrl.Scope())
}

func TestPingAndStats(t *testing.T) {
	d := newDelegate(t)
	assert.Equal(t, "pong", d.Ping())

	d.ExecuteHandler("echo", `{}`, "")
	d.ExecuteHandler("transform", `{"payload":{}}`, "")

	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(d.GetStats()), &stats))
	assert.Equal(t, int64(2), stats.RequestsHandled)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, "py-1", stats.WorkerID)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Equal(t, "pong", d.Ping())
}

func TestConcurrentCallers(t *testing.T) {
	d := newDelegate(t)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := decode(t, d.ExecuteHandlerContext(context.Background(), "transform",
				`{"payload":{"operation":"REVERSE","text":"abc"}}`, ""))
			assert.Equal(t, "cba", resp.Result["result"])
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), d.Stats().RequestsHandled)
	assert.Zero(t, d.Stats().Errors)
}
