package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client speaks the framing protocol to a worker. Each call opens its own
// connection, since the server answers exactly one request per connection.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// NewClient returns a client for addr with a default 30s timeout.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: 30 * time.Second}
}

// Do sends env and decodes the single response frame into out.
func (c *Client) Do(ctx context.Context, env *Envelope, out any) error {
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	if err := WriteMessage(conn, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Command, err)
	}
	if err := ReadMessage(conn, out); err != nil {
		return fmt.Errorf("read %s response: %w", env.Command, err)
	}
	return nil
}

// Ping asks the worker for a pong.
func (c *Client) Ping(ctx context.Context) (*Pong, error) {
	var pong Pong
	if err := c.Do(ctx, &Envelope{Command: CommandPing}, &pong); err != nil {
		return nil, err
	}
	return &pong, nil
}

// Execute dispatches request to module.class. request and config may be
// raw JSON ([]byte, json.RawMessage, string) or any value that marshals to
// a JSON object; config may be nil.
func (c *Client) Execute(ctx context.Context, module, class string, request, config any) (*Response, error) {
	reqJSON, err := embed(request)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	cfgJSON, err := embed(config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	env := &Envelope{
		Command:       CommandExecute,
		HandlerModule: module,
		HandlerClass:  class,
		RequestJSON:   reqJSON,
		ConfigJSON:    cfgJSON,
	}
	var resp Response
	if err := c.Do(ctx, env, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the worker to stop after acknowledging.
func (c *Client) Shutdown(ctx context.Context) (*ShutdownAck, error) {
	var ack ShutdownAck
	if err := c.Do(ctx, &Envelope{Command: CommandShutdown}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func embed(v any) (EmbeddedJSON, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case EmbeddedJSON:
		return t, nil
	case json.RawMessage:
		return EmbeddedJSON(t), nil
	case []byte:
		return EmbeddedJSON(t), nil
	case string:
		return EmbeddedJSON(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return EmbeddedJSON(b), nil
	}
}
