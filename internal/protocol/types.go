package protocol

import (
	"bytes"
	"encoding/json"
)

// Commands accepted on the socket transport.
const (
	CommandPing     = "ping"
	CommandExecute  = "execute"
	CommandShutdown = "shutdown"
)

// Status values carried in response bodies.
const (
	StatusSuccess     = "SUCCESS"
	StatusError       = "ERROR"
	StatusPong        = "pong"
	StatusShutdownAck = "shutdown_ack"
)

// UnknownRequestID is reported when the request body could not be parsed.
const UnknownRequestID = "unknown"

// Envelope is the command document sent by the host on the socket transport.
type Envelope struct {
	Command       string       `json:"command"`
	HandlerModule string       `json:"handler_module,omitempty"`
	HandlerClass  string       `json:"handler_class,omitempty"`
	RequestJSON   EmbeddedJSON `json:"request_json,omitempty"`
	ConfigJSON    EmbeddedJSON `json:"config_json,omitempty"`
}

// EmbeddedJSON is a JSON document the host may send either inline or encoded
// as a string. It is always written back as a string.
type EmbeddedJSON []byte

func (e *EmbeddedJSON) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*e = nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = EmbeddedJSON(s)
	default:
		*e = append((*e)[:0], b...)
	}
	return nil
}

func (e EmbeddedJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(e))
}

// Response is the canonical result of one dispatched request.
type Response struct {
	Status          string         `json:"status"` // SUCCESS | ERROR
	RequestID       string         `json:"requestId"`
	HandlerType     string         `json:"handlerType,omitempty"`
	Result          map[string]any `json:"result,omitzero"`
	Data            map[string]any `json:"data,omitzero"` // cached scope only
	ExecutionTimeMs float64        `json:"executionTimeMs,omitempty"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	StackTrace      string         `json:"stackTrace,omitempty"`
}

// OK reports whether the response carries a SUCCESS status.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Pong answers the ping command.
type Pong struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	WorkerID  string `json:"worker_id"`
}

// ShutdownAck answers the shutdown command.
type ShutdownAck struct {
	Status string `json:"status"`
}

// CommandError is returned for envelopes the router cannot act on.
type CommandError struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}
