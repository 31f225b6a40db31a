package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed marks a frame whose payload is not a valid JSON document.
	ErrMalformed = errors.New("malformed message")

	// ErrEncode marks a value that could not be serialized for the wire.
	ErrEncode = errors.New("encode message")
)

// ReadMessage reads one frame from r and unmarshals its JSON payload into v.
func ReadMessage(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// WriteMessage serializes v as JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return WriteFrame(w, payload)
}

// DecodeEnvelope parses a command envelope from a frame payload.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// DecodeObject parses an optional JSON object such as config_json or an
// app-properties body. Empty input decodes to an empty map.
func DecodeObject(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Unmarshal decodes a single JSON document into v, keeping numbers as
// json.Number so integers beyond 2^53 survive a round trip.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid character after top-level value")
	}
	return nil
}
