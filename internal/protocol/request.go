package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Request is the document a handler is asked to process. Hosts send either
// camelCase or snake_case keys; both decode to the same fields. Keys the
// worker does not know are kept in Extra and written back unchanged.
type Request struct {
	RequestID     string
	RequestType   string
	APIKey        string
	Payload       map[string]any
	Metadata      map[string]any
	Timestamp     string
	SourceChannel string
	CorrelationID string

	// Binding-specific fields.
	DeliveryDestination string
	TTLMinutes          int
	ResolvedUserID      string

	Extra map[string]any
}

// requestField maps a Request field to its accepted wire keys, canonical first.
type requestField struct {
	keys []string
	str  func(r *Request) *string
}

var stringFields = []requestField{
	{[]string{"requestId", "request_id"}, func(r *Request) *string { return &r.RequestID }},
	{[]string{"requestType", "request_type"}, func(r *Request) *string { return &r.RequestType }},
	{[]string{"apiKey", "api_key"}, func(r *Request) *string { return &r.APIKey }},
	{[]string{"timestamp"}, func(r *Request) *string { return &r.Timestamp }},
	{[]string{"sourceChannel", "source_channel"}, func(r *Request) *string { return &r.SourceChannel }},
	{[]string{"correlationId", "correlation_id"}, func(r *Request) *string { return &r.CorrelationID }},
	{[]string{"deliveryDestination", "delivery_destination"}, func(r *Request) *string { return &r.DeliveryDestination }},
	{[]string{"resolvedUserId", "resolved_user_id"}, func(r *Request) *string { return &r.ResolvedUserID }},
}

var (
	payloadKeys  = []string{"payload"}
	metadataKeys = []string{"metadata"}
	ttlKeys      = []string{"ttlMinutes", "ttl_minutes"}
)

// DecodeRequest parses a request document. The body must be a JSON object.
func DecodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var doc map[string]any
	if err := Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("request must be a JSON object: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("request must be a JSON object, got null")
	}

	*r = Request{}
	for _, f := range stringFields {
		v, ok := take(doc, f.keys)
		if !ok || v == nil {
			continue
		}
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("request field %q %w", f.keys[0], err)
		}
		*f.str(r) = s
	}

	var err error
	if r.Payload, err = takeObject(doc, payloadKeys); err != nil {
		return err
	}
	if r.Metadata, err = takeObject(doc, metadataKeys); err != nil {
		return err
	}

	if v, ok := take(doc, ttlKeys); ok && v != nil {
		num, isNumber := v.(json.Number)
		n, err := num.Int64()
		if !isNumber || err != nil {
			return fmt.Errorf("request field %q must be an integer", ttlKeys[0])
		}
		r.TTLMinutes = int(n)
	}

	if len(doc) > 0 {
		r.Extra = doc
	}
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Extra)+len(stringFields)+3)
	for k, v := range r.Extra {
		doc[k] = v
	}
	for _, f := range stringFields {
		if s := *f.str(&r); s != "" {
			doc[f.keys[0]] = s
		}
	}
	if r.Payload != nil {
		doc["payload"] = r.Payload
	}
	if r.Metadata != nil {
		doc["metadata"] = r.Metadata
	}
	if r.TTLMinutes != 0 {
		doc["ttlMinutes"] = r.TTLMinutes
	}
	return json.Marshal(doc)
}

// ID returns the request id, or UnknownRequestID when the host sent none.
func (r *Request) ID() string {
	if r == nil || strings.TrimSpace(r.RequestID) == "" {
		return UnknownRequestID
	}
	return r.RequestID
}

// PayloadValue returns a payload entry.
func (r *Request) PayloadValue(key string) (any, bool) {
	if r == nil || r.Payload == nil {
		return nil, false
	}
	v, ok := r.Payload[key]
	return v, ok
}

// scalarString accepts a string, number or boolean. Hosts that key requests
// by integer get the decimal text unchanged.
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("must be a string, got %T", v)
	}
}

// take removes and returns the first present key.
func take(doc map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			for _, other := range keys {
				delete(doc, other)
			}
			return v, true
		}
	}
	return nil, false
}

func takeObject(doc map[string]any, keys []string) (map[string]any, error) {
	v, ok := take(doc, keys)
	if !ok || v == nil {
		return nil, nil
	}
	m, isObject := v.(map[string]any)
	if !isObject {
		return nil, fmt.Errorf("request field %q must be an object", keys[0])
	}
	return m, nil
}
