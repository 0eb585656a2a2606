package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// JSONRPCVersion is the JSON-RPC protocol version carried by every MCP
// message.
const JSONRPCVersion = "2.0"

// ErrClassification is returned by [Classify] when a payload does not
// match exactly one of the three message shapes.
var ErrClassification = errors.New("unclassifiable JSON-RPC message")

// ParseVersion splits a JSON-RPC version string into its numeric major
// and minor components.
func ParseVersion(v string) (major, minor uint32, err error) {
	head, tail, ok := strings.Cut(v, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed jsonrpc version %q", v)
	}
	maj, err := strconv.ParseUint(head, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed jsonrpc version %q: %w", v, err)
	}
	mnr, err := strconv.ParseUint(tail, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed jsonrpc version %q: %w", v, err)
	}
	return uint32(maj), uint32(mnr), nil
}

// compatibleVersion reports whether v has the same major and minor
// version as [JSONRPCVersion].
func compatibleVersion(v string) error {
	major, minor, err := ParseVersion(v)
	if err != nil {
		return err
	}
	wantMajor, wantMinor, _ := ParseVersion(JSONRPCVersion)
	if major != wantMajor || minor != wantMinor {
		return fmt.Errorf("incompatible jsonrpc version %q (want %s)", v, JSONRPCVersion)
	}
	return nil
}

// RequestID correlates a [Response] with the [Request] that caused it.
type RequestID uint64

// Message is one of [*Request], [*Response] or [*Notification].
type Message interface {
	isMessage()
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and
// params. Params are marshalled immediately; nil params are omitted.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// MessageID returns the correlation ID of m and whether it has one.
func MessageID(m Message) (RequestID, bool) {
	switch v := m.(type) {
	case *Request:
		return v.ID, true
	case *Response:
		return v.ID, true
	default:
		return 0, false
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}

// knownFields is the union of fields across the three message shapes.
var knownFields = map[string]bool{
	"jsonrpc": true,
	"id":      true,
	"method":  true,
	"params":  true,
	"result":  true,
	"error":   true,
}

// Classify decodes a single wire payload into a [Message]. The variant is
// chosen from the set of top-level fields present before any typed
// decoding happens:
//
//   - method and id: [Request]
//   - method without id: [Notification]
//   - id with exactly one of result or error: [Response]
//
// Payloads carrying unknown fields, mixing request and response fields,
// or matching no shape are rejected with [ErrClassification].
func Classify(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrClassification)
	}

	for k := range fields {
		if !knownFields[k] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrClassification, k)
		}
	}

	version, err := decodeVersion(fields["jsonrpc"])
	if err != nil {
		return nil, err
	}

	_, hasID := fields["id"]
	_, hasMethod := fields["method"]
	_, hasParams := fields["params"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]

	switch {
	case hasMethod && (hasResult || hasError):
		return nil, fmt.Errorf("%w: method present alongside result/error", ErrClassification)

	case hasMethod && hasID:
		req := &Request{JSONRPC: version, Params: nonNull(fields["params"])}
		if err := decodeField(fields, "id", &req.ID); err != nil {
			return nil, err
		}
		if err := decodeMethod(fields, &req.Method); err != nil {
			return nil, err
		}
		return req, nil

	case hasMethod:
		notif := &Notification{JSONRPC: version, Params: nonNull(fields["params"])}
		if err := decodeMethod(fields, &notif.Method); err != nil {
			return nil, err
		}
		return notif, nil

	case !hasID:
		return nil, fmt.Errorf("%w: no method and no id", ErrClassification)

	case hasParams:
		return nil, fmt.Errorf("%w: params present without method", ErrClassification)

	case hasResult == hasError:
		return nil, fmt.Errorf("%w: response must carry exactly one of result or error", ErrClassification)
	}

	resp := &Response{JSONRPC: version}
	if err := decodeField(fields, "id", &resp.ID); err != nil {
		return nil, err
	}
	if hasResult {
		resp.Result = fields["result"]
		return resp, nil
	}
	if err := decodeField(fields, "error", &resp.Error); err != nil {
		return nil, err
	}
	if resp.Error == nil {
		return nil, fmt.Errorf("%w: error field is null", ErrClassification)
	}
	return resp, nil
}

// EncodeMessage marshals m into its wire form, filling in the protocol
// version when the caller left it empty.
func EncodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Request:
		if v.JSONRPC == "" {
			v.JSONRPC = JSONRPCVersion
		}
	case *Response:
		if v.JSONRPC == "" {
			v.JSONRPC = JSONRPCVersion
		}
		if v.Result == nil && v.Error == nil {
			cp := *v
			cp.Result = json.RawMessage("null")
			return json.Marshal(&cp)
		}
	case *Notification:
		if v.JSONRPC == "" {
			v.JSONRPC = JSONRPCVersion
		}
	case nil:
		return nil, errors.New("encode nil message")
	}
	return json.Marshal(m)
}

func decodeVersion(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing jsonrpc field", ErrClassification)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: jsonrpc: %w", ErrClassification, err)
	}
	if err := compatibleVersion(v); err != nil {
		return "", fmt.Errorf("%w: %w", ErrClassification, err)
	}
	return v, nil
}

func decodeMethod(fields map[string]json.RawMessage, dst *string) error {
	if err := decodeField(fields, "method", dst); err != nil {
		return err
	}
	if *dst == "" {
		return fmt.Errorf("%w: empty method", ErrClassification)
	}
	return nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	raw := fields[name]
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) && name == "id" {
		return fmt.Errorf("%w: null id", ErrClassification)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrClassification, name, err)
	}
	return nil
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
