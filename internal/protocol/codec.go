package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMalformedEnvelope is returned when a request body cannot be read as an envelope.
var ErrMalformedEnvelope = errors.New("parse error")

var nullID = json.RawMessage("null")

// Decode parses a request body into an Envelope.
// Anything that is not a JSON object is a malformed envelope, whatever its method.
func Decode(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// DecodeToolCall extracts the operation name and arguments of a tools/call request.
func DecodeToolCall(env *Envelope) (*ToolCall, error) {
	if len(env.Params) == 0 || bytes.Equal(bytes.TrimSpace(env.Params), nullID) {
		return nil, errors.New("missing params")
	}
	var call ToolCall
	if err := json.Unmarshal(env.Params, &call); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if call.Name == "" {
		return nil, errors.New("missing tool name")
	}
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage("{}")
	}
	return &call, nil
}

// EchoID returns the id to place in a response. A missing id is echoed as null.
func EchoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: EchoID(id), Result: result}
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: EchoID(id), Error: &Error{Code: code, Message: message}}
}

// WrapText renders an executor payload as the text blob callers receive.
// The payload is pretty-printed with two-space indentation.
func WrapText(payload json.RawMessage) (*ToolResult, error) {
	text := "null"
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 {
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid result payload")
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
			return nil, fmt.Errorf("invalid result payload: %w", err)
		}
		text = buf.String()
	}
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}, nil
}

// UnwrapText returns the JSON text carried by the first text content item.
func UnwrapText(result *ToolResult) (json.RawMessage, error) {
	for _, c := range result.Content {
		if c.Type != "text" {
			continue
		}
		if !json.Valid([]byte(c.Text)) {
			return nil, fmt.Errorf("text content is not JSON")
		}
		return json.RawMessage(c.Text), nil
	}
	return nil, errors.New("result has no text content")
}
