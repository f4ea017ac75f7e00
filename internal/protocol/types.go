package protocol

import (
	"github.com/goccy/go-json"
)

// Version is the JSON-RPC version stamped on every response.
const Version = "2.0"

// ProtocolVersion is the tool protocol revision advertised by the handshake.
const ProtocolVersion = "2024-11-05"

// Recognized methods.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// JSON-RPC error codes used by the bridge.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Envelope is an inbound request from a caller.
// ID is kept raw so it can be echoed back byte-for-byte.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope returned to a caller.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// ToolCall carries the params of a tools/call request.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the result body of a resolved tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
}

// ServerInfo identifies the bridge in the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities lists what the bridge supports. Only tools are offered.
type Capabilities struct {
	Tools struct{} `json:"tools"`
}

// InitializeResult is the fixed handshake descriptor.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult is the result body of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}
