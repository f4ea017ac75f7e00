// Package client is the caller-side SDK for a running canvas bridge.
//
// It speaks the same JSON-RPC ingress an assistant uses, plus the read-only
// status and call log endpoints. The CLI and the stdio proxy are built on it.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/canvas-bridge/internal/api"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

// Tool is a tools/list entry with its schema left raw.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Client calls a bridge over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
}

// New creates a Client. A nil httpClient gets no timeout of its own, since
// tool calls are bounded by the bridge's call timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Forward posts a raw JSON-RPC body to the ingress and returns the raw reply.
// Non-2xx replies that carry a JSON-RPC body are returned without error.
func (c *Client) Forward(ctx context.Context, body []byte) ([]byte, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/mcp/request", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.GetBytes(data, "jsonrpc").Exists() {
		return nil, resp.StatusCode, httpError(resp.StatusCode, data)
	}
	return data, resp.StatusCode, nil
}

// rpc sends one JSON-RPC request and returns the result member.
// A JSON-RPC error reply is returned as *protocol.Error.
func (c *Client) rpc(ctx context.Context, method string, params any) (gjson.Result, error) {
	env := map[string]any{
		"jsonrpc": protocol.Version,
		"id":      c.nextID.Add(1),
		"method":  method,
	}
	if params != nil {
		env["params"] = params
	}
	body, err := json.Marshal(env)
	if err != nil {
		return gjson.Result{}, err
	}

	data, _, err := c.Forward(ctx, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	reply := gjson.ParseBytes(data)
	if e := reply.Get("error"); e.Exists() {
		return gjson.Result{}, &protocol.Error{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
	}
	return reply.Get("result"), nil
}

// Initialize performs the handshake.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	res, err := c.rpc(ctx, protocol.MethodInitialize, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out protocol.InitializeResult
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return nil, fmt.Errorf("initialize: decode: %w", err)
	}
	return &out, nil
}

// ListTools returns the bridge's operation catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.rpc(ctx, protocol.MethodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var tools []Tool
	if err := json.Unmarshal([]byte(res.Get("tools").Raw), &tools); err != nil {
		return nil, fmt.Errorf("tools/list: decode: %w", err)
	}
	return tools, nil
}

// CallTool invokes one operation and returns the executor's payload,
// unwrapped from the text content the bridge returns.
func (c *Client) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.rpc(ctx, protocol.MethodToolsCall, protocol.ToolCall{Name: name, Arguments: mustRaw(args)})
	if err != nil {
		return nil, err
	}
	text := res.Get("content.#(type==\"text\").text")
	if !text.Exists() {
		return nil, errors.New("tools/call: result has no text content")
	}
	if !gjson.Valid(text.String()) {
		return nil, errors.New("tools/call: text content is not JSON")
	}
	return json.RawMessage(text.String()), nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches GET /health. It needs no token.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Calls lists the most recent journaled calls, newest first.
func (c *Client) Calls(ctx context.Context, limit int) ([]*journal.Call, error) {
	path := "/calls"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.CallsResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

// Call fetches one journaled call by task id.
func (c *Client) Call(ctx context.Context, taskID string) (*journal.Call, error) {
	var out journal.Call
	if err := c.getJSON(ctx, "/calls/"+url.PathEscape(taskID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamURL returns the observer stream URL for SSE consumers.
func (c *Client) StreamURL() string {
	return c.baseURL + "/mcp/sse"
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: read: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", path, httpError(resp.StatusCode, data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// HTTPError is a non-JSON-RPC failure from the bridge.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge returned %d", e.StatusCode)
	}
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Message)
}

func httpError(code int, body []byte) error {
	return &HTTPError{StatusCode: code, Message: gjson.GetBytes(body, "error").String()}
}

func mustRaw(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// WaitReady polls /health until the bridge answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
