package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

// ErrTaskGone is returned by Push when the bridge no longer waits on the task.
// The caller timed out or went away, or the result was already pushed.
var ErrTaskGone = errors.New("task no longer pending")

// Task is one queued call as seen by the executor.
type Task struct {
	ID         string
	RequestID  json.RawMessage
	Operation  string
	Arguments  json.RawMessage
	EnqueuedAt time.Time
}

// Client talks to the bridge's executor endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client. A nil httpClient gets a 10s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type connectBody struct {
	PluginID  string `json:"pluginId"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

type pendingRequest struct {
	ID         string            `json:"id"`
	MCPRequest protocol.Envelope `json:"mcpRequest"`
	Timestamp  int64             `json:"timestamp"`
}

type pushBody struct {
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Register announces the executor to the bridge.
func (c *Client) Register(ctx context.Context, id, version string) error {
	body := connectBody{PluginID: id, Version: version, Timestamp: time.Now().UnixMilli()}
	resp, err := c.do(ctx, http.MethodPost, "/plugin/connect", body)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: %w", statusError(resp))
	}
	return nil
}

// Pull returns every task the bridge currently has queued.
// Tasks with unreadable params are skipped.
func (c *Client) Pull(ctx context.Context) ([]Task, error) {
	resp, err := c.do(ctx, http.MethodGet, "/plugin/get-requests", nil)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pull: %w", statusError(resp))
	}

	var out struct {
		Requests []pendingRequest `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pull: decode: %w", err)
	}

	tasks := make([]Task, 0, len(out.Requests))
	for _, r := range out.Requests {
		call, err := protocol.DecodeToolCall(&r.MCPRequest)
		if err != nil {
			continue
		}
		tasks = append(tasks, Task{
			ID:         r.ID,
			RequestID:  r.MCPRequest.ID,
			Operation:  call.Name,
			Arguments:  call.Arguments,
			EnqueuedAt: time.UnixMilli(r.Timestamp),
		})
	}
	return tasks, nil
}

// Push sends the outcome of one task. A non-empty errMsg reports failure.
func (c *Client) Push(ctx context.Context, taskID string, payload json.RawMessage, errMsg string) error {
	if errMsg == "" && len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	resp, err := c.do(ctx, http.MethodPost, "/plugin/send-response", pushBody{
		RequestID: taskID,
		Response:  payload,
		Error:     errMsg,
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", taskID, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("push %s: %w", taskID, ErrTaskGone)
	default:
		return fmt.Errorf("push %s: %w", taskID, statusError(resp))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
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

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("bridge returned %d", resp.StatusCode)
}
