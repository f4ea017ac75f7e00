package api

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/journal"
)

// ConnectRequest is the JSON body for POST /plugin/connect.
type ConnectRequest struct {
	PluginID  string `json:"pluginId"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ConnectResponse acknowledges an executor registration.
type ConnectResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PendingRequest is one task in the GET /plugin/get-requests listing.
type PendingRequest struct {
	ID         string          `json:"id"`
	MCPRequest json.RawMessage `json:"mcpRequest"`
	Timestamp  int64           `json:"timestamp"`
}

// PendingRequestsResponse is returned by GET /plugin/get-requests.
type PendingRequestsResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// SendResponseRequest is the JSON body for POST /plugin/send-response.
// A non-empty Error reports the operation as failed.
type SendResponseRequest struct {
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status and published as the status event.
type StatusResponse struct {
	Server           string     `json:"server"`
	Running          bool       `json:"running"`
	Connected        bool       `json:"connected"`
	ExecutorID       string     `json:"executorId,omitempty"`
	SubscriberCount  int        `json:"subscriberCount"`
	PendingTaskCount int        `json:"pendingTaskCount"`
	InFlightCount    int        `json:"inFlightCount"`
	Uptime           float64    `json:"uptime"`
	LastSeenAt       *time.Time `json:"lastSeenAt,omitempty"`
	PollInterval     int64      `json:"pollInterval"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// CallsResponse is returned by GET /calls.
type CallsResponse struct {
	Calls []*journal.Call `json:"calls"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}
