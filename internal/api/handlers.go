package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

const (
	defaultCallsLimit = 50
	maxCallsLimit     = 500
)

// handleConnect handles POST /plugin/connect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid connection data")
		return
	}
	if req.PluginID == "" {
		req.PluginID = "executor"
	}

	s.dispatcher.Register(broker.ExecutorInfo{ID: req.PluginID, Version: req.Version})

	respondJSON(w, http.StatusOK, ConnectResponse{
		Status:    "connected",
		Message:   "Plugin connected successfully",
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleGetRequests handles GET /plugin/get-requests.
// Every queued task is returned on every poll until its result is pushed.
func (s *Server) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	tasks := s.dispatcher.Pull()

	resp := PendingRequestsResponse{Requests: make([]PendingRequest, 0, len(tasks))}
	for _, t := range tasks {
		envelope, err := json.Marshal(t.Envelope)
		if err != nil {
			s.logger.Error("failed to encode queued envelope", "task_id", t.TaskID, "error", err)
			continue
		}
		resp.Requests = append(resp.Requests, PendingRequest{
			ID:         t.TaskID,
			MCPRequest: envelope,
			Timestamp:  t.EnqueuedAt.UnixMilli(),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSendResponse handles POST /plugin/send-response.
func (s *Server) handleSendResponse(w http.ResponseWriter, r *http.Request) {
	var req SendResponseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil || req.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid response data")
		return
	}

	err := s.dispatcher.Deliver(req.RequestID, broker.Result{Payload: req.Response, Error: req.Error})
	if errors.Is(err, broker.ErrUnknownTask) {
		s.logger.Warn("result for unknown task", "task_id", req.RequestID)
		s.writeError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() StatusResponse {
	st := s.dispatcher.Status()
	return StatusResponse{
		Server:           s.config.ServerInfo.Name,
		Running:          true,
		Connected:        st.Connected,
		ExecutorID:       st.Executor.ID,
		SubscriberCount:  s.events.Count(),
		PendingTaskCount: st.PendingTaskCount,
		InFlightCount:    st.InFlightCount,
		Uptime:           time.Since(s.startedAt).Seconds(),
		LastSeenAt:       st.LastSeenAt,
		PollInterval:     s.config.PollInterval.Milliseconds(),
	}
}

// handleHealth handles GET /health and GET /healthz (no auth).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UnixMilli()})
}

// handleListCalls handles GET /calls?limit=N.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal disabled")
		return
	}

	limit := defaultCallsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallsLimit)
	}

	calls, err := s.calls.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	respondJSON(w, http.StatusOK, CallsResponse{Calls: calls})
}

// handleGetCall handles GET /calls/{taskID}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal disabled")
		return
	}

	call, err := s.calls.Get(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, journal.ErrCallNotFound) {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load call", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load call")
		return
	}
	respondJSON(w, http.StatusOK, call)
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeRPC writes a JSON-RPC response envelope.
func (s *Server) writeRPC(w http.ResponseWriter, statusCode int, resp *protocol.Response) {
	respondJSON(w, statusCode, resp)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
