package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mattjoyce/canvas-bridge/internal/events"
)

// handleSSE handles GET /mcp/sse.
// Each stream opens with connected and server-info, then carries every
// broadcast event plus its own heartbeat. Nothing published before the
// subscription is replayed.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.events.Subscribe()
	defer sub.Close()
	log := s.logger.With("client_id", sub.ID)
	log.Info("SSE client connected")
	defer log.Info("SSE client disconnected")

	if err := writeSSE(w, <-sub.C); err != nil {
		return
	}
	if err := writeSSE(w, s.events.NewEvent("server-info", s.serverInfo())); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopping.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			ev := s.events.NewEvent("heartbeat", map[string]any{"timestamp": time.Now().UnixMilli()})
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) serverInfo() map[string]any {
	return map[string]any{
		"name":    s.config.ServerInfo.Name,
		"version": s.config.ServerInfo.Version,
		"capabilities": map[string]bool{
			"tools":     true,
			"resources": false,
			"prompts":   false,
		},
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
