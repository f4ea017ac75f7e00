package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

// handleRequest handles POST /mcp/request.
// initialize and tools/list are answered locally. tools/call parks the
// request until the executor pushes a result, the call times out, or the
// caller goes away.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeRPC(w, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
		return
	}

	env, err := protocol.Decode(body)
	if err != nil {
		s.writeRPC(w, http.StatusBadRequest, protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
		return
	}
	id := protocol.EchoID(env.ID)

	switch env.Method {
	case protocol.MethodInitialize:
		s.writeRPC(w, http.StatusOK, protocol.NewResult(id, protocol.Handshake(s.config.ServerInfo)))

	case protocol.MethodToolsList:
		s.writeRPC(w, http.StatusOK, protocol.NewResult(id, protocol.ListToolsResult{
			Tools: s.dispatcher.Catalog().Tools(),
		}))

	case protocol.MethodToolsCall:
		s.handleToolCall(w, r, env)

	default:
		s.writeRPC(w, http.StatusNotFound, protocol.NewError(id, protocol.CodeMethodNotFound, "Method not found: "+env.Method))
	}
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, env *protocol.Envelope) {
	id := protocol.EchoID(env.ID)

	call, err := protocol.DecodeToolCall(env)
	if err != nil {
		s.writeRPC(w, http.StatusBadRequest, protocol.NewError(id, protocol.CodeInternalError, err.Error()))
		return
	}

	pending, err := s.dispatcher.Submit(env, call)
	if err != nil {
		status, code := http.StatusInternalServerError, protocol.CodeInternalError
		switch {
		case errors.Is(err, broker.ErrUnknownOperation):
			status, code = http.StatusNotFound, protocol.CodeMethodNotFound
		case errors.Is(err, broker.ErrExecutorUnavailable), errors.Is(err, broker.ErrTooManyPending):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("tools/call rejected", "operation", call.Name, "error", err)
		s.writeRPC(w, status, protocol.NewError(id, code, err.Error()))
		return
	}

	waitCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.stopping, cancel)()

	payload, err := s.dispatcher.Wait(waitCtx, pending)
	if err != nil {
		var execErr *broker.ExecutorError
		switch {
		case errors.Is(err, context.Canceled) && r.Context().Err() == nil:
			s.writeRPC(w, http.StatusServiceUnavailable, protocol.NewError(id, protocol.CodeInternalError, "bridge shutting down"))
		case errors.Is(err, context.Canceled):
			// Caller hung up; nobody is left to answer.
			s.logger.Info("caller disconnected", "task_id", pending.TaskID, "operation", call.Name)
			return
		case errors.Is(err, broker.ErrCallTimeout):
			s.writeRPC(w, http.StatusGatewayTimeout, protocol.NewError(id, protocol.CodeInternalError, err.Error()))
		case errors.As(err, &execErr):
			s.writeRPC(w, http.StatusInternalServerError, protocol.NewError(id, protocol.CodeInternalError, execErr.Message))
		default:
			s.writeRPC(w, http.StatusInternalServerError, protocol.NewError(id, protocol.CodeInternalError, err.Error()))
		}
		return
	}

	result, err := protocol.WrapText(payload)
	if err != nil {
		s.logger.Error("executor result is not valid JSON", "task_id", pending.TaskID, "error", err)
		s.writeRPC(w, http.StatusInternalServerError, protocol.NewError(id, protocol.CodeInternalError, err.Error()))
		return
	}
	s.writeRPC(w, http.StatusOK, protocol.NewResult(id, result))
}
