package api

import (
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.dispatcher.Catalog(), s.config.ServerInfo))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the bridge routes.
// The tools/call operation name is enumerated from the catalog.
func buildOpenAPIDoc(catalog *protocol.Catalog, info protocol.ServerInfo) map[string]any {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}

	names := make([]any, 0)
	for _, n := range catalog.Names() {
		names = append(names, n)
	}

	rpc := map[string]any{
		"type":     "object",
		"required": []string{"method"},
		"properties": map[string]any{
			"jsonrpc": map[string]any{"const": protocol.Version},
			"id":      map[string]any{"type": []string{"string", "number", "null"}},
			"method": map[string]any{"enum": []string{
				protocol.MethodInitialize, protocol.MethodToolsList, protocol.MethodToolsCall,
			}},
			"params": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":      map[string]any{"enum": names},
					"arguments": map[string]any{"type": "object"},
				},
			},
		},
	}

	paths := map[string]any{
		"/mcp/request": map[string]any{
			"post": operation("request", "Send a JSON-RPC request", rpc, map[string]string{
				"200": "JSON-RPC result",
				"400": "Malformed request (-32700)",
				"404": "Unknown method or operation (-32601)",
				"503": "Executor not connected",
				"504": "Executor did not answer in time",
			}),
		},
		"/mcp/sse": map[string]any{
			"get": operation("events", "Observer event stream", nil, map[string]string{
				"200": "text/event-stream",
			}),
		},
		"/plugin/connect": map[string]any{
			"post": operation("connect", "Register the executor", reflector.Reflect(&ConnectRequest{}), map[string]string{
				"200": "Registered",
				"400": "Invalid connection data",
			}),
		},
		"/plugin/get-requests": map[string]any{
			"get": operation("getRequests", "Poll for queued tasks", nil, map[string]string{
				"200": "Queued tasks in dispatch order",
			}),
		},
		"/plugin/send-response": map[string]any{
			"post": operation("sendResponse", "Push a task result", reflector.Reflect(&SendResponseRequest{}), map[string]string{
				"200": "Delivered",
				"400": "Invalid response data",
				"404": "Request not found",
			}),
		},
		"/status": map[string]any{
			"get": operation("status", "Bridge status", nil, map[string]string{"200": "Status snapshot"}),
		},
		"/calls": map[string]any{
			"get": operation("listCalls", "Recent calls", nil, map[string]string{"200": "Call journal"}),
		},
		"/calls/{taskID}": map[string]any{
			"get": operation("getCall", "One call", nil, map[string]string{
				"200": "Call",
				"404": "Call not found",
			}),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   info.Name,
			"version": info.Version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operation(id, summary string, body any, responses map[string]string) map[string]any {
	resp := make(map[string]any, len(responses))
	for code, desc := range responses {
		resp[code] = map[string]any{"description": desc}
	}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   resp,
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
	}
	if body != nil {
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": body},
			},
		}
	}
	return op
}
