package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/cors"

	"github.com/mattjoyce/canvas-bridge/internal/auth"
	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/events"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

// Dispatcher is the broker surface the HTTP layer drives.
type Dispatcher interface {
	Catalog() *protocol.Catalog
	CallTimeout() time.Duration
	Submit(env *protocol.Envelope, call *protocol.ToolCall) (*broker.Pending, error)
	Wait(ctx context.Context, p *broker.Pending) (json.RawMessage, error)
	Register(info broker.ExecutorInfo)
	Pull() []broker.QueuedTask
	Deliver(taskID string, res broker.Result) error
	Status() broker.Status
}

// CallLog reads the call journal. It may be nil, which disables /calls.
type CallLog interface {
	Get(ctx context.Context, taskID string) (*journal.Call, error)
	Recent(ctx context.Context, limit int) ([]*journal.Call, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens       []auth.TokenConfig
	MaxBodyBytes int64
	// HeartbeatInterval paces heartbeat events on each SSE stream.
	HeartbeatInterval time.Duration
	// StatusInterval paces the status events published to all observers.
	StatusInterval time.Duration
	// PollInterval is advertised to executors in /status.
	PollInterval time.Duration
	ServerInfo   protocol.ServerInfo
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	events     *events.Hub
	calls      CallLog
	auth       *auth.Authenticator
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	// stopping is cancelled when shutdown begins. Long-lived requests end on it.
	stopping context.Context
	stop     context.CancelFunc
}

// New creates a new API server instance
func New(config Config, dispatcher Dispatcher, hub *events.Hub, calls CallLog, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 << 20
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ServerInfo.Name == "" {
		config.ServerInfo = protocol.ServerInfo{Name: "canvas-bridge", Version: "dev"}
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	stopping, stop := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		events:     hub,
		calls:      calls,
		auth:       auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
		stopping:   stopping,
		stop:       stop,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Ingress holds the response open until the executor answers.
		// The SSE handler lifts this deadline for its own stream.
		WriteTimeout: s.dispatcher.CallTimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if !s.auth.Enabled() {
		s.logger.Warn("API authentication disabled; bind to loopback only", "listen", s.config.Listen)
	}
	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go s.runStatus(ctx)

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		// End SSE streams and answer parked callers so Shutdown can drain.
		s.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Last-Event-ID"},
	}).Handler)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})

	// Unauthenticated ops endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeCallsRW)).Post("/mcp/request", s.handleRequest)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/mcp/sse", s.handleSSE)

		r.With(s.requireScopes(auth.ScopeExecutorRW)).Post("/plugin/connect", s.handleConnect)
		r.With(s.requireScopes(auth.ScopeExecutorRW)).Get("/plugin/get-requests", s.handleGetRequests)
		r.With(s.requireScopes(auth.ScopeExecutorRW)).Post("/plugin/send-response", s.handleSendResponse)

		r.With(s.requireScopes(auth.ScopeCallsRO, auth.ScopeExecutorRW, auth.ScopeEventsRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeCallsRO)).Get("/calls", s.handleListCalls)
		r.With(s.requireScopes(auth.ScopeCallsRO)).Get("/calls/{taskID}", s.handleGetCall)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		// Executors poll every second; keep those at debug.
		if r.URL.Path == "/plugin/get-requests" && ww.Status() == http.StatusOK {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// runStatus publishes a status snapshot to every observer on a fixed interval.
func (s *Server) runStatus(ctx context.Context) {
	if s.config.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.events.Publish("status", s.snapshot())
		}
	}
}
