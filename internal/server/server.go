package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/ratelimit"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
)

// Config carries the dependencies and settings for the HTTP server.
type Config struct {
	DB         *storage.DB
	JWTManager *auth.JWTManager
	Requests   *requests.Service
	Broker     *Broker
	Logger     *slog.Logger

	// AuthLimiter rate limits POST /auth/token by client IP. Optional;
	// nil disables limiting.
	AuthLimiter ratelimit.Limiter

	// WriteLimiter rate limits request create/respond by authenticated
	// principal. Optional; nil disables limiting.
	WriteLimiter ratelimit.Limiter

	// MCPServer, when set, is mounted at /mcp behind the auth middleware.
	MCPServer *mcpserver.MCPServer

	// OpenAPISpec, when set, is served unauthenticated at /openapi.yaml.
	OpenAPISpec []byte

	Port                int
	Version             string
	MaxRequestBodyBytes int64

	// ExtraRoutes are called after the built-in routes are registered, so
	// embedding consumers can add endpoints that share the auth chain.
	ExtraRoutes []func(mux *http.ServeMux)

	// Middlewares wrap the root handler outermost-first, before routing.
	Middlewares []func(http.Handler) http.Handler
}

// Server is the Soudan HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New builds the server: handlers, route table, middleware chain.
func New(cfg Config) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}

	h := &Handlers{
		db:        cfg.DB,
		jwtMgr:    cfg.JWTManager,
		requests:  cfg.Requests,
		broker:    cfg.Broker,
		logger:    cfg.Logger,
		version:   cfg.Version,
		startTime: time.Now(),
		maxBody:   cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)

	if len(cfg.OpenAPISpec) > 0 {
		spec := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(spec)
		})
	}

	// Token issuance is the only unauthenticated mutating endpoint, so it
	// gets its own per-IP rate limit.
	reqIDFn := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFn)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Mutating request endpoints are limited per principal so one runaway
	// agent cannot starve the rest.
	writeRL := ratelimit.Middleware(cfg.WriteLimiter, principalKeyFunc, reqIDFn)

	// Consultation requests. Create/read/complete are open to any
	// authenticated principal; responding needs a reviewer, expiring an admin.
	mux.Handle("POST /v1/requests", writeRL(http.HandlerFunc(h.HandleCreateRequest)))
	mux.HandleFunc("GET /v1/requests", h.HandleListRequests)
	mux.HandleFunc("GET /v1/requests/{request_id}", h.HandleGetRequest)
	mux.Handle("POST /v1/requests/{request_id}/respond", requireUser(writeRL(http.HandlerFunc(h.HandleRespond))))
	mux.Handle("POST /v1/requests/{request_id}/expire", requireAdmin(http.HandlerFunc(h.HandleExpire)))
	mux.HandleFunc("POST /v1/requests/{request_id}/complete", h.HandleComplete)
	mux.HandleFunc("GET /v1/requests/{request_id}/deliveries", h.HandleListDeliveries)

	// API key management, admin only.
	mux.Handle("POST /v1/keys", requireAdmin(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /v1/keys", requireAdmin(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /v1/keys/{key_id}", requireAdmin(http.HandlerFunc(h.HandleRevokeKey)))

	// User management, admin only.
	mux.Handle("POST /v1/users", requireAdmin(http.HandlerFunc(h.HandleCreateUser)))
	mux.Handle("GET /v1/users", requireAdmin(http.HandlerFunc(h.HandleListUsers)))
	mux.Handle("DELETE /v1/users/{user_id}", requireAdmin(http.HandlerFunc(h.HandleDeactivateUser)))

	// SSE stream of request state changes for reviewer dashboards.
	mux.Handle("GET /v1/subscribe", requireUser(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport, any authenticated principal.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain, outermost first: request ID -> security headers ->
	// tracing -> logging -> auth -> recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTManager, cfg.DB, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Consumer middlewares wrap everything, first-registered outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// WriteTimeout stays 0: /v1/subscribe holds its connection open
			// and manages write deadlines per event via ResponseController.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the fully wired handler chain. Used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
