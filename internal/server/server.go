package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/wastelane/paddock/internal/auth"
	"github.com/wastelane/paddock/internal/ctxutil"
	"github.com/wastelane/paddock/internal/mcp"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/ratelimit"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/service/racing"
	"github.com/wastelane/paddock/internal/storage"
)

const defaultMaxRequestBodyBytes = 1 << 20 // 1 MB

// Server is the Paddock HTTP server. It exposes the auth and admin REST
// endpoints plus the MCP endpoint agents use for everything else.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	store      storage.Store
	jwtMgr     *auth.JWTManager
	logger     *slog.Logger
}

// ServerConfig bundles the dependencies needed to construct a Server.
type ServerConfig struct {
	Store     storage.Store
	Scheduler *scheduler.Scheduler
	JWTMgr    *auth.JWTManager
	Racing    *racing.Service
	MCP       *mcp.Server
	Logger    *slog.Logger

	// Optional. Nil disables rate limiting.
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New constructs the Server with all routes and middleware wired.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Scheduler == nil || cfg.JWTMgr == nil || cfg.Racing == nil || cfg.MCP == nil {
		return nil, fmt.Errorf("server: missing required dependency")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	}

	s := &Server{
		store:  cfg.Store,
		jwtMgr: cfg.JWTMgr,
		logger: cfg.Logger,
	}
	s.handlers = NewHandlers(cfg.Store, cfg.Scheduler, cfg.JWTMgr, cfg.Logger, cfg.Version)
	admin := NewAdminHandlers(s.handlers, cfg.Racing)

	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	limitByIP := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	limitByPrincipal := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	mux.Handle("POST /auth/token", limitByIP(http.HandlerFunc(s.handlers.HandleAuthToken)))
	mux.Handle("GET /health", http.HandlerFunc(s.handlers.HandleHealth))

	mux.Handle("POST /v1/keys", adminOnly(http.HandlerFunc(s.handlers.HandleCreateKey)))
	mux.Handle("GET /v1/keys", adminOnly(http.HandlerFunc(s.handlers.HandleListKeys)))
	mux.Handle("DELETE /v1/keys/{id}", adminOnly(http.HandlerFunc(s.handlers.HandleRevokeKey)))

	mux.Handle("POST /v1/admin/timers/process", adminOnly(http.HandlerFunc(admin.HandleProcessTimers)))
	mux.Handle("GET /v1/admin/timers/diagnostics", adminOnly(http.HandlerFunc(admin.HandleTimerDiagnostics)))
	mux.Handle("POST /v1/admin/payouts/retry", adminOnly(http.HandlerFunc(admin.HandleRetryPayouts)))
	mux.Handle("POST /v1/admin/calendar/topup", adminOnly(http.HandlerFunc(admin.HandleTopUpCalendar)))

	// MCP transport. Auth runs in the outer chain, so every tool call
	// arrives with claims already in context.
	streamable := mcpserver.NewStreamableHTTPServer(cfg.MCP.MCPServer())
	mux.Handle("/mcp", limitByPrincipal(streamable))

	var handler http.Handler = mux
	handler = http.MaxBytesHandler(handler, cfg.MaxRequestBodyBytes)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = s.authMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Handlers returns the handler set, for tests.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// principalKeyFunc rate-limits authenticated traffic per principal, falling
// back to the client IP when no claims are present.
func principalKeyFunc(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		return "principal:" + claims.Principal
	}
	return ratelimit.IPKeyFunc(r)
}
