package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentum-dev/agentum/internal/auth"
	"github.com/agentum-dev/agentum/internal/ratelimit"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
)

// Server is the Agentum HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and settings for creating a Server.
type ServerConfig struct {
	DB      *storage.DB
	AuthSvc *auth.Service
	Runner  *runner.Runner
	FS      *sessionfs.Layout
	Logger  *slog.Logger

	Host                string
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSOrigins         []string
	HeartbeatInterval   time.Duration
	RateLimiter         ratelimit.Limiter
	Version             string
}

// New creates an HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:        cfg.DB,
		AuthSvc:   cfg.AuthSvc,
		Runner:    cfg.Runner,
		FS:        cfg.FS,
		Logger:    cfg.Logger,
		Heartbeat: cfg.HeartbeatInterval,
		Version:   cfg.Version,
		MaxBody:   cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, reqIDFunc)
	runRL := ratelimit.Middleware(cfg.RateLimiter, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth, rate limited by IP).
	mux.Handle("POST /api/v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Session lifecycle.
	mux.HandleFunc("GET /api/v1/sessions", h.HandleListSessions)
	mux.Handle("POST /api/v1/sessions/run", runRL(http.HandlerFunc(h.HandleRunTask)))
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGetSession)
	mux.Handle("POST /api/v1/sessions/{id}/task", runRL(http.HandlerFunc(h.HandleStartTask)))
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /api/v1/sessions/{id}/result", h.HandleResult)

	// Event streaming (long-lived; no rate limit).
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events/history", h.HandleEventHistory)

	// Workspace file access.
	mux.HandleFunc("GET /api/v1/sessions/{id}/files", h.HandleFile)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.AuthSvc, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// userKeyFunc rate-limits authenticated endpoints per user.
func userKeyFunc(r *http.Request) string {
	return UserIDFromContext(r.Context())
}
