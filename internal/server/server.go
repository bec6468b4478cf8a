// Package server implements the HTTP API for DIG.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/ctxutil"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/ratelimit"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/service/datahealth"
	"github.com/ashita-ai/dig/internal/service/ingest"
	"github.com/ashita-ai/dig/internal/service/learnings"
	"github.com/ashita-ai/dig/internal/service/psr"
	"github.com/ashita-ai/dig/internal/storage"
)

// Server is the DIG HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Keyring, JWTMgr, Limiter, MCPServer. Auth is
// enforced only when Keyring holds at least one credential.
type ServerConfig struct {
	// Required dependencies.
	Store       storage.Store
	Ingest      *ingest.Service
	Correlation *correlation.Service
	PSR         *psr.Service
	Matcher     *learnings.Matcher
	DataHealth  *datahealth.Service
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Keyring   *auth.Keyring
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	// OpenAPISpec is served at /openapi.yaml when set.
	OpenAPISpec []byte
	// Middlewares wrap the whole handler, first entry outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	authEnabled := cfg.Keyring != nil && cfg.Keyring.Len() > 0 && cfg.JWTMgr != nil
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Ingest:              cfg.Ingest,
		Correlation:         cfg.Correlation,
		PSR:                 cfg.PSR,
		Matcher:             cfg.Matcher,
		DataHealth:          cfg.DataHealth,
		Keyring:             cfg.Keyring,
		JWTMgr:              cfg.JWTMgr,
		AuthEnabled:         authEnabled,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	callerRL := ratelimit.Middleware(limiter, callerKeyFunc, writeRateLimited, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, writeRateLimited, cfg.Logger)

	// An empty role means the route is public and limited per client IP.
	routes := []struct {
		pattern string
		role    model.Role
		handler http.HandlerFunc
	}{
		{"POST /auth/token", "", h.HandleAuthToken},

		{"POST /v1/events", model.RoleProducer, h.HandleAppendEvent},
		{"POST /v1/events/batch", model.RoleProducer, h.HandleAppendBatch},

		{"GET /v1/events", model.RoleReader, h.HandleListEvents},
		{"GET /v1/events/{id}", model.RoleReader, h.HandleGetEvent},
		{"GET /v1/changes/{change_id}/events", model.RoleReader, h.HandleChangeEvents},
		{"GET /v1/changes/{change_id}/trace", model.RoleReader, h.HandleTrace},
		{"POST /v1/psr", model.RoleReader, h.HandlePSR},
		{"POST /v1/learnings/match", model.RoleReader, h.HandleMatchLearnings},
		{"GET /v1/learnings", model.RoleReader, h.HandleActiveLearnings},
		{"GET /v1/health/data", model.RoleReader, h.HandleDataHealth},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		var next http.Handler = rt.handler
		if rt.role == "" {
			next = authRL(next)
		} else {
			next = callerRL(requireRole(authEnabled, rt.role)(next))
		}
		mux.Handle(rt.pattern, withRoute(next))
	}

	// MCP StreamableHTTP transport. Tools above reader check their own role.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", withRoute(requireRole(authEnabled, model.RoleReader)(
			mcpserver.NewStreamableHTTPServer(cfg.MCPServer))))
	}

	// Probes and docs skip auth and rate limiting.
	mux.Handle("GET /health", withRoute(http.HandlerFunc(h.HandleHealth)))
	mux.Handle("GET /openapi.yaml", withRoute(http.HandlerFunc(h.HandleOpenAPISpec)))

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if authEnabled {
		handler = authMiddleware(cfg.JWTMgr, handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	if !authEnabled {
		cfg.Logger.Warn("server: no API keys configured, authentication disabled")
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// callerKeyFunc keys rate limits on the authenticated caller, or on the
// client address when auth is disabled. Admins are exempt.
func callerKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ratelimit.IPKeyFunc(r)
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "caller:" + claims.Name()
}

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
