package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/torii/internal/activity"
	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/engine"
	"github.com/ashita-ai/torii/internal/ratelimit"
	"github.com/ashita-ai/torii/internal/tracker"
	"github.com/ashita-ai/torii/internal/verdict"
)

// Server is the Torii HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	Engine   *engine.Engine
	Activity *activity.Logger
	Cache    *verdict.Cache
	Tracker  *tracker.Tracker
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional: throttles the admin token exchange by client IP (nil = disabled).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	// Decision pipeline settings.
	DecisionDeadline    time.Duration
	MaxRequestBodyBytes int64

	// Admin surface settings.
	AdminAPIKey string
	BcryptCost  int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		Activity:            cfg.Activity,
		Cache:               cfg.Cache,
		Tracker:             cfg.Tracker,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		DecisionDeadline:    cfg.DecisionDeadline,
		AdminAPIKey:         cfg.AdminAPIKey,
		BcryptCost:          cfg.BcryptCost,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             cfg.Version,
	})

	mux := http.NewServeMux()

	// Broker webhook endpoints. No bearer auth: the broker sits on a private
	// network segment, and the reply to an unverifiable request is a deny, not
	// data.
	mux.HandleFunc("POST /mqtt/auth", h.HandleAuth)
	mux.HandleFunc("POST /mqtt/publish", h.HandlePublish)
	mux.HandleFunc("POST /mqtt/subscribe", h.HandleSubscribe)
	mux.HandleFunc("POST /mqtt/offline", h.HandleOffline)
	mux.HandleFunc("POST /mqtt/wakeup", h.HandleWakeup)

	// Liveness (no auth).
	mux.HandleFunc("GET /mqtt/health", h.HandleHealth)

	// Admin surface. The token exchange is unauthenticated; everything else
	// requires a bearer JWT.
	adminAuth := adminAuthMiddleware(cfg.JWTMgr)
	tokenRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})
	mux.Handle("POST /admin/v1/token", tokenRL(http.HandlerFunc(h.HandleAdminToken)))
	mux.Handle("POST /admin/v1/identities", adminAuth(http.HandlerFunc(h.HandleCreateIdentity)))
	mux.Handle("GET /admin/v1/identities", adminAuth(http.HandlerFunc(h.HandleListIdentities)))
	mux.Handle("GET /admin/v1/identities/{username}", adminAuth(http.HandlerFunc(h.HandleGetIdentity)))
	mux.Handle("PUT /admin/v1/identities/{username}", adminAuth(http.HandlerFunc(h.HandleUpdateIdentity)))
	mux.Handle("DELETE /admin/v1/identities/{username}", adminAuth(http.HandlerFunc(h.HandleDeleteIdentity)))
	mux.Handle("GET /admin/v1/activity", adminAuth(http.HandlerFunc(h.HandleActivity)))
	mux.Handle("GET /admin/v1/stats", adminAuth(http.HandlerFunc(h.HandleStats)))

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
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
