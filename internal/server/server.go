// Package server provides the HTTP server of the relay: websocket viewers,
// health endpoints and the tenant status API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/auth"
	"github.com/elecbits/heartbeat-relay/internal/config"
	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/health"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/middleware"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/session"
)

// TenantStates exposes supervised tenant states
type TenantStates interface {
	Snapshot() []model.ConnectionState
	Get(tenantID string) (model.ConnectionState, bool)
}

// Deps are the components the server fronts. Heartbeats, Verifier and
// Metrics may be nil.
type Deps struct {
	Router     *session.Router
	States     TenantStates
	Health     *health.HealthCheck
	Heartbeats session.ReplaySource
	Verifier   *auth.Verifier
	Metrics    *metrics.Metrics
}

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	deps       Deps
	logger     *zap.Logger
	cfg        *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:     router,
		httpServer: httpServer,
		// the upgrade clears the server deadlines on the hijacked conn
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Viewer.WriteTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(cfg.Server.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
		deps:   deps,
		logger: logger,
		cfg:    cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	s.router.Use(middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.deps.Metrics),
		middleware.CORS(s.cfg.Server.AllowedOrigins),
	))

	// Health check endpoints
	s.router.HandleFunc("/health", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)

	// Viewer streams; the scope is parsed from the full path so malformed
	// paths get a proper rejection instead of a bare 404
	viewer := s.router.PathPrefix("/heartbeat").Subrouter()
	if s.cfg.Viewer.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(
			s.cfg.Viewer.RateLimiter.RequestsPerSecond,
			s.cfg.Viewer.RateLimiter.BurstSize,
			s.logger,
		)
		viewer.Use(limiter.Limit)
	}
	viewer.Methods(http.MethodGet).HandlerFunc(s.serveViewer)

	// API v1 routes
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/tenants", s.listTenants).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant_id}", s.getTenant).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, r, http.StatusNotFound, relayerrors.ErrCodeNotFound.String(), "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, relayerrors.ErrCodeInvalidArgument.String(), "method not allowed")
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server. Hijacked viewer
// connections are not tracked by net/http and close with the router.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
