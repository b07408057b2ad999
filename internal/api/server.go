// Package api provides the HTTP front-door for Outpost. It is a thin
// transport layer: every handler binds a request, calls into the
// orchestrator/statustracker/artifacts core, and renders the result
// through the Envelope format. It carries no business logic of its own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/outpostrun/outpost/internal/artifacts"
	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/dispatchstore"
	"github.com/outpostrun/outpost/internal/fleethealth"
	"github.com/outpostrun/outpost/internal/orchestrator"
	"github.com/outpostrun/outpost/internal/statustracker"
	"github.com/outpostrun/outpost/internal/validation"
)

// Server wires the core components into the HTTP surface from §6.
type Server struct {
	echo    *echo.Echo
	config  *config.Config
	orch    *orchestrator.Orchestrator
	store   *dispatchstore.Store
	tracker *statustracker.Tracker
	arts    *artifacts.Store
	health  *fleethealth.Checker
	valid   *validation.Validator
	log     *slog.Logger
}

// New builds a Server with its middleware stack and routes already wired.
func New(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	store *dispatchstore.Store,
	tracker *statustracker.Tracker,
	arts *artifacts.Store,
	health *fleethealth.Checker,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler

	s := &Server{
		echo:    e,
		config:  cfg,
		orch:    orch,
		store:   store,
		tracker: tracker,
		arts:    arts,
		health:  health,
		valid:   validation.New(),
		log:     log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human}) request_id=${id}\n",
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
		}))
	}

	s.echo.Use(middleware.RequestID())

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthLive)
	s.echo.GET("/health/live", s.healthLive)
	s.echo.GET("/health/ready", s.healthReady)
	s.echo.GET("/health/fleet", s.healthFleet)

	v1 := s.echo.Group("/api/v1")

	dispatches := v1.Group("/dispatch")
	dispatches.POST("", s.createDispatch)
	dispatches.GET("", s.listDispatches)
	dispatches.GET("/:id", s.getDispatch, ValidateIDFormat)
	dispatches.DELETE("/:id", s.cancelDispatch, ValidateIDFormat)

	workspaces := v1.Group("/workspaces")
	workspaces.GET("", s.listWorkspaces)
	workspaces.GET("/:id", s.getWorkspace, ValidateIDFormat)
	workspaces.DELETE("/:id", s.deleteWorkspace, ValidateIDFormat)

	artifactsGroup := v1.Group("/artifacts")
	artifactsGroup.GET("/:dispatch_id", s.listArtifacts, ValidateIDFormat)
	artifactsGroup.GET("/:dispatch_id/:filename", s.downloadArtifact, ValidateIDFormat)
}

// Start runs the HTTP server until it is shut down or fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	s.log.Info("starting outpost api server", "addr", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down outpost api server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP allows Server to implement http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
