// Package api is the REST façade over the sandbox manager. It is
// stateless: every handler binds a request, calls the manager, and maps
// the outcome to an HTTP status.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fcsandbox/fcsandbox/internal/auth"
	"github.com/fcsandbox/fcsandbox/internal/metrics"
	"github.com/fcsandbox/fcsandbox/internal/sandbox"
)

// sandboxTokenTTL is the lifetime of the sandbox-scoped JWT returned on
// create.
const sandboxTokenTTL = 24 * time.Hour

// Server holds the façade dependencies.
type Server struct {
	echo      *echo.Echo
	manager   sandbox.Service
	jwtIssuer *auth.JWTIssuer // nil when no JWT secret is configured
}

// NewServer creates the façade with all routes configured.
func NewServer(mgr sandbox.Service, apiKey string, jwtIssuer *auth.JWTIssuer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, manager: mgr, jwtIssuer: jwtIssuer}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())

	// Unauthenticated probes.
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(apiKey))

	api.POST("/sandboxes", s.createSandbox)
	api.GET("/sandboxes", s.listSandboxes)
	api.GET("/sandboxes/:id", s.getSandbox)
	api.DELETE("/sandboxes/:id", s.destroySandbox)

	api.POST("/sandboxes/:id/exec", s.exec)

	api.POST("/sandboxes/:id/files/write", s.writeFile)
	api.GET("/sandboxes/:id/files/read", s.readFile)
	api.GET("/sandboxes/:id/files/list", s.listFiles)
	api.POST("/sandboxes/:id/files/mkdir", s.makeDir)
	api.DELETE("/sandboxes/:id/files", s.removeFile)
	api.GET("/sandboxes/:id/files/stat", s.statFile)

	api.POST("/sandboxes/:id/pause", s.pauseSandbox)
	api.POST("/sandboxes/:id/resume", s.resumeSandbox)

	return s
}

// Start serves on addr until Close.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
