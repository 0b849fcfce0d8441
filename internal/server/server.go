// Package server exposes the health and readiness HTTP endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/courierai/courier/internal/healthcheck"
)

// Server is the side HTTP server for probes. The core dispatch path does
// not go through HTTP.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo server with /healthz and /readyz routes.
func NewServer(addr string, checkers ...healthcheck.Checker) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": healthcheck.StatusOK})
	})

	e.GET("/readyz", func(c echo.Context) error {
		results := make([]healthcheck.CheckResult, 0, len(checkers))
		status := http.StatusOK
		for _, checker := range checkers {
			res := checker.Check(c.Request().Context())
			if res.Status != healthcheck.StatusOK {
				status = http.StatusServiceUnavailable
			}
			results = append(results, res)
		}
		return c.JSON(status, map[string]any{"checks": results})
	})

	return &Server{echo: e, addr: addr}
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
