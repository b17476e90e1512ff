// Package opsserver exposes the substrate's ops surface: health and
// Prometheus metrics only. It is explicitly not a gateway — there is no
// execution API bound to it, matching SPEC_FULL.md's "ops surface
// (ambient, not a gateway)" note. Grounded on the teacher's separation
// between internal/api (the full gateway, out of scope here) and its
// metrics wiring, which here stands on its own behind labstack/echo.
package opsserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tangle-network/faas-substrate/internal/metrics"
)

// HealthChecker reports whether the substrate's dependencies are usable.
// Implementations should be cheap and side-effect free.
type HealthChecker func(ctx context.Context) error

// Server is the minimal ops HTTP surface.
type Server struct {
	echo  *echo.Echo
	check HealthChecker
}

// New builds an ops server (Start binds it to an address), reporting health via
// check. check may be nil, in which case /healthz always reports ok.
func New(check HealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(metrics.EchoMiddleware())

	s := &Server{echo: e, check: check}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.check != nil {
		if err := s.check(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "unavailable: "+err.Error())
		}
	}
	return c.String(http.StatusOK, "ok")
}

// Start serves the ops surface on addr until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.echo.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
