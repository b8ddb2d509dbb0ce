// Package server boots the agent's HTTP surface: the dialog ingress API,
// dialog inspection routes, health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/agent/metrics"
	"github.com/dialogstack/conductor/internal/profile"
	apiv1 "github.com/dialogstack/conductor/server/router/api/v1"
	"github.com/dialogstack/conductor/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	apiService *apiv1.APIV1Service
}

// NewServer assembles the echo instance and registers every route group.
// responseTimeout bounds each ingress turn; exporter may be nil, in which
// case the /metrics route is not mounted.
func NewServer(_ context.Context, profile *profile.Profile, store *store.Store, orchestrator *agent.Agent, exporter *metrics.Exporter, responseTimeout time.Duration) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		Profile:    profile,
		Store:      store,
		echoServer: e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}

	s.apiService = apiv1.NewAPIV1Service(profile, store, orchestrator, responseTimeout)
	if err := s.apiService.RegisterRoutes(e); err != nil {
		return nil, errors.Wrap(err, "failed to register api routes")
	}

	return s, nil
}

// Start serves in the background; errors other than a clean shutdown are
// reported through the returned channel exactly once.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	slog.Info("server stopped")
}

// requestLogger mirrors the access-log shape used elsewhere: one slog line
// per request with method, uri, status and latency.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	})
}
