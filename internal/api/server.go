package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the HTTP front of the orchestrator. It is deliberately thin:
// every route delegates to the lifecycle manager, verifier, or registry.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo instance and registers the routes.
func NewServer(addr string, h *Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.Info("http_request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/labs", h.ListLabs)
	g.GET("/labs/:labID", h.GetLab)
	g.POST("/labs/:labID/start", h.StartLab)
	g.POST("/labs/:labID/stop", h.StopLab)
	g.POST("/labs/:labID/verify", h.VerifyFlag)
	g.GET("/labs/:labID/instance", h.GetInstance)
	g.GET("/labs/:labID/attachment", h.GetAttachment)
	g.GET("/stats", h.GetStats)

	return &Server{echo: e, addr: addr}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
