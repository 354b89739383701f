package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apihttp "github.com/chadiek/companion-gateway/api/http"
	"github.com/chadiek/companion-gateway/internal/config"
	"github.com/chadiek/companion-gateway/internal/middleware"
)

// Server bundles the HTTP router and its listener settings.
type Server struct {
	Router *echo.Echo
	addr   string
	log    *slog.Logger
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, h *apihttp.Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := NewRouter(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	urls := h.URLs
	auth := middleware.TwilioAuth(cfg.TwilioAuthToken, cfg.TwilioValidateSignature, func(r *http.Request) string {
		u := urls.BuildAbsoluteURL(r, r.URL.Path)
		if r.URL.RawQuery != "" {
			u += "?" + r.URL.RawQuery
		}
		return u
	})
	h.Register(e, auth)
	return &Server{Router: e, addr: cfg.HTTPAddress, log: logger}
}

// Start serves until Shutdown; a closed server is not an error.
func (s *Server) Start() error {
	s.log.Info("server listening", "address", s.addr)
	if err := s.Router.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Router.Shutdown(ctx)
}
