package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-userops/pkg/logger"
	"github.com/AvaProtocol/ap-userops/version"
)

// Server exposes /metrics, /health and /version over echo.
type Server struct {
	e      *echo.Echo
	addr   string
	ready  atomic.Bool
	logger logger.Logger
}

func NewServer(addr string, gatherer prometheus.Gatherer, lgr logger.Logger) *Server {
	s := &Server{
		e:      echo.New(),
		addr:   addr,
		logger: logger.Component(lgr, "http"),
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())

	s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.e.GET("/health", func(c echo.Context) error {
		if s.ready.Load() {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	s.e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"version":  version.Get(),
			"revision": version.Commit(),
		})
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// SetReady flips /health to 200.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info("HTTP server listening", "address", s.addr)
	go func() {
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("HTTP server failed to start; continuing without HTTP endpoint", "address", s.addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.e.Shutdown(shutdownCtx)
	}()
}
