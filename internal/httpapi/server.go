// Package httpapi exposes the embedding pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pagefold/internal/debounce"
	"github.com/fyrsmithlabs/pagefold/internal/processor"
	"github.com/fyrsmithlabs/pagefold/internal/registry"
	"github.com/fyrsmithlabs/pagefold/internal/token"
)

// Server provides the pagefold HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	processor *processor.Processor
	registry  *registry.Registry
	debouncer *debounce.Debouncer
	tokens    *token.Store
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server over the pipeline components.
func NewServer(proc *processor.Processor, reg *registry.Registry, deb *debounce.Debouncer, tokens *token.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if proc == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9190}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		processor: proc,
		registry:  reg,
		debouncer: deb,
		tokens:    tokens,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/fold", s.handleFold)
	v1.GET("/stats", s.handleStats)
	v1.POST("/cleanup", s.handleCleanup)
	v1.PUT("/token", s.handleTokenPut)
	v1.DELETE("/token", s.handleTokenDelete)
}

// FoldRequest is the request body for POST /api/v1/fold.
type FoldRequest struct {
	Text                string `json:"text"`
	Debounce            bool   `json:"debounce"`
	DebounceKey         string `json:"debounceKey,omitempty"`
	EnableOptimizations bool   `json:"enableOptimizations"`
}

// FoldResponse is the response body for POST /api/v1/fold.
type FoldResponse struct {
	Text       string `json:"text"`
	Superseded bool   `json:"superseded,omitempty"`
}

func (s *Server) handleFold(c echo.Context) error {
	var req FoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, err := s.processor.Process(c.Request().Context(), req.Text, processor.ProcessOptions{
		Debounce:            req.Debounce,
		DebounceKey:         req.DebounceKey,
		EnableOptimizations: req.EnableOptimizations,
	})
	if err != nil {
		if errors.Is(err, processor.ErrSuperseded) {
			return c.JSON(http.StatusOK, FoldResponse{Text: out, Superseded: true})
		}
		s.logger.Error("fold failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "processing failed")
	}

	return c.JSON(http.StatusOK, FoldResponse{Text: out})
}

// StatsResponse combines every component's statistics surface.
type StatsResponse struct {
	Processor processor.CacheStats    `json:"processor"`
	Debounce  debounce.OverallMetrics `json:"debounce"`
	Registry  registry.MemoryStats    `json:"registry"`
}

func (s *Server) handleStats(c echo.Context) error {
	resp := StatsResponse{
		Processor: s.processor.CacheStats(),
		Registry:  s.registry.Stats(),
	}
	if s.debouncer != nil {
		resp.Debounce = s.debouncer.Metrics()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCleanup(c echo.Context) error {
	full := c.QueryParam("full") == "true"
	s.registry.TriggerCleanup(full)
	return c.NoContent(http.StatusNoContent)
}

// TokenRequest is the request body for PUT /api/v1/token.
type TokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenPut(c echo.Context) error {
	if s.tokens == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "token store not configured")
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ref, err := s.tokens.Store(req.Token)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			return echo.NewHTTPError(http.StatusBadRequest, "token rejected by validation")
		}
		s.logger.Error("token store failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store token")
	}

	return c.JSON(http.StatusOK, ref)
}

func (s *Server) handleTokenDelete(c echo.Context) error {
	if s.tokens == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "token store not configured")
	}
	if err := s.tokens.ClearAll(); err != nil {
		s.logger.Error("token clear failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear token")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
