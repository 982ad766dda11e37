// Package server exposes a running build over HTTP: a WebSocket event
// stream, endpoints that resolve human gates and agent questions, read-only
// build state, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/events"
	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/metrics"
	"github.com/aristath/elisa/internal/orchestrator"
	"github.com/aristath/elisa/internal/persistence"
)

// Config wires the server to a build.
type Config struct {
	Bus      *events.EventBus
	State    *orchestrator.ExecutionState
	Store    persistence.Store   // optional
	Metrics  *metrics.Metrics    // optional
	Gatherer prometheus.Gatherer // optional; /metrics is not served without it
	Logger   *zap.Logger
}

// Server is the HTTP front of a build.
type Server struct {
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine
}

// New builds the router.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).With(zap.String("component", "server")),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the router for use with an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/ws", s.handleWebSocket)

	if s.cfg.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/state", s.getState)
		api.GET("/tasks", s.listTasks)
		api.GET("/commits", s.listCommits)
		api.GET("/tokens", s.getTokens)
		api.GET("/gate", s.getGate)
		api.POST("/gate", s.resolveGate)
		api.GET("/questions", s.listQuestions)
		api.POST("/questions/:taskId", s.answerQuestion)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
