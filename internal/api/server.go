// Package api is the HTTP surface of the repricer: pushed offer
// notifications, record lookup, manual reconciliation, status, health and
// metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"repricer/internal/auth"
	"repricer/internal/core"
	"repricer/internal/feed"
	"repricer/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Previewer runs the decision engine without writing
type Previewer interface {
	Preview(ctx context.Context, snap core.OfferSnapshot) (core.Decision, error)
}

// JobRunner exposes the scheduler to operators
type JobRunner interface {
	Status() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) error
}

// Dependencies are the collaborators behind the routes. Nil optional
// collaborators disable their routes.
type Dependencies struct {
	Store      core.IPriceStore
	Handler    *feed.Handler
	Previewer  Previewer
	Reconciler core.IReconciler
	Health     core.IHealthMonitor
	Jobs       JobRunner
	Validator  *auth.APIKeyValidator
	Logger     core.ILogger
}

// Server serves the HTTP API
type Server struct {
	deps   Dependencies
	logger core.ILogger
	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.WithField("component", "http_api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if s.deps.Validator != nil {
		v1.Use(s.authMiddleware())
	}
	{
		if s.deps.Handler != nil {
			v1.POST("/notifications", s.handleNotification)
		}
		v1.GET("/records/:asin/:marketplace", s.handleGetRecord)
		if s.deps.Previewer != nil {
			v1.POST("/records/:asin/:marketplace/preview", s.handlePreview)
		}
		if s.deps.Reconciler != nil {
			v1.POST("/reconcile", s.handleReconcile)
			v1.GET("/reconcile/status", s.handleReconcileStatus)
		}
		if s.deps.Jobs != nil {
			v1.GET("/jobs", s.handleJobs)
			v1.POST("/jobs/:name/run", s.handleRunJob)
		}
	}
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP API", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Stopping HTTP API")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
