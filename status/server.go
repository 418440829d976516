package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/poller"
)

// Reports gives access to the most recent cycle
type Reports interface {
	LastReport() (poller.Report, bool)
}

// Server exposes health, the last cycle report and metrics over HTTP
type Server struct {
	listen  string
	reports Reports
	engine  *gin.Engine
	log     logr.Logger
}

// New constructs a server with routes and middleware. metrics may be nil.
func New(log logr.Logger, listen string, reports Reports, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		listen:  listen,
		reports: reports,
		engine:  engine,
		log:     log.WithName("status"),
	}
	engine.Use(s.requestLogger())
	s.registerRoutes(metrics)
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("status server listening", "addr", s.listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if report, ok := s.reports.LastReport(); ok {
		body["last_cycle"] = report.Start
		if report.Error != "" {
			body["last_error"] = report.Error
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	report, ok := s.reports.LastReport()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no cycle completed yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
