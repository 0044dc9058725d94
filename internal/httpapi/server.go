// Package httpapi serves the small HTTP surface both binaries expose:
// health, readiness, a process status document, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/httpmw"
	"github.com/gitfix/gitfix/internal/common/logger"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

// Probe supplies the process-specific half of readiness and status.
type Probe interface {
	// Ready returns nil when the process is doing its job (loop or pool
	// running). Redis reachability is checked by the server itself.
	Ready(ctx context.Context) error

	// Status returns the process status document served on /status.
	Status(ctx context.Context) (any, error)
}

// Server is the health/status HTTP server.
type Server struct {
	service   string
	startedAt time.Time
	rdb       *redis.Client
	probe     Probe
	log       *logger.Logger
	router    *gin.Engine
	srv       *http.Server
}

// NewServer builds the server with its routes and middleware. The probe
// may be nil; /readyz then checks Redis only and /status serves an empty
// document.
func NewServer(addr, service string, rdb *redis.Client, probe Probe, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		service:   service,
		startedAt: time.Now(),
		rdb:       rdb,
		probe:     probe,
		log:       log.WithFields(zap.String("component", "httpapi")),
		router:    gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, service))
	s.router.Use(httpmw.OtelTracing(service))
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/readyz", s.handleReadyz)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   s.service,
		Version:   Version,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyResponse is the /readyz body.
type ReadyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleReadyz(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{
			Status: "not ready",
			Error:  "redis: " + err.Error(),
		})
		return
	}
	if s.probe != nil {
		if err := s.probe.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, ReadyResponse{
				Status: "not ready",
				Error:  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.probe == nil {
		c.JSON(http.StatusOK, gin.H{"service": s.service})
		return
	}
	doc, err := s.probe.Status(c.Request.Context())
	if err != nil {
		s.log.Error("status document failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}
