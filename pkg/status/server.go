package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stack-tools/stackd/pkg/logging"
)

// Server exposes the status projection over HTTP: a JSON API for CLI and
// log consumers plus a Prometheus scrape endpoint.
type Server struct {
	source Source
	logger logging.Logger
	server *http.Server
}

// NewServer wires the status routes on the given listen address.
func NewServer(listen string, source Source, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(source))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/v1/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, Report(source))
	})

	router.GET("/v1/units", func(c *gin.Context) {
		c.JSON(http.StatusOK, source.Snapshot())
	})

	router.GET("/v1/units/:name", func(c *gin.Context) {
		name := c.Param("name")
		for _, unit := range source.Snapshot() {
			if unit.Name == name {
				c.JSON(http.StatusOK, unit)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found", "unit": name})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &Server{
		source: source,
		logger: logger,
		server: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler behind the server, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves the status API in a background goroutine.
func (s *Server) Start() {
	s.logger.Infof("Status API listening, addr: %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Status API server failed, addr: %s, error: %v", s.server.Addr, err)
		}
	}()
}

// Shutdown drains the status API.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warnf("Status API shutdown did not complete cleanly, error: %v", err)
	}
}
