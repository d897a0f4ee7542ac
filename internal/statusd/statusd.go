// Package statusd is a small local-only status server for the
// optional daemon mode, grounded on the gin router wiring of the
// teacher's cmd/calbridgesync/main.go (gin.New + gin.Recovery +
// custom middleware), trimmed of every session/OIDC-gated route: this
// repo has no operator login surface, just /healthz and /status.
package statusd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jblocklove/calsync/internal/activity"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// Server exposes health and run-status endpoints for calsyncd.
type Server struct {
	httpServer *http.Server
}

// New builds a status server bound to addr (":8080"-style), reporting
// run activity from tracker.
func New(addr string, tracker *activity.Tracker) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, tracker.GetAll())
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

// Start runs the server in the background. Errors other than a clean
// shutdown are logged fatally, matching the teacher's main.go.
func (s *Server) Start() {
	go func() {
		log.Printf("[statusd] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[statusd] server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger is a minimal gin middleware logging method, path,
// status, and latency. Each request gets a short correlation ID so
// concurrent requests' log lines can be told apart.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()[:8]
		c.Next()
		log.Printf("[statusd] %s %s %s %d %s", reqID, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Addr renders a port into a listen address, e.g. Addr(8080) -> ":8080".
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
