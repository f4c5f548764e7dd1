// Package dashboard serves the JSON API used by board UIs: integration
// discovery, link management, sync triggers and health.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/service"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service *service.Service
	DB      *gorm.DB
	Port    int
	Out     io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil || opts.DB == nil {
		return fmt.Errorf("dashboard: service and db are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Service, opts.DB),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc *service.Service, db *gorm.DB) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &api{svc: svc, db: db})
	return router
}
