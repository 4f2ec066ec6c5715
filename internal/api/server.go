// Package api serves the gateway and workflow webhooks and the read-only
// monitoring endpoints.
package api

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/lifecycle"
	"github.com/zulandar/flowgate/internal/logger"
	"github.com/zulandar/flowgate/internal/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed templates/*.html
var templatesFS embed.FS

const shutdownTimeout = 5 * time.Second

// Deps are the components the handlers use.
type Deps struct {
	DB         *gorm.DB
	Controller *lifecycle.Controller
	Store      *conversation.Store
	Pool       *pool.Allocator
	Logs       *logger.Ring

	N8NURL       string
	EvolutionURL string
	Location     *time.Location
	Version      string
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) (*gin.Engine, error) {
	if d.DB == nil || d.Controller == nil || d.Store == nil || d.Pool == nil {
		return nil, fmt.Errorf("api: db, controller, store and pool are required")
	}
	if d.Logs == nil {
		d.Logs = logger.Recent()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}

	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("api: parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, &d)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 3000
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Flowgate listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
