// Package server assembles the engine, the embedded context, and the host
// UI API into one HTTP service.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/camstage/camstage/engine/internal/api/http"
	"github.com/camstage/camstage/engine/internal/api/middleware"
	"github.com/camstage/camstage/engine/internal/engine"
	"github.com/camstage/camstage/engine/internal/infrastructure/config"
	"github.com/camstage/camstage/engine/internal/infrastructure/monitoring"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/loopback"
	"github.com/camstage/camstage/engine/internal/webview"
	"github.com/camstage/camstage/engine/internal/ws"
)

// Server wraps the HTTP server and the engine it exposes.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	router  *gin.Engine
	engine  *engine.Engine
	view    *webview.Context
	metrics *monitoring.Metrics
	http    *http.Server
}

// NewServer builds the full stack: embedded context, engine, routes.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics := monitoring.New()

	view, err := webview.New(logger.Named("webview"))
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg, view, loopback.Factory(logger.Named("loopback")), nil, metrics, logger.Named("engine"))
	view.SetMessageSink(eng.Bus().Dispatch)

	if err := view.InstallBootstrap(webview.DefaultBootstrap()); err != nil {
		logger.Warn("Bootstrap install failed, falling back to script delivery", zap.Error(err))
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitFromConfig(cfg.RateLimit)))
	}

	handlers := apihttp.NewHandlers(eng, metrics)
	wsHandler := ws.NewHandler(eng, logger.Named("ws"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/state", handlers.GetState)
		api.GET("/stats", handlers.GetStats)
		api.GET("/console", handlers.GetConsole)

		api.PUT("/protocol", handlers.SetProtocol)
		api.PUT("/site", handlers.SetSite)
		api.PUT("/devices", handlers.AssignDevices)
		api.POST("/inject", handlers.RequestInjection)

		api.GET("/permissions/pending", handlers.GetPendingPermission)
		api.POST("/permissions/:id/resolve", handlers.ResolvePermission)

		api.GET("/signaling/sessions", handlers.ListSignalingSessions)
	}

	router.GET("/stream", wsHandler.HandleConnection)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		router:  router,
		engine:  eng,
		view:    view,
		metrics: metrics,
	}, nil
}

// Engine exposes the orchestrator, primarily for tests.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Router exposes the gin engine, primarily for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts serving on the configured address and blocks.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("Starting engine API", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the HTTP listener down gracefully and tears the engine and
// embedded context down.
func (s *Server) Close() error {
	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)
	}
	s.engine.Close()
	s.view.Close()
	return err
}
