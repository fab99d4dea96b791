// Package server assembles the HTTP and WebSocket surface of the
// console backend: REST endpoints for sessions, panes and composers,
// plus push channels for change notifications.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/api/middleware"
	"github.com/boardlab/backend/internal/console"
	"github.com/boardlab/backend/internal/infrastructure/config"
	"github.com/boardlab/backend/internal/infrastructure/logging"
	"github.com/boardlab/backend/internal/infrastructure/monitoring"
	"github.com/boardlab/backend/internal/infrastructure/tracing"
	"github.com/boardlab/backend/internal/panes"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	logger  *logging.Logger
}

// Deps carries the assembled subsystems into the server.
type Deps struct {
	Config   *config.Config
	Console  *console.Manager
	Panes    *panes.Manager
	Hub      *Hub
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Tracer   *tracing.Tracer
	Handlers *Handlers // optional, built from Console/Panes when nil
}

// New builds the router and registers all routes.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	handlers := deps.Handlers
	if handlers == nil {
		handlers = NewHandlers(deps.Console, deps.Panes, logger, deps.Metrics)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if deps.Metrics != nil {
		router.Use(monitoring.Middleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(deps.Tracer))
	}
	if rl := deps.Config.RateLimit; rl.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
		}))
	}

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Device sessions
	router.GET("/devices", handlers.ListDevices)
	router.GET("/devices/:device", handlers.GetDevice)
	router.POST("/devices/:device/connect", handlers.ConnectDevice)
	router.POST("/devices/:device/disconnect", handlers.DisconnectDevice)
	router.POST("/devices/:device/drain", handlers.Drain)
	router.GET("/devices/:device/log", handlers.FullLog)
	router.POST("/devices/:device/submit", handlers.Submit)
	router.POST("/devices/:device/interrupt", handlers.Interrupt)
	router.POST("/devices/:device/reset", handlers.Reset)
	router.POST("/devices/:device/scroll-lock", handlers.ScrollLock)
	router.GET("/devices/:device/history", handlers.History)
	router.GET("/devices/:device/export", handlers.ExportLog)

	// Pane layout
	router.GET("/layout", handlers.GetLayout)
	router.POST("/layout/split", handlers.SetSplitMode)
	router.POST("/layout/linked-scroll", handlers.SetLinkedScroll)
	router.POST("/panes/swap", handlers.SwapPanes)
	router.POST("/panes/:pane/bind", handlers.BindPane)
	router.POST("/panes/:pane/scroll", handlers.Scroll)
	router.POST("/panes/:pane/activate", handlers.SetActivePane)

	// Composers
	router.POST("/panes/:pane/input", handlers.PaneInput)
	router.POST("/panes/:pane/paste", handlers.PanePaste)
	router.POST("/panes/:pane/paste/confirm", handlers.ConfirmPaste)
	router.DELETE("/panes/:pane/paste", handlers.CancelPaste)
	router.POST("/panes/:pane/history", handlers.PaneHistory)
	router.POST("/panes/:pane/mode", handlers.PaneMode)
	router.POST("/panes/:pane/cancel", handlers.PaneCancel)

	// Push channels
	if deps.Hub != nil {
		router.GET("/stream", deps.Hub.HandleNotifications)
		router.GET("/debug/envelopes", deps.Hub.HandleEnvelopeStream)
	}

	return &Server{router: router, logger: logger}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(host, port string) error {
	addr := fmt.Sprintf("%s:%s", host, port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ApplyPreset applies a startup layout preset: split mode, linked
// scroll and pane bindings. Unknown panes or invalid modes are logged
// and skipped rather than failing startup.
func ApplyPreset(preset *config.LayoutPreset, paneMgr *panes.Manager, logger *logging.Logger) {
	if preset == nil {
		return
	}
	if preset.SplitMode != "" {
		if err := paneMgr.SetSplitMode(panes.SplitMode(preset.SplitMode)); err != nil {
			logger.Warn("layout preset: bad split mode", zap.Error(err))
		}
	}
	paneMgr.SetLinkedScroll(preset.LinkedScroll)
	for paneID, device := range preset.Bindings {
		if err := paneMgr.BindDevice(paneID, device); err != nil {
			logger.Warn("layout preset: bad binding",
				zap.String("pane", paneID), zap.Error(err))
		}
	}
}
