// Package server exposes the engine and its platform components over
// HTTP: execution control, workflow/schedule/webhook CRUD, approvals,
// search, operations endpoints and the WebSocket live channel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/waveflow-go/internal/archive"
	"github.com/waveflow-go/internal/cluster"
	"github.com/waveflow-go/internal/engine/driver"
	"github.com/waveflow-go/internal/scheduler"
	"github.com/waveflow-go/internal/search"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/internal/usage"
	"github.com/waveflow-go/internal/ws"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/middleware"
	"github.com/waveflow-go/pkg/telemetry"
)

// Deps are the wired components the server serves. Main owns construction
// and shutdown order; optional components are nil when disabled.
type Deps struct {
	Engine     *driver.Engine
	Executions *store.ExecutionStore
	Workflows  WorkflowStore
	Schedules  *store.ScheduleStore
	Webhooks   *store.WebhookStore
	Scheduler  *scheduler.Scheduler
	Search     *search.Indexer
	Archiver   *archive.Archiver
	Cluster    *cluster.Registry
	Usage      *usage.Monitor
	Hub        *ws.Hub
	DB         *database.DB
	Redis      *redis.Client
	Telemetry  *telemetry.Telemetry
	Tokens     *middleware.TokenManager
	Enforcer   *middleware.Enforcer
	Limiter    middleware.Limiter
}

type Server struct {
	config     *config.Config
	logger     logger.Logger
	router     *gin.Engine
	httpServer *http.Server
}

func New(cfg *config.Config, deps Deps, log logger.Logger) *Server {
	handlers := &Handlers{
		engine:     deps.Engine,
		executions: deps.Executions,
		workflows:  deps.Workflows,
		schedules:  deps.Schedules,
		webhooks:   deps.Webhooks,
		scheduler:  deps.Scheduler,
		search:     deps.Search,
		archiver:   deps.Archiver,
		cluster:    deps.Cluster,
		usage:      deps.Usage,
		hub:        deps.Hub,
		db:         deps.DB,
		redis:      deps.Redis,
		logger:     log,
	}

	router := setupRouter(cfg, deps, handlers, log)

	return &Server{
		config: cfg,
		logger: log,
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		},
	}
}

func setupRouter(cfg *config.Config, deps Deps, h *Handlers, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Metrics())
	if deps.Telemetry != nil {
		router.Use(deps.Telemetry.HTTPMiddleware())
	}

	// Health and operations surface, outside auth.
	router.GET("/health", h.Health)
	router.GET("/health/stats", h.HealthStats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The socket authenticates like the API but cannot carry headers from
	// browsers reliably, so it stays on the header/query fallback.
	router.GET("/ws", h.ServeWS)

	v1 := router.Group("/api/v1")
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter, middleware.IPKey))
	}
	if cfg.Auth.Enabled && deps.Tokens != nil {
		v1.Use(middleware.Auth(deps.Tokens))
		if deps.Enforcer != nil {
			v1.Use(middleware.Authorize(deps.Enforcer))
		}
	}

	executions := v1.Group("/executions")
	{
		executions.POST("", h.StartExecution)
		executions.GET("", h.ListExecutions)
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
		executions.POST("/:id/resume", h.ResumeExecution)
		executions.GET("/:id/nodes", h.GetNodeExecutions)
	}

	v1.GET("/approvals", h.ListApprovals)
	v1.GET("/search/executions", h.SearchExecutions)

	workflows := v1.Group("/workflows")
	{
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("", h.ListWorkflows)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.PUT("/:id", h.UpdateWorkflow)
		workflows.DELETE("/:id", h.DeleteWorkflow)
	}

	schedules := v1.Group("/schedules")
	{
		schedules.POST("", h.CreateSchedule)
		schedules.GET("", h.ListSchedules)
		schedules.GET("/:id", h.GetSchedule)
		schedules.PUT("/:id", h.UpdateSchedule)
		schedules.DELETE("/:id", h.DeleteSchedule)
		schedules.POST("/:id/pause", h.PauseSchedule)
		schedules.POST("/:id/resume", h.ResumeSchedule)
	}

	webhooks := v1.Group("/webhooks")
	{
		webhooks.POST("", h.CreateWebhook)
		webhooks.GET("", h.ListWebhooks)
		webhooks.GET("/:id", h.GetWebhook)
		webhooks.PUT("/:id", h.UpdateWebhook)
		webhooks.DELETE("/:id", h.DeleteWebhook)
		webhooks.GET("/:id/deliveries", h.ListWebhookDeliveries)
	}

	admin := v1.Group("/admin")
	{
		admin.GET("/instances", h.ListInstances)
		admin.GET("/archive/stats", h.ArchiveStats)
		admin.POST("/archive/run", h.RunArchive)
		admin.GET("/archive/executions/:id", h.RestoreExecution)
	}

	return router
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
