package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waveflow-go/internal/archive"
	"github.com/waveflow-go/internal/cluster"
	"github.com/waveflow-go/internal/domain/schedule"
	"github.com/waveflow-go/internal/domain/webhook"
	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/approval"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/driver"
	"github.com/waveflow-go/internal/engine/retry"
	"github.com/waveflow-go/internal/executors"
	"github.com/waveflow-go/internal/scheduler"
	"github.com/waveflow-go/internal/search"
	"github.com/waveflow-go/internal/server"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/internal/usage"
	"github.com/waveflow-go/internal/webhookd"
	"github.com/waveflow-go/internal/ws"
	"github.com/waveflow-go/pkg/cache"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/middleware"
	"github.com/waveflow-go/pkg/telemetry"
)

// checkpointSchema backs the raw-SQL checkpoint store; the gorm models
// migrate themselves.
const checkpointSchema = `
	CREATE TABLE IF NOT EXISTS execution_checkpoints (
		execution_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		approval_data JSONB,
		executed_node_ids JSONB,
		created_at TIMESTAMPTZ
	)`

func main() {
	// Load configuration
	cfg, err := config.Load("engine")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())

	// Tracing
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "waveflow-engine"
	}
	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		log.Fatal("Failed to initialize telemetry", "error", err)
	}

	// Database
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	if err := db.Migrate(
		&workflow.Workflow{},
		&workflow.Execution{},
		&workflow.NodeExecution{},
		&schedule.Schedule{},
		&webhook.Subscription{},
		&webhook.Delivery{},
		&archive.Record{},
	); err != nil {
		log.Fatal("Failed to migrate database", "error", err)
	}
	rawDB, err := db.DB.DB()
	if err != nil {
		log.Fatal("Failed to get database handle", "error", err)
	}
	if _, err := rawDB.Exec(checkpointSchema); err != nil {
		log.Fatal("Failed to create checkpoint table", "error", err)
	}
	poolMonitor := database.NewPoolMonitor(db, 15*time.Second, log)
	poolMonitor.Start()

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	// Event bus
	var bus events.EventBus
	if cfg.Engine.EventBus == "memory" {
		bus = events.NewMemoryEventBus()
	} else {
		bus, err = events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			log.Fatal("Failed to create event bus", "error", err)
		}
	}

	// Stores
	executionStore := store.NewExecutionStore(db)
	workflowStore := store.NewWorkflowStore(db)
	scheduleStore := store.NewScheduleStore(db)
	webhookStore := store.NewWebhookStore(db)
	cachedWorkflows := store.NewCachedWorkflowStore(db, cache.NewRedisCache(redisClient, cache.DefaultOptions()))

	// Checkpoints and the approval controller
	checkpoints := approval.NewCheckpointStore(rawDB, redisClient, cfg.Engine.CheckpointTTL(), log)
	checkpoints.Start()
	controller := approval.NewController(executionStore, checkpoints, bus, log)

	// Capability registry with the built-in node types
	registry := dispatch.NewRegistry(log)
	builtins := executors.Register(registry, log)

	// Engine
	policy := retry.NewPolicy(cfg.Engine.RetryBaseDelay(), cfg.Engine.BreakerEnabled, bus, log)
	engine := driver.NewEngine(registry, policy, executionStore, controller, bus, tel, log, cfg.Engine.NodeTimeout())

	if recovered, err := engine.RecoverStale(context.Background(), time.Duration(cfg.Engine.StaleRunThreshold)*time.Minute); err != nil {
		log.Error("Stale run recovery failed", "error", err)
	} else if recovered > 0 {
		log.Warn("Recovered stale executions from previous process", "count", recovered)
	}

	// Live event channel
	hub := ws.NewHub(log)
	if err := ws.Bridge(bus, hub); err != nil {
		log.Fatal("Failed to bridge events to websocket hub", "error", err)
	}

	// Outbound webhooks
	var dispatcher *webhookd.Dispatcher
	if cfg.Webhook.Enabled {
		dispatcher = webhookd.New(&cfg.Webhook, webhookStore, log)
		if err := dispatcher.Start(bus); err != nil {
			log.Fatal("Failed to start webhook dispatcher", "error", err)
		}
	}

	// Schedule trigger
	var cronScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cronScheduler = scheduler.New(&cfg.Scheduler, scheduleStore, workflowStore, engine, bus, redisClient, log)
		if err := cronScheduler.Start(context.Background()); err != nil {
			log.Fatal("Failed to start scheduler", "error", err)
		}
	}

	// Search indexer
	var indexer *search.Indexer
	if cfg.Search.Enabled {
		indexer, err = search.New(&cfg.Search, log)
		if err != nil {
			log.Fatal("Failed to create search indexer", "error", err)
		}
		if err := indexer.EnsureIndices(context.Background()); err != nil {
			log.Error("Failed to ensure search indices", "error", err)
		}
		if err := indexer.Start(bus); err != nil {
			log.Fatal("Failed to start search indexer", "error", err)
		}
	}

	// Archiver with a daily sweep
	var archiver *archive.Archiver
	archiveStop := make(chan struct{})
	if cfg.Archive.Enabled {
		storage, err := archive.NewS3Storage(&cfg.Archive)
		if err != nil {
			log.Fatal("Failed to create archive storage", "error", err)
		}
		archiver = archive.New(&cfg.Archive, db, storage, log)
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
					if moved, err := archiver.Run(ctx); err != nil {
						log.Error("Archive sweep failed", "error", err)
					} else if moved > 0 {
						log.Info("Archive sweep finished", "archived", moved)
					}
					if err := archiver.CleanupExpired(ctx); err != nil {
						log.Error("Archive cleanup failed", "error", err)
					}
					cancel()
				case <-archiveStop:
					return
				}
			}
		}()
	}

	// Cluster membership
	var clusterRegistry *cluster.Registry
	if cfg.Cluster.Enabled {
		backend, err := cluster.NewEtcdBackend(&cfg.Cluster)
		if err != nil {
			log.Fatal("Failed to connect to etcd", "error", err)
		}
		self := cluster.NewInstance(cfg.Server.Host, cfg.Server.Port)
		clusterRegistry = cluster.NewRegistry(&cfg.Cluster, backend, self, log)
		if err := clusterRegistry.Start(context.Background()); err != nil {
			log.Fatal("Failed to register instance", "error", err)
		}
	}

	// Auth and rate limiting
	var tokens *middleware.TokenManager
	var enforcer *middleware.Enforcer
	if cfg.Auth.Enabled {
		tokens = middleware.NewTokenManager(&cfg.Auth)
		enforcer, err = middleware.NewEnforcer(db, cfg.Auth.RBACModel, log)
		if err != nil {
			log.Fatal("Failed to build RBAC enforcer", "error", err)
		}
	}
	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewLimiter(&cfg.RateLimit, redisClient)
	}

	// HTTP server
	srv := server.New(cfg, server.Deps{
		Engine:     engine,
		Executions: executionStore,
		Workflows:  cachedWorkflows,
		Schedules:  scheduleStore,
		Webhooks:   webhookStore,
		Scheduler:  cronScheduler,
		Search:     indexer,
		Archiver:   archiver,
		Cluster:    clusterRegistry,
		Usage:      usage.NewMonitor(log),
		Hub:        hub,
		DB:         db,
		Redis:      redisClient,
		Telemetry:  tel,
		Tokens:     tokens,
		Enforcer:   enforcer,
		Limiter:    limiter,
	}, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// Stop accepting work, then drain: HTTP first, then the trigger
	// sources, then live runs, then everything runs depend on.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", "error", err)
	}
	if cronScheduler != nil {
		cronScheduler.Stop()
	}
	if err := engine.Shutdown(ctx); err != nil {
		log.Error("Engine runs did not drain in time", "error", err)
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if clusterRegistry != nil {
		clusterRegistry.Stop()
	}
	close(archiveStop)
	hub.Close()
	checkpoints.Stop()
	if err := builtins.Close(); err != nil {
		log.Error("Failed to close executor pools", "error", err)
	}
	if err := bus.Close(); err != nil {
		log.Error("Failed to close event bus", "error", err)
	}
	poolMonitor.Stop()
	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close Redis", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Error("Failed to close database", "error", err)
	}
	if err := tel.Close(); err != nil {
		log.Error("Failed to flush telemetry", "error", err)
	}

	log.Info("Engine exited")
}
