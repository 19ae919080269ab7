// Package main is the entry point for backportd.
// This single binary runs the trigger intake, the workflow orchestrator, the
// sandbox provisioner, and the HTTP/WebSocket API with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/httpmw"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/common/tracing"

	// Event bus
	"github.com/backportd/backportd/internal/events/bus"

	// Job store
	"github.com/backportd/backportd/internal/db"
	jobhandlers "github.com/backportd/backportd/internal/job/handlers"
	"github.com/backportd/backportd/internal/job/store"

	// Sandbox
	"github.com/backportd/backportd/internal/sandbox"
	sandboxdocker "github.com/backportd/backportd/internal/sandbox/docker"

	// External services
	"github.com/backportd/backportd/internal/github"
	"github.com/backportd/backportd/internal/oracle"

	// Orchestration
	"github.com/backportd/backportd/internal/backport"
	"github.com/backportd/backportd/internal/orchestrator"
	"github.com/backportd/backportd/internal/workflow"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting backportd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Initialize job store
	var jobStore store.Store
	switch cfg.Database.Driver {
	case "memory":
		log.Info("Using in-memory job store (jobs are lost on restart)")
		jobStore = store.NewMemoryStore()
	default:
		pool, err := db.OpenPool(cfg.Database)
		if err != nil {
			log.Fatal("Failed to open job store database", zap.Error(err))
		}
		sqlStore, err := store.NewSQLStore(pool)
		if err != nil {
			log.Fatal("Failed to initialize job store", zap.Error(err))
		}
		jobStore = sqlStore
		log.Info("Job store ready", zap.String("driver", cfg.Database.Driver))
	}
	// Every store mutation is mirrored onto the event bus for live streams.
	notifyingStore := store.NewNotifyingStore(jobStore, eventBus, log)
	defer notifyingStore.Close()

	// 6. Initialize Docker client and sandbox provisioner
	dockerClient, err := sandboxdocker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		// Boot anyway: the API stays useful and /health reports the gap.
		// Jobs fail at the execute step until the engine comes back.
		log.Warn("Docker daemon not reachable - backports will fail until it returns", zap.Error(err))
	} else {
		log.Info("Connected to Docker daemon")
	}

	catalog, err := sandbox.LoadCatalog(cfg.Sandbox.ProfilesPath, sandbox.Profile{
		Image:    cfg.Sandbox.Image,
		MemoryMB: cfg.Sandbox.MemoryMB,
		CPUQuota: cfg.Sandbox.CPUQuota,
		Network:  cfg.Docker.Network,
		TTL:      cfg.Sandbox.TTL,
	})
	if err != nil {
		log.Fatal("Failed to load sandbox profiles", zap.Error(err))
	}

	provisioner := sandboxdocker.NewProvisioner(dockerClient, cfg.Sandbox, catalog, log)
	reaper := sandboxdocker.NewReaper(dockerClient, cfg.Sandbox, log)
	reaper.Start(ctx)

	// 7. Initialize external clients
	if cfg.GitHub.Token == "" {
		log.Warn("GitHub token not configured - host API calls will be rejected")
	}
	hostClient := github.NewPATClient(cfg.GitHub.Token, cfg.GitHub.APIBaseURL)

	if cfg.Oracle.APIKey == "" {
		log.Warn("Oracle API key not configured - diff analysis will fail")
	}
	aiOracle := oracle.NewOpenAIOracle(cfg.Oracle, log)

	// ============================================
	// ORCHESTRATOR
	// ============================================
	executor := backport.NewExecutor(provisioner, aiOracle, notifyingStore, cfg.Backport, cfg.GitHub, log)
	engine := workflow.New(notifyingStore, log)
	orchestratorSvc := orchestrator.NewService(notifyingStore, hostClient, aiOracle, executor, engine, eventBus, cfg, log)
	if err := orchestratorSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	// Jobs interrupted by the previous shutdown are still in_progress; put
	// them back on the worker pool before new triggers arrive.
	if err := orchestratorSvc.ResumeInFlight(ctx); err != nil {
		log.Warn("Failed to resume interrupted jobs", zap.Error(err))
	}
	log.Info("Orchestrator initialized")

	// ============================================
	// HTTP SERVER (REST + WebSocket streams)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "backportd"))
	router.Use(httpmw.OtelTracing("backportd"))

	jobHandlers := jobhandlers.NewJobHandlers(orchestratorSvc, notifyingStore, jobhandlers.HealthDeps{
		StoreDriver: cfg.Database.Driver,
		Bus:         eventBus,
		Sandbox:     provisioner,
	}, log)
	jobHandlers.RegisterRoutes(router)

	hub := jobhandlers.NewHub(log)
	go hub.Run(ctx)
	streamHandler := jobhandlers.NewStreamHandler(hub, notifyingStore, eventBus, log)
	if err := streamHandler.Start(); err != nil {
		log.Fatal("Failed to start stream handler", zap.Error(err))
	}
	streamHandler.RegisterRoutes(router)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
		zap.String("stream", "/api/v1/jobs/:id/stream"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down backportd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Interrupted workflows settle or park as in_progress; either way the
	// next boot picks them up through resume.
	orchestratorSvc.Stop()
	streamHandler.Stop()
	reaper.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("backportd stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
