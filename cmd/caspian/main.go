// Package main is the entry point for the Caspian backend. It wires the
// SQLite stores, the event bus, the agent service and the WebSocket gateway
// into a single HTTP server.
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

	"github.com/caspianhq/caspian/internal/agent/api"
	"github.com/caspianhq/caspian/internal/agent/claudecode"
	"github.com/caspianhq/caspian/internal/agent/registry"
	"github.com/caspianhq/caspian/internal/agent/service"
	"github.com/caspianhq/caspian/internal/chat"
	"github.com/caspianhq/caspian/internal/common/config"
	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/db"
	"github.com/caspianhq/caspian/internal/events"
	gateways "github.com/caspianhq/caspian/internal/gateway/websocket"
	"github.com/caspianhq/caspian/internal/node"
	"github.com/caspianhq/caspian/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Caspian backend...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Database
	pool, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer pool.Close()
	log.Info("SQLite database initialized", zap.String("path", cfg.Database.Path))

	sessionStore := session.NewStore(pool, log)
	messageStore := chat.NewStore(pool, log)
	nodeStore := node.NewStore(pool, log)

	// Agent adapter and process registry
	var adapterOpts []claudecode.Option
	if cfg.Agent.ClaudeBinary != "" {
		adapterOpts = append(adapterOpts, claudecode.WithBinary(cfg.Agent.ClaudeBinary))
	}
	if cfg.Agent.AttachmentsDir != "" {
		adapterOpts = append(adapterOpts, claudecode.WithAttachmentsDir(cfg.Agent.AttachmentsDir))
	}
	claudeAdapter := claudecode.New(log, adapterOpts...)
	agentRegistry := registry.New(log, claudeAdapter)

	agentService := service.New(agentRegistry, sessionStore, messageStore, nodeStore, eventBus, log)

	// Sessions left running by a previous process can't be reattached, so
	// reset them before accepting requests.
	if err := agentService.ResetStaleSessions(ctx); err != nil {
		log.Warn("Failed to reset stale agent sessions", zap.Error(err))
	}

	// WebSocket gateway
	gateway := gateways.NewGateway(log)
	go gateway.Hub.Run(ctx)
	gateways.RegisterAgentStreamNotifications(ctx, eventBus, gateway.Hub, log)

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)

	apiHandler := api.NewHandler(agentService, messageStore, claudeAdapter, cfg.Manifest.Path, log)
	apiHandler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "caspian",
		})
	})

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

	go func() {
		log.Info("Server listening", zap.String("host", cfg.Server.Host), zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Caspian...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	log.Info("Caspian stopped")
}
