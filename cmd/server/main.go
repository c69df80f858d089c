package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagecollab/internal/api"
	"pagecollab/internal/config"
	"pagecollab/internal/db"
	"pagecollab/internal/idgen"
	"pagecollab/internal/permissions"
	"pagecollab/internal/repository"
	"pagecollab/internal/sanitize"
	"pagecollab/internal/services"
	"pagecollab/internal/services/collaboration"
	"pagecollab/internal/telemetry"
)

const (
	serviceName    = "pagecollab"
	serviceVersion = "1.0.0"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Startup order: config → tracing → archive (optional) → registry → gateway
→ HTTP server. Tracing and the archive are best effort: when Jaeger or
Postgres is unavailable the collaboration server still runs.

Shutdown runs in reverse: stop accepting HTTP, close every WebSocket,
stop the sweeper, drain the archive queue, flush traces.
*/

func main() {
	log.Println("🚀 Starting page collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	gen, err := idgen.ByName(cfg.IDFormat)
	if err != nil {
		log.Fatalf("❌ Invalid id format: %v", err)
	}
	idgen.Default = gen

	// Initialize Jaeger tracing first so all operations are traced
	var jaegerShutdown telemetry.ShutdownFunc = telemetry.Noop
	if cfg.TracingEnabled {
		jaegerShutdown, err = telemetry.InitJaeger(serviceName, serviceVersion, cfg.JaegerEndpoint)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
			jaegerShutdown = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Snapshot archive. Interfaces stay nil when disabled so handlers fall
	// back to live session snapshots.
	var (
		archiver       *services.SnapshotArchiver
		snapshotReader api.SnapshotReader
		archiveQueue   api.ArchiveQueue
	)
	if cfg.SnapshotArchiveEnabled {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Printf("⚠️  Snapshot archive disabled: %v", err)
		} else {
			defer database.Close()

			snapshotRepo := repository.NewSnapshotRepository(database.DB)
			archiver = services.NewSnapshotArchiver(snapshotRepo, cfg.ArchiveWorkers, cfg.ArchiveQueueSize)
			archiver.Start()

			snapshotReader = snapshotRepo
			archiveQueue = archiver
		}
	}

	registry := collaboration.NewRegistry()

	gatewayOpts := []collaboration.GatewayOption{
		collaboration.WithPermissions(permissions.NewPolicy(cfg.StrictCommentResolution)),
		collaboration.WithSanitizer(sanitize.New()),
	}
	if archiver != nil {
		gatewayOpts = append(gatewayOpts, collaboration.WithSnapshotSink(archiver))
	}
	gateway := collaboration.NewGateway(registry, gatewayOpts...)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	registry.StartSweeper(sweepCtx, cfg.SessionSweepInterval, cfg.SessionIdleTimeout)

	if len(cfg.AdminTokens) == 0 {
		log.Println("⚠️  No ADMIN_TOKENS configured: nobody can remove or promote participants")
	}
	wsHandler := collaboration.NewWebSocketHandler(gateway, cfg.WSSendBuffer, cfg.AllowedOrigins,
		collaboration.WithAdminResolver(collaboration.TokenAdminResolver(cfg.AdminTokens)),
	)
	handler := api.NewHandler(registry, gateway, wsHandler, snapshotReader, archiveQueue)
	router := api.SetupRoutes(handler, cfg.AllowedOrigins)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   WS     /ws/document/:id                  - Join a document session")
		log.Printf("   GET    /api/health                       - Health check")
		log.Printf("   GET    /api/sessions                     - List active sessions")
		log.Printf("   GET    /api/documents/:id/session        - Session state")
		log.Printf("   GET    /api/documents/:id/snapshots      - List snapshots")
		log.Printf("   GET    /api/documents/:id/snapshots/:sid - Get snapshot")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the
	// gateway closes them.
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	gateway.Shutdown()
	stopSweeper()

	if archiver != nil {
		if err := archiver.Shutdown(ctx); err != nil {
			log.Printf("⚠️  %v", err)
		}
	}

	log.Println("✓ Server shutdown complete")
}
