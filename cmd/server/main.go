package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"graph-sync/internal/api"
	"graph-sync/internal/auth"
	"graph-sync/internal/config"
	"graph-sync/internal/db"
	"graph-sync/internal/metrics"
	"graph-sync/internal/repository"
	"graph-sync/internal/services/collaboration"
	"graph-sync/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "graph-sync"
	serviceVersion = "1.0.0"
)

/*
STARTUP AND GRACEFUL SHUTDOWN

  config → tracing → persistence (postgres | memory) → authorization
  → session manager → HTTP server
  SIGINT/SIGTERM → stop accepting → close sessions (1001) → flush traces
*/

func main() {
	log.Println("🚀 Starting graph sync server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first so every later step is traced
	tracingShutdown := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.TracingEnabled {
		tracingShutdown, err = telemetry.InitJaeger(telemetry.Options{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			Endpoint:       cfg.JaegerEndpoint,
			SampleRatio:    cfg.TracingSampleRatio,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
			tracingShutdown = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Operation log sink and graph access
	var (
		sink       collaboration.OperationSink
		authorizer collaboration.Authorizer = auth.AllowAll{}
	)
	switch cfg.PersistenceMode {
	case config.PersistenceMemory:
		sink = repository.NewMemoryOperationRepository()
		log.Println("⚠️  Using in-memory operation log; history is lost on restart")
	default:
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		database, err := db.NewGorm(connectCtx, cfg)
		cancel()
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()

		sink = repository.NewOperationRepository(database.DB)
		if cfg.AuthzMode == config.AuthzMembers {
			authorizer = repository.NewGraphMemberRepository(database.DB)
			log.Println("✓ Graph access restricted to graph_members")
		}
	}

	collector := metrics.NewCollector()

	sessionManager := collaboration.NewSessionManager(
		auth.NewJWTVerifier(cfg.JWTSecret),
		authorizer,
		auth.NewReconnectIssuer(cfg.JWTSecret, cfg.ReconnectTokenTTL),
		sink,
		collaboration.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			SendQueueSize:     cfg.SendQueueSize,
			Limits:            cfg.Limits,
			LogRetention:      cfg.LogRetention,
			Metrics:           collector,
		},
	)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager, cfg.AllowedOrigins, cfg.Limits.MaxMessageBytes)

	handler := api.NewHandler(sessionManager.Coordinator(), sessionManager, sessionManager, wsHandler)
	router := api.SetupRoutes(handler, promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}), cfg.AllowedOrigins)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: it would cut long-lived websocket connections.
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/graphs/:id                  - Collaboration socket")
		log.Printf("   GET    /api/graphs/:id/operations      - Catch-up (?since=N)")
		log.Printf("   GET    /api/graphs/:id/presence        - Presence snapshot")
		log.Printf("   GET    /api/health                     - Health")
		log.Printf("   GET    /metrics                        - Prometheus")

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

	// Hijacked websocket connections are not tracked by Shutdown; the session
	// manager closes them with going-away.
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	sessionManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
