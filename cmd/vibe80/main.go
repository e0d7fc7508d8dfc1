// Package main is the vibe80 server entry point. One binary hosts the
// store, the session manager, the broadcaster, and the HTTP/WebSocket
// surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/gateway"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
	redisstore "github.com/vibe80/vibe80/internal/store/redis"
	sqlitestore "github.com/vibe80/vibe80/internal/store/sqlite"
	"github.com/vibe80/vibe80/internal/tracing"
	"github.com/vibe80/vibe80/internal/version"
	"github.com/vibe80/vibe80/internal/workspacefs"
)

func main() {
	// 1. Load configuration (.env is optional convenience for dev setups)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
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

	log.Info("Starting vibe80...",
		zap.String("version", version.Version),
		zap.String("mode", cfg.Deployment.Mode),
		zap.String("storage", cfg.Storage.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 4. Store
	var st store.Store
	switch cfg.Storage.Backend {
	case config.StorageExternal:
		rs, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		st = rs
		log.Info("Connected to Redis store", zap.String("addr", cfg.Storage.RedisAddr))
	default:
		if err := os.MkdirAll(cfg.Storage.DataRoot, 0o755); err != nil {
			log.Fatal("Failed to create data root", zap.Error(err))
		}
		ss, err := sqlitestore.New(cfg.Storage.SQLitePath, time.Duration(cfg.Storage.BusyTimeoutMS)*time.Millisecond)
		if err != nil {
			log.Fatal("Failed to open SQLite store", zap.Error(err))
		}
		st = ss
		log.Info("Opened SQLite store", zap.String("path", cfg.Storage.SQLitePath))
	}
	defer st.Close()

	// 5. Workspace filesystem: recover uid allocations before serving
	fs := workspacefs.NewManager(cfg.Storage.DataRoot, cfg.Storage.HomeRoot, cfg.Workspaces.UIDMin, cfg.Workspaces.UIDMax, log)
	workspaces, err := st.ListWorkspaces(ctx)
	if err != nil {
		log.Fatal("Failed to list workspaces", zap.Error(err))
	}
	fs.Recover(workspaces)

	// 6. Auth service
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTKeyPath, cfg.Auth.AccessTTL())
	if err != nil {
		log.Fatal("Failed to initialize token issuer", zap.Error(err))
	}
	handoffs := auth.NewHandoffRegistry(cfg.Auth.HandoffTTL())
	authSvc := auth.NewService(st, fs, issuer, handoffs, cfg, log)

	// 7. Provider catalog
	catalog, err := agent.LoadCatalog(cfg.Agent.ProvidersFile)
	if err != nil {
		log.Fatal("Failed to load provider catalog", zap.Error(err))
	}
	log.Info("Provider catalog loaded", zap.Strings("providers", catalog.Names()))

	// 8. Session manager
	runner := sandbox.NewRunner(cfg.Sandbox.RunasPath, cfg.Sandbox.Disabled, log)
	sessions := session.NewManager(st, fs, runner, eventBus, catalog, cfg, log)
	if err := sessions.StartGC(); err != nil {
		log.Fatal("Failed to start session collector", zap.Error(err))
	}

	// 9. Broadcaster
	broadcaster, err := broadcast.New(eventBus, st, cfg.Broadcast.QueueSize, log)
	if err != nil {
		log.Fatal("Failed to start broadcaster", zap.Error(err))
	}

	// 10. Mono-user bootstrap announces the first-login handoff URL
	if cfg.MonoUser() {
		if _, err := authSvc.BootstrapMono(ctx, auth.MonoOptions{
			DataRoot:  cfg.Storage.DataRoot,
			PublicURL: cfg.Server.PublicURL,
			Providers: catalog.Names(),
			URLFile:   cfg.Auth.HandoffURLFile,
			QR:        cfg.Auth.HandoffQR,
		}); err != nil {
			log.Fatal("Mono-user bootstrap failed", zap.Error(err))
		}
	}

	// 11. HTTP server. WriteTimeout stays off by default: session creation
	// blocks on network-bound clones.
	router := gateway.NewRouter(gateway.Deps{
		Config:      cfg,
		Auth:        authSvc,
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Store:       st,
		Log:         log,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down vibe80...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	broadcaster.Close()
	sessions.Stop(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("vibe80 stopped")
}
