// Astro - Credit-Gated Astrology Consultation Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/astroweb/astro-server/internal/api"
	"github.com/astroweb/astro-server/internal/balance"
	"github.com/astroweb/astro-server/internal/chat"
	"github.com/astroweb/astro-server/internal/config"
	"github.com/astroweb/astro-server/internal/genai"
	"github.com/astroweb/astro-server/internal/identity"
	"github.com/astroweb/astro-server/internal/ledger"
	"github.com/astroweb/astro-server/internal/middleware"
	"github.com/astroweb/astro-server/internal/purchase"
	"github.com/astroweb/astro-server/internal/store"
	"github.com/astroweb/astro-server/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reporter, err := telemetry.NewLogger(telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		Path:      cfg.Telemetry.Path,
		QueueSize: cfg.Telemetry.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := reporter.Close(); closeErr != nil {
			slog.Error("Failed to close telemetry", "error", closeErr)
		}
	}()

	// Initialize services.
	creditLedger := ledger.New(repo)
	generator := genai.NewOpenAIGenerator(cfg.Generation, logger)
	chatService := chat.NewService(generator, logger)
	purchaseService := purchase.NewService(repo, creditLedger, reporter, cfg.Purchase.SettleDelay, logger)

	// Initialize handlers.
	accountHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := chat.NewHandler(chatService, cfg.RateLimit)
	purchaseHandler := purchase.NewHandler(purchaseService)
	wsHandler := balance.NewWebSocketHandler(creditLedger, balance.NewRegistry(), cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.SignupGrant, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	accountHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	purchaseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/balance", wsHandler.ServeHTTP)

	// Create server.
	// Note: streamed exchange responses require long write timeouts.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for streamed responses
		IdleTimeout:  120 * time.Second,
	}

	// Start settlement worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	purchaseService.StartSettlementWorker(ctx, cfg.Purchase.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
