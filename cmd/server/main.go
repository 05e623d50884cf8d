package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("backend", cfg.BackendURL).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Backend Clients ───────────────────────────────────────────────
	// Sessions call the backend with the student's own token; the outbox
	// workers deliver after the student is gone and use the service token.
	backendClient := backend.New(cfg.BackendURL, cfg.BackendTimeout, log)
	if cfg.BackendServiceToken == "" {
		log.Warn().Msg("BACKEND_SERVICE_TOKEN is empty; outbox deliveries will be rejected")
	}
	serviceClient := backendClient.WithToken(cfg.BackendServiceToken)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	registry := service.NewSessionRegistry(rdb, cfg.AttemptLockTTL, log)
	monitorService := service.NewMonitorService(registry)

	// ─── Initialize Handlers ──────────────────────────────────────────
	// Sessions outlive their HTTP request; sessionCtx tears them all down
	// on shutdown so unsaved answers get their final save.
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	wsHandler := handler.NewWSHandler(sessionCtx, rdb, backendClient, registry, cfg, log)
	handlers := &router.Handlers{
		WS:      wsHandler,
		Monitor: handler.NewMonitorHandler(registry, monitorService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 3)
	startWorker := func(start func(context.Context)) {
		go func() {
			start(workerCtx)
			workersDone <- struct{}{}
		}()
	}

	startWorker(outbox.NewProctoringWorker(rdb, serviceClient, log).Start)
	startWorker(outbox.NewJourneyWorker(rdb, serviceClient, log).Start)
	startWorker(outbox.NewBeaconWorker(rdb, serviceClient, log).Start)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down live sessions. Their final saves and beacons must land
	// before the outbox workers stop.
	sessionCancel()
	wsHandler.Wait()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	for i := 0; i < cap(workersDone); i++ {
		select {
		case <-workersDone:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Timed out waiting for outbox workers")
			i = cap(workersDone)
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
