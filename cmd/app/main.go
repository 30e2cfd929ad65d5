package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grantgate/internal/api/v1/router"
	"grantgate/internal/config"
	"grantgate/internal/logger"
	"grantgate/internal/service"

	"github.com/joho/godotenv"
)

// @title grantgate API
// @version 1.0
// @description Subscription checkout and entitlement reconciliation
// @host localhost:8080
// @BasePath /
// @Schemes http https

func main() {
	// 1. Load configuration
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("production", "info")
		boot.Fatal().Err(err).Msg("Error loading config")
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		log.Debug().Msg("No .env file found")
	}

	ctx := context.Background()

	// 2. Resolve sm:// references from Secret Manager
	if cfg.HasSecretRefs() {
		sm, err := service.NewSecretManagerService(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Secret Manager client")
		}
		if err := config.ResolveSecrets(ctx, cfg, sm); err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve secrets")
		}
		_ = sm.Close()
		log.Info().Msg("Secrets resolved from Secret Manager")
	}

	// 3. Build router and backing connections
	handler, cleanup, err := router.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Serve
	go func() {
		log.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Listen failed")
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return
	}
	log.Info().Msg("Server shut down gracefully")
}
