package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/storyreel/internal/api"
	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/logging"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/platform"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("starting storyreel API")
	metrics.MustRegister()

	p, err := platform.Connect(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer p.Close()

	handler := api.NewHandler(p.DB, p.Pipeline, p.Prompts, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	workerDone := make(chan struct{})
	workerCtx, workerCancel := context.WithCancel(context.Background())
	if cfg.WorkerEnabled {
		w, err := p.NewWorker()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build worker")
		}
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker enabled, starting background processing")
		go func() {
			defer close(workerDone)
			if err := w.Start(workerCtx, p.Pipeline); err != nil && workerCtx.Err() == nil {
				logger.Error().Err(err).Msg("worker stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	// In-flight drains return without settling; the reclaimer or broker
	// redelivery picks those jobs up after restart.
	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	select {
	case <-workerDone:
	case <-ctx.Done():
		logger.Warn().Msg("worker did not stop before shutdown deadline")
	}

	logger.Info().Msg("server exited")
}
