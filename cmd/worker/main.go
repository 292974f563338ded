package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/logging"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/platform"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("starting storyreel worker")
	metrics.MustRegister()

	p, err := platform.Connect(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer p.Close()

	w, err := p.NewWorker()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build worker")
	}

	// Metrics only; the worker has no API surface.
	if cfg.APIPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":" + cfg.APIPort, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx, p.Pipeline); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("worker exited")
}
