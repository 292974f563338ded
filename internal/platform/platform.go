// Package platform connects the shared process dependencies used by both the
// API and the worker binaries.
package platform

import (
	"fmt"
	"time"

	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/continuity"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/prompts"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/bobarin/storyreel/internal/worker"
	"github.com/rs/zerolog"
)

type Platform struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *db.DB
	Pipeline *queue.Pipeline
	Prompts  *prompts.Service

	// OpenAI is nil when no API key is configured.
	OpenAI *services.OpenAIService
}

// Connect opens the job store and the queue backend and builds the prompt
// service.
func Connect(cfg *config.Config, logger zerolog.Logger) (*Platform, error) {
	database, err := db.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info().Str("dialect", string(database.Dialect())).Msg("connected to database")

	pipeline, err := queue.Open(queue.Options{
		Backend:           cfg.QueueBackend,
		BrokerURL:         cfg.BrokerURL,
		Prefix:            cfg.QueuePrefix,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		StaleAfter:        cfg.StaleJobTimeout,
		ReclaimInterval:   cfg.ReclaimInterval,
		VisibilityTimeout: cfg.BrokerVisibilityTimeout,
		DedupeTTL:         cfg.BrokerDedupeTTL,
	}, database, logger)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	logger.Info().Str("backend", string(pipeline.Kind())).Msg("queue backend selected")

	p := &Platform{
		Config:   cfg,
		Logger:   logger,
		DB:       database,
		Pipeline: pipeline,
	}

	var seeder prompts.Seeder
	if cfg.OpenAIKey != "" {
		p.OpenAI = services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, logger)
		seeder = p.OpenAI
	}

	p.Prompts = prompts.NewService(database, seeder, prompts.Defaults{
		FilmType:            cfg.DefaultFilmType,
		ModelKey:            cfg.DefaultModelKey,
		ContinuityThreshold: cfg.ContinuityThreshold,
		ClipSeconds:         cfg.DefaultClipSeconds,
	}, logger)

	return p, nil
}

// NewWorker builds the drains with the configured providers, storage and
// continuity scorer.
func (p *Platform) NewWorker() (*worker.Worker, error) {
	cfg := p.Config

	store, err := storage.New(cfg, p.Logger)
	if err != nil {
		return nil, err
	}
	local, _ := store.(*storage.Local)
	fetcher := storage.NewFetcher(local, p.Logger)

	ffmpeg, err := services.NewFFmpegService(cfg.TempDir, p.Logger)
	if err != nil {
		return nil, err
	}

	registry := services.NewRegistry(services.RetryPolicy{
		MaxAttempts: cfg.ProviderMaxAttempts,
		BaseDelay:   cfg.ProviderRetryBaseDelay,
	}, p.Logger)
	if cfg.XAIEnabled && cfg.XAIAPIKey != "" {
		registry.Register(services.NewXAIVideoService(cfg.XAIAPIKey, p.Logger))
	}
	if cfg.VeoEnabled && cfg.GeminiKey != "" {
		registry.Register(services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, fetcher.Fetch, p.Logger))
	}
	if len(registry.Models()) == 0 {
		p.Logger.Warn().Msg("no video provider enabled, scene video jobs will fail")
	} else {
		p.Logger.Info().Strs("models", registry.Models()).Msg("video providers registered")
	}

	var judge continuity.JudgeClient
	if p.OpenAI != nil {
		judge = p.OpenAI
	}
	scorer, err := continuity.New(cfg.ContinuityScorer, judge,
		continuity.WithLogger(p.Logger),
		continuity.WithTimeout(45*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return worker.New(worker.Deps{
		Store:     p.DB,
		Prompts:   p.Prompts,
		Providers: registry,
		Scorer:    scorer,
		Media:     ffmpeg,
		Storage:   store,
		Fetcher:   fetcher,
	}, worker.Options{
		OutputDir:        cfg.OutputDir,
		NormalizeClips:   cfg.NormalizeClips,
		StageConcurrency: 4,
		UploadSlots:      2,
	}, p.Logger), nil
}

func (p *Platform) Close() {
	if err := p.Pipeline.Close(); err != nil {
		p.Logger.Warn().Err(err).Msg("failed to close queue")
	}
	if err := p.DB.Close(); err != nil {
		p.Logger.Warn().Err(err).Msg("failed to close database")
	}
}
