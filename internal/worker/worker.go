package worker

import (
	"context"
	"fmt"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/continuity"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/prompts"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the part of the job store the drains use.
type Store interface {
	GetSceneVideoJob(ctx context.Context, id uuid.UUID) (*models.SceneVideoJob, error)
	GetBeat(ctx context.Context, projectID uuid.UUID, beatID string) (*models.StoryboardBeat, error)
	UpdateSceneVideoJob(ctx context.Context, id uuid.UUID, expected models.JobStatus, patch models.SceneVideoJobPatch) error
	GetFinalFilm(ctx context.Context, id uuid.UUID) (*models.ProjectFinalFilm, error)
	UpdateFinalFilm(ctx context.Context, id uuid.UUID, expected models.JobStatus, patch models.FinalFilmPatch) error
	ListCompiledClipSources(ctx context.Context, projectID uuid.UUID) ([]models.CompiledClipSource, error)
}

type Preparer interface {
	PrepareGeneration(ctx context.Context, job *models.SceneVideoJob, beat *models.StoryboardBeat) (*prompts.Generation, error)
}

type Generator interface {
	Generate(ctx context.Context, req services.GenerateRequest) (*services.GenerateResult, error)
}

// MediaTool is the ffmpeg surface the drains need.
type MediaTool interface {
	TempDir(prefix string) (string, error)
	Concat(ctx context.Context, clipPaths []string, outputPath string) error
	Normalize(ctx context.Context, inputPath, outputPath string) error
	ExtractLastFrame(ctx context.Context, videoPath, outputPath string) error
	Duration(ctx context.Context, path string) (float64, error)
}

type Fetcher interface {
	DownloadTo(ctx context.Context, rawURL, dest string) error
}

type Deps struct {
	Store     Store
	Prompts   Preparer
	Providers Generator
	Scorer    continuity.Scorer
	Media     MediaTool
	Storage   storage.Store
	Fetcher   Fetcher
}

type Options struct {
	OutputDir        string
	NormalizeClips   bool
	StageConcurrency int
	UploadSlots      int
}

type Worker struct {
	store     Store
	prompts   Preparer
	providers Generator
	scorer    continuity.Scorer
	media     MediaTool
	storage   storage.Store
	fetch     Fetcher

	outputDir        string
	normalize        bool
	stageConcurrency int
	uploadSem        chan struct{} // limits concurrent storage uploads across drains
	logger           zerolog.Logger
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Worker {
	if opts.StageConcurrency < 1 {
		opts.StageConcurrency = 4
	}
	if opts.UploadSlots < 1 {
		opts.UploadSlots = 2
	}
	if deps.Scorer == nil {
		deps.Scorer = continuity.Heuristic{}
	}
	return &Worker{
		store:            deps.Store,
		prompts:          deps.Prompts,
		providers:        deps.Providers,
		scorer:           deps.Scorer,
		media:            deps.Media,
		storage:          deps.Storage,
		fetch:            deps.Fetcher,
		outputDir:        opts.OutputDir,
		normalize:        opts.NormalizeClips,
		stageConcurrency: opts.StageConcurrency,
		uploadSem:        make(chan struct{}, opts.UploadSlots),
		logger:           logger.With().Str("component", "worker").Logger(),
	}
}

// Register installs both drains on the pipeline.
func (w *Worker) Register(p *queue.Pipeline) {
	p.Register(models.JobTypeSceneVideo, w.DrainSceneVideo)
	p.Register(models.JobTypeFinalFilm, w.DrainFinalFilm)
}

// Start registers the drains and runs the pipeline until ctx is done.
func (w *Worker) Start(ctx context.Context, p *queue.Pipeline) error {
	w.Register(p)
	w.logger.Info().Str("backend", string(p.Kind())).Msg("worker started")
	err := p.Run(ctx)
	w.logger.Info().Msg("worker shutting down")
	return err
}

// uploadWithLimit waits for an upload slot before running fn.
func (w *Worker) uploadWithLimit(ctx context.Context, fn func() (string, error)) (string, error) {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()
	return fn()
}

// settled reports whether a terminal write error means "someone else owns the
// job now", in which case the drain is done.
func settled(logger zerolog.Logger, err error) bool {
	if apperr.IsClaimConflict(err) {
		logger.Warn().Msg("job changed state while draining, discarding result")
		return true
	}
	return false
}

func strPtr(s string) *string {
	return &s
}

func float64Ptr(f float64) *float64 {
	return &f
}
