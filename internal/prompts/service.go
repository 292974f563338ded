package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Store is the part of the job store the prompt layer needs.
type Store interface {
	GetBeat(ctx context.Context, projectID uuid.UUID, beatID string) (*models.StoryboardBeat, error)
	GetPreviousBeat(ctx context.Context, projectID uuid.UUID, sceneNumber int) (*models.StoryboardBeat, error)
	GetLatestCompletedSceneVideoJob(ctx context.Context, projectID uuid.UUID, beatID string) (*models.SceneVideoJob, error)
	InsertPromptLayer(ctx context.Context, layer *models.ScenePromptLayer) error
	GetLatestPromptLayer(ctx context.Context, projectID uuid.UUID, beatID string) (*models.ScenePromptLayer, error)
	GetPromptLayerVersion(ctx context.Context, projectID uuid.UUID, beatID string, version int) (*models.ScenePromptLayer, error)
	ListPromptLayers(ctx context.Context, projectID uuid.UUID, beatID string) ([]models.ScenePromptLayer, error)
	InsertPromptTrace(ctx context.Context, trace *models.SceneVideoPromptTrace) error
	ListPromptTraces(ctx context.Context, projectID uuid.UUID, beatID string, limit int) ([]models.SceneVideoPromptTrace, error)
}

// Seeder drafts prompt layers from a beat description.
type Seeder interface {
	SeedPromptLayer(ctx context.Context, req services.SeedRequest) (*services.SeedDraft, error)
}

// Defaults fill in whatever neither the request nor the layer specifies.
type Defaults struct {
	FilmType            string
	ModelKey            string
	ContinuationMode    models.ContinuationMode
	ContinuityThreshold float64
	ClipSeconds         int
}

type Service struct {
	store    Store
	seeder   Seeder
	defaults Defaults
	logger   zerolog.Logger
	newID    func() string
}

// NewService builds the prompt service. seeder may be nil, which disables
// SeedLayer.
func NewService(store Store, seeder Seeder, defaults Defaults, logger zerolog.Logger) *Service {
	if defaults.ContinuationMode == "" {
		defaults.ContinuationMode = models.ContinuationBalanced
	}
	return &Service{
		store:    store,
		seeder:   seeder,
		defaults: defaults,
		logger:   logger.With().Str("component", "prompts").Logger(),
		newID:    func() string { return ulid.Make().String() },
	}
}

func (s *Service) Defaults() Defaults {
	return s.defaults
}

// requireBeat returns the beat or a precondition error when it does not exist.
func (s *Service) requireBeat(ctx context.Context, projectID uuid.UUID, beatID string) (*models.StoryboardBeat, error) {
	beat, err := s.store.GetBeat(ctx, projectID, beatID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, apperr.Precondition("beat %s does not exist in project %s", beatID, projectID)
	}
	return beat, err
}

// SaveLayer validates input and appends a new layer version for the beat.
func (s *Service) SaveLayer(ctx context.Context, projectID uuid.UUID, beatID string, req models.SavePromptLayerRequest) (*models.ScenePromptLayer, error) {
	beat, err := s.requireBeat(ctx, projectID, beatID)
	if err != nil {
		return nil, err
	}

	return s.saveLayer(ctx, beat, req, models.LayerSourceManual)
}

func (s *Service) saveLayer(ctx context.Context, beat *models.StoryboardBeat, req models.SavePromptLayerRequest, source models.LayerSource) (*models.ScenePromptLayer, error) {
	if !source.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("invalid layer source %q", source))
	}

	mode := s.defaults.ContinuationMode
	if req.ContinuationMode != nil {
		mode = *req.ContinuationMode
	}
	if !mode.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("invalid continuation mode %q", mode))
	}

	if t := req.AutoRegenerateThreshold; t != nil && (*t < 0 || *t > 1) {
		return nil, apperr.Validation("auto_regenerate_threshold must be between 0 and 1")
	}

	anchorBeatID := trimmed(req.AnchorBeatID)
	if anchorBeatID != nil && *anchorBeatID == beat.BeatID {
		return nil, apperr.Validation("a beat cannot anchor to itself")
	}

	director := strings.TrimSpace(req.DirectorPrompt)
	cinematographer := strings.TrimSpace(req.CinematographerPrompt)
	if director == "" && cinematographer == "" {
		return nil, apperr.Validation("director_prompt or cinematographer_prompt is required")
	}

	anchor, err := s.ResolveAnchor(ctx, beat.ProjectID, beat, mode, anchorBeatID)
	if err != nil {
		return nil, err
	}

	layer := &models.ScenePromptLayer{
		ProjectID:             beat.ProjectID,
		PackageID:             beat.PackageID,
		BeatID:                beat.BeatID,
		DirectorPrompt:        director,
		CinematographerPrompt: cinematographer,
		MergedPrompt: Merge(MergeInput{
			DirectorPrompt:        director,
			CinematographerPrompt: cinematographer,
			CameraMoves:           beat.CameraMoves,
			Guidance:              Guidance(mode, anchor),
		}),
		FilmType:                trimmed(req.FilmType),
		GenerationModel:         trimmed(req.GenerationModel),
		ContinuationMode:        mode,
		AnchorBeatID:            anchorBeatID,
		AutoRegenerateThreshold: req.AutoRegenerateThreshold,
		Source:                  source,
	}

	if err := s.store.InsertPromptLayer(ctx, layer); err != nil {
		return nil, err
	}

	metrics.PromptLayerSaved(string(source))
	s.logger.Info().
		Str("project_id", beat.ProjectID.String()).
		Str("beat_id", beat.BeatID).
		Int("version", layer.Version).
		Str("source", string(source)).
		Msg("prompt layer saved")

	return layer, nil
}

// GetLatestLayer returns the current layer, or nil when the beat has none.
func (s *Service) GetLatestLayer(ctx context.Context, projectID uuid.UUID, beatID string) (*models.ScenePromptLayer, error) {
	return s.store.GetLatestPromptLayer(ctx, projectID, beatID)
}

// ListLayerHistory returns every version of a beat's layer, newest first.
func (s *Service) ListLayerHistory(ctx context.Context, projectID uuid.UUID, beatID string) ([]models.ScenePromptLayer, error) {
	return s.store.ListPromptLayers(ctx, projectID, beatID)
}

// RestoreLayer saves a copy of an earlier version as the newest one.
func (s *Service) RestoreLayer(ctx context.Context, projectID uuid.UUID, beatID string, version int) (*models.ScenePromptLayer, error) {
	beat, err := s.requireBeat(ctx, projectID, beatID)
	if err != nil {
		return nil, err
	}

	old, err := s.store.GetPromptLayerVersion(ctx, projectID, beatID, version)
	if err != nil {
		return nil, err
	}

	mode := old.ContinuationMode
	return s.saveLayer(ctx, beat, models.SavePromptLayerRequest{
		DirectorPrompt:          old.DirectorPrompt,
		CinematographerPrompt:   old.CinematographerPrompt,
		FilmType:                old.FilmType,
		GenerationModel:         old.GenerationModel,
		ContinuationMode:        &mode,
		AnchorBeatID:            old.AnchorBeatID,
		AutoRegenerateThreshold: old.AutoRegenerateThreshold,
	}, models.LayerSourceRestored)
}

// SeedLayer asks the seeder for a first draft and saves it as an ai-seed
// version. Settings other than the prompts carry over from the current layer.
func (s *Service) SeedLayer(ctx context.Context, projectID uuid.UUID, beatID string) (*models.ScenePromptLayer, error) {
	if s.seeder == nil {
		return nil, apperr.Precondition("prompt seeding is not configured")
	}

	beat, err := s.requireBeat(ctx, projectID, beatID)
	if err != nil {
		return nil, err
	}

	current, err := s.store.GetLatestPromptLayer(ctx, projectID, beatID)
	if err != nil {
		return nil, err
	}

	req := models.SavePromptLayerRequest{}
	filmType := s.defaults.FilmType
	if current != nil {
		mode := current.ContinuationMode
		req.FilmType = current.FilmType
		req.GenerationModel = current.GenerationModel
		req.ContinuationMode = &mode
		req.AnchorBeatID = current.AnchorBeatID
		req.AutoRegenerateThreshold = current.AutoRegenerateThreshold
		if current.FilmType != nil {
			filmType = *current.FilmType
		}
	}

	draft, err := s.seeder.SeedPromptLayer(ctx, services.SeedRequest{
		BeatDescription: beat.Description,
		SceneNumber:     beat.SceneNumber,
		FilmType:        filmType,
		CameraMoves:     beat.CameraMoves,
	})
	if err != nil {
		return nil, apperr.Provider("openai", err)
	}

	req.DirectorPrompt = draft.DirectorPrompt
	req.CinematographerPrompt = draft.CinematographerPrompt
	return s.saveLayer(ctx, beat, req, models.LayerSourceAISeed)
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
