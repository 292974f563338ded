package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const layerVersionAttempts = 5

const promptLayerColumns = `
	id, project_id, package_id, beat_id, director_prompt, cinematographer_prompt, merged_prompt,
	film_type, generation_model, continuation_mode, anchor_beat_id, auto_regenerate_threshold,
	source, version, created_at`

func scanPromptLayer(row interface{ Scan(...interface{}) error }, layer *models.ScenePromptLayer) error {
	return row.Scan(
		&layer.ID, &layer.ProjectID, &layer.PackageID, &layer.BeatID, &layer.DirectorPrompt,
		&layer.CinematographerPrompt, &layer.MergedPrompt, &layer.FilmType, &layer.GenerationModel,
		&layer.ContinuationMode, &layer.AnchorBeatID, &layer.AutoRegenerateThreshold,
		&layer.Source, &layer.Version, &layer.CreatedAt,
	)
}

// InsertPromptLayer appends a new version for the layer's beat. The version
// is max+1 computed inside the INSERT; two writers racing for the same
// number hit the unique constraint and the loser retries.
func (db *DB) InsertPromptLayer(ctx context.Context, layer *models.ScenePromptLayer) error {
	query := `
		INSERT INTO scene_prompt_layers (
			id, project_id, package_id, beat_id, director_prompt, cinematographer_prompt, merged_prompt,
			film_type, generation_model, continuation_mode, anchor_beat_id, auto_regenerate_threshold,
			source, version, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM scene_prompt_layers WHERE project_id = $2 AND beat_id = $4),
			$14
		)
		RETURNING version
	`

	for attempt := 1; ; attempt++ {
		layer.ID = uuid.New()
		layer.CreatedAt = db.now()

		err := db.QueryRowContext(ctx, query,
			layer.ID, layer.ProjectID, layer.PackageID, layer.BeatID, layer.DirectorPrompt,
			layer.CinematographerPrompt, layer.MergedPrompt, layer.FilmType, layer.GenerationModel,
			layer.ContinuationMode, layer.AnchorBeatID, layer.AutoRegenerateThreshold,
			layer.Source, layer.CreatedAt,
		).Scan(&layer.Version)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || attempt >= layerVersionAttempts {
			return fmt.Errorf("failed to insert prompt layer: %w", err)
		}
		db.logger.Debug().Str("beat_id", layer.BeatID).Int("attempt", attempt).Msg("prompt layer version taken, retrying")
	}
}

// GetLatestPromptLayer returns the highest version for a beat, or nil when
// the beat has no layer yet.
func (db *DB) GetLatestPromptLayer(ctx context.Context, projectID uuid.UUID, beatID string) (*models.ScenePromptLayer, error) {
	query := `
		SELECT ` + promptLayerColumns + `
		FROM scene_prompt_layers
		WHERE project_id = $1 AND beat_id = $2
		ORDER BY version DESC
		LIMIT 1
	`

	layer := &models.ScenePromptLayer{}
	err := scanPromptLayer(db.QueryRowContext(ctx, query, projectID, beatID), layer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt layer: %w", err)
	}

	return layer, nil
}

func (db *DB) GetPromptLayerVersion(ctx context.Context, projectID uuid.UUID, beatID string, version int) (*models.ScenePromptLayer, error) {
	query := `
		SELECT ` + promptLayerColumns + `
		FROM scene_prompt_layers
		WHERE project_id = $1 AND beat_id = $2 AND version = $3
	`

	layer := &models.ScenePromptLayer{}
	err := scanPromptLayer(db.QueryRowContext(ctx, query, projectID, beatID, version), layer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("prompt layer version", fmt.Sprintf("%s@%d", beatID, version))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt layer version: %w", err)
	}

	return layer, nil
}

// ListPromptLayers returns every version for a beat, newest first.
func (db *DB) ListPromptLayers(ctx context.Context, projectID uuid.UUID, beatID string) ([]models.ScenePromptLayer, error) {
	query := `
		SELECT ` + promptLayerColumns + `
		FROM scene_prompt_layers
		WHERE project_id = $1 AND beat_id = $2
		ORDER BY version DESC
	`

	rows, err := db.QueryContext(ctx, query, projectID, beatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt layers: %w", err)
	}
	defer rows.Close()

	layers := []models.ScenePromptLayer{}
	for rows.Next() {
		var layer models.ScenePromptLayer
		if err := scanPromptLayer(rows, &layer); err != nil {
			return nil, fmt.Errorf("failed to scan prompt layer: %w", err)
		}
		layers = append(layers, layer)
	}

	return layers, rows.Err()
}
