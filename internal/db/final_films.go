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

const finalFilmColumns = `id, project_id, status, source_count, video_url, output_path, error, created_at, updated_at`

func scanFinalFilm(row interface{ Scan(...interface{}) error }, film *models.ProjectFinalFilm) error {
	return row.Scan(
		&film.ID, &film.ProjectID, &film.Status, &film.SourceCount, &film.VideoURL,
		&film.OutputPath, &film.Error, &film.CreatedAt, &film.UpdatedAt,
	)
}

// CreateFinalFilm inserts a queued compile job.
func (db *DB) CreateFinalFilm(ctx context.Context, film *models.ProjectFinalFilm) error {
	now := db.now()
	film.Status = models.JobStatusQueued
	film.CreatedAt = now
	film.UpdatedAt = now

	query := `
		INSERT INTO project_final_films (id, project_id, status, source_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := db.ExecContext(ctx, query,
		film.ID, film.ProjectID, film.Status, film.SourceCount, film.CreatedAt, film.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create final film: %w", err)
	}
	return nil
}

func (db *DB) GetFinalFilm(ctx context.Context, id uuid.UUID) (*models.ProjectFinalFilm, error) {
	query := `SELECT ` + finalFilmColumns + ` FROM project_final_films WHERE id = $1`

	film := &models.ProjectFinalFilm{}
	err := scanFinalFilm(db.QueryRowContext(ctx, query, id), film)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("final film", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get final film: %w", err)
	}

	return film, nil
}

// GetLatestFinalFilm returns the project's most recent compile job.
func (db *DB) GetLatestFinalFilm(ctx context.Context, projectID uuid.UUID) (*models.ProjectFinalFilm, error) {
	query := `
		SELECT ` + finalFilmColumns + `
		FROM project_final_films
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	film := &models.ProjectFinalFilm{}
	err := scanFinalFilm(db.QueryRowContext(ctx, query, projectID), film)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("final film for project", projectID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest final film: %w", err)
	}

	return film, nil
}

// UpdateFinalFilm applies patch while the film is still in expected.
func (db *DB) UpdateFinalFilm(ctx context.Context, id uuid.UUID, expected models.JobStatus, patch models.FinalFilmPatch) error {
	if patch.Status.Set && patch.Status.Value == models.JobStatusProcessing {
		return fmt.Errorf("final film %s: only the claimer may set processing", id)
	}

	var set setList
	if patch.Status.Set {
		set.add("status", patch.Status.Value)
	}
	if patch.SourceCount.Set {
		set.add("source_count", patch.SourceCount.Value)
	}
	if patch.VideoURL.Set {
		set.add("video_url", patch.VideoURL.Value)
	}
	if patch.OutputPath.Set {
		set.add("output_path", patch.OutputPath.Value)
	}
	if patch.Error.Set {
		set.add("error", patch.Error.Value)
	}

	return db.conditionalUpdate(ctx, "project_final_films", id, expected, set)
}

// ListCompiledClipSources picks, for every beat in scene order, the newest
// completed job with a video. Beats that never rendered are left out.
func (db *DB) ListCompiledClipSources(ctx context.Context, projectID uuid.UUID) ([]models.CompiledClipSource, error) {
	query := `
		SELECT b.beat_id, b.scene_number, j.id, j.video_url
		FROM storyboard_beats b
		JOIN scene_video_jobs j ON j.project_id = b.project_id AND j.beat_id = b.beat_id
		WHERE b.project_id = $1
		  AND j.status = 'completed' AND j.video_url IS NOT NULL AND j.video_url <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM scene_video_jobs n
			WHERE n.project_id = j.project_id AND n.beat_id = j.beat_id
			  AND n.status = 'completed' AND n.video_url IS NOT NULL AND n.video_url <> ''
			  AND (n.created_at > j.created_at OR (n.created_at = j.created_at AND n.id > j.id))
		  )
		ORDER BY b.scene_number, b.beat_id
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clip sources: %w", err)
	}
	defer rows.Close()

	sources := []models.CompiledClipSource{}
	for rows.Next() {
		var s models.CompiledClipSource
		if err := rows.Scan(&s.BeatID, &s.SceneNumber, &s.JobID, &s.VideoURL); err != nil {
			return nil, fmt.Errorf("failed to scan clip source: %w", err)
		}
		sources = append(sources, s)
	}

	return sources, rows.Err()
}
