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

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	project.CreatedAt = db.now()

	query := `INSERT INTO projects (id, name, created_at) VALUES ($1, $2, $3)`

	if _, err := db.ExecContext(ctx, query, project.ID, project.Name, project.CreatedAt); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT id, name, created_at FROM projects WHERE id = $1`

	project := &models.Project{}
	err := db.QueryRowContext(ctx, query, id).Scan(&project.ID, &project.Name, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// DeleteProject removes a project; jobs, films, layers and traces go with it.
func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("project", id.String())
	}
	return nil
}

// ReplaceStoryboard swaps the project's beats for a new storyboard package.
func (db *DB) ReplaceStoryboard(ctx context.Context, projectID uuid.UUID, beats []models.StoryboardBeat) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM storyboard_beats WHERE project_id = $1`), projectID); err != nil {
			return fmt.Errorf("failed to clear storyboard: %w", err)
		}

		insert := db.rebind(`
			INSERT INTO storyboard_beats (
				project_id, beat_id, package_id, scene_number, description, camera_moves
			) VALUES ($1, $2, $3, $4, $5, $6)
		`)
		for _, beat := range beats {
			if _, err := tx.ExecContext(ctx, insert,
				projectID, beat.BeatID, beat.PackageID, beat.SceneNumber, beat.Description, beat.CameraMoves,
			); err != nil {
				if isUniqueViolation(err) {
					return apperr.Validation(fmt.Sprintf("duplicate beat id %q", beat.BeatID))
				}
				return fmt.Errorf("failed to insert beat %s: %w", beat.BeatID, err)
			}
		}
		return nil
	})
}

const beatColumns = `project_id, beat_id, package_id, scene_number, description, camera_moves`

func scanBeat(row interface{ Scan(...interface{}) error }, beat *models.StoryboardBeat) error {
	return row.Scan(&beat.ProjectID, &beat.BeatID, &beat.PackageID, &beat.SceneNumber, &beat.Description, &beat.CameraMoves)
}

func (db *DB) GetBeat(ctx context.Context, projectID uuid.UUID, beatID string) (*models.StoryboardBeat, error) {
	query := `SELECT ` + beatColumns + ` FROM storyboard_beats WHERE project_id = $1 AND beat_id = $2`

	beat := &models.StoryboardBeat{}
	err := scanBeat(db.QueryRowContext(ctx, query, projectID, beatID), beat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("beat", beatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get beat: %w", err)
	}

	return beat, nil
}

// ListBeats returns the storyboard in scene order.
func (db *DB) ListBeats(ctx context.Context, projectID uuid.UUID) ([]models.StoryboardBeat, error) {
	query := `SELECT ` + beatColumns + ` FROM storyboard_beats WHERE project_id = $1 ORDER BY scene_number, beat_id`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query beats: %w", err)
	}
	defer rows.Close()

	beats := []models.StoryboardBeat{}
	for rows.Next() {
		var beat models.StoryboardBeat
		if err := scanBeat(rows, &beat); err != nil {
			return nil, fmt.Errorf("failed to scan beat: %w", err)
		}
		beats = append(beats, beat)
	}

	return beats, rows.Err()
}

// GetPreviousBeat returns the beat immediately before sceneNumber in
// storyboard order, or nil for the first scene.
func (db *DB) GetPreviousBeat(ctx context.Context, projectID uuid.UUID, sceneNumber int) (*models.StoryboardBeat, error) {
	query := `
		SELECT ` + beatColumns + `
		FROM storyboard_beats
		WHERE project_id = $1 AND scene_number < $2
		ORDER BY scene_number DESC, beat_id DESC
		LIMIT 1
	`

	beat := &models.StoryboardBeat{}
	err := scanBeat(db.QueryRowContext(ctx, query, projectID, sceneNumber), beat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous beat: %w", err)
	}

	return beat, nil
}
