package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const sceneJobColumns = `
	id, project_id, package_id, beat_id, provider, model_key, prompt, source_image_url,
	continuity_score, continuity_threshold, recommend_regenerate, continuity_reason,
	status, external_job_id, video_url, last_frame_url, error, duration_seconds,
	options, created_at, updated_at`

func scanSceneJob(row interface{ Scan(...interface{}) error }, job *models.SceneVideoJob) error {
	return row.Scan(
		&job.ID, &job.ProjectID, &job.PackageID, &job.BeatID, &job.Provider, &job.ModelKey,
		&job.Prompt, &job.SourceImageURL, &job.ContinuityScore, &job.ContinuityThreshold,
		&job.RecommendRegenerate, &job.ContinuityReason, &job.Status, &job.ExternalJobID,
		&job.VideoURL, &job.LastFrameURL, &job.Error, &job.DurationSeconds, &job.Options,
		&job.CreatedAt, &job.UpdatedAt,
	)
}

// CreateSceneVideoJob inserts a new job in the queued state.
func (db *DB) CreateSceneVideoJob(ctx context.Context, job *models.SceneVideoJob) error {
	now := db.now()
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO scene_video_jobs (
			id, project_id, package_id, beat_id, provider, model_key, prompt,
			continuity_threshold, status, duration_seconds, options, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := db.ExecContext(ctx, query,
		job.ID, job.ProjectID, job.PackageID, job.BeatID, job.Provider, job.ModelKey, job.Prompt,
		job.ContinuityThreshold, job.Status, job.DurationSeconds, job.Options, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create scene video job: %w", err)
	}
	return nil
}

func (db *DB) GetSceneVideoJob(ctx context.Context, id uuid.UUID) (*models.SceneVideoJob, error) {
	query := `SELECT ` + sceneJobColumns + ` FROM scene_video_jobs WHERE id = $1`

	job := &models.SceneVideoJob{}
	err := scanSceneJob(db.QueryRowContext(ctx, query, id), job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scene video job", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene video job: %w", err)
	}

	return job, nil
}

// GetLatestSceneVideoJob returns the most recently created job for a beat.
func (db *DB) GetLatestSceneVideoJob(ctx context.Context, projectID uuid.UUID, beatID string) (*models.SceneVideoJob, error) {
	query := `
		SELECT ` + sceneJobColumns + `
		FROM scene_video_jobs
		WHERE project_id = $1 AND beat_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	job := &models.SceneVideoJob{}
	err := scanSceneJob(db.QueryRowContext(ctx, query, projectID, beatID), job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scene video job for beat", beatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest scene video job: %w", err)
	}

	return job, nil
}

// GetLatestCompletedSceneVideoJob returns the newest completed job for a
// beat that has a video, or nil when the beat has never rendered.
func (db *DB) GetLatestCompletedSceneVideoJob(ctx context.Context, projectID uuid.UUID, beatID string) (*models.SceneVideoJob, error) {
	query := `
		SELECT ` + sceneJobColumns + `
		FROM scene_video_jobs
		WHERE project_id = $1 AND beat_id = $2
		  AND status = 'completed' AND video_url IS NOT NULL AND video_url <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	job := &models.SceneVideoJob{}
	err := scanSceneJob(db.QueryRowContext(ctx, query, projectID, beatID), job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get completed scene video job: %w", err)
	}

	return job, nil
}

// ListLatestSceneVideoJobs returns the latest job of every beat in the
// project, in storyboard order.
func (db *DB) ListLatestSceneVideoJobs(ctx context.Context, projectID uuid.UUID) ([]models.SceneVideoJob, error) {
	query := `
		SELECT ` + prefixColumns("j", sceneJobColumns) + `
		FROM scene_video_jobs j
		LEFT JOIN storyboard_beats b ON b.project_id = j.project_id AND b.beat_id = j.beat_id
		WHERE j.project_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM scene_video_jobs n
			WHERE n.project_id = j.project_id AND n.beat_id = j.beat_id
			  AND (n.created_at > j.created_at OR (n.created_at = j.created_at AND n.id > j.id))
		  )
		ORDER BY COALESCE(b.scene_number, 0), j.beat_id
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scene video jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.SceneVideoJob{}
	for rows.Next() {
		var job models.SceneVideoJob
		if err := scanSceneJob(rows, &job); err != nil {
			return nil, fmt.Errorf("failed to scan scene video job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// UpdateSceneVideoJob writes the fields present in patch, but only while the
// job is still in expected. A lost race returns apperr.ErrClaimConflict.
func (db *DB) UpdateSceneVideoJob(ctx context.Context, id uuid.UUID, expected models.JobStatus, patch models.SceneVideoJobPatch) error {
	if patch.Status.Set && patch.Status.Value == models.JobStatusProcessing {
		return fmt.Errorf("scene video job %s: only the claimer may set processing", id)
	}

	var set setList
	if patch.Status.Set {
		set.add("status", patch.Status.Value)
	}
	if patch.Provider.Set {
		set.add("provider", patch.Provider.Value)
	}
	if patch.ModelKey.Set {
		set.add("model_key", patch.ModelKey.Value)
	}
	if patch.Prompt.Set {
		set.add("prompt", patch.Prompt.Value)
	}
	if patch.SourceImageURL.Set {
		set.add("source_image_url", patch.SourceImageURL.Value)
	}
	if patch.ContinuityScore.Set {
		set.add("continuity_score", patch.ContinuityScore.Value)
	}
	if patch.RecommendRegenerate.Set {
		set.add("recommend_regenerate", patch.RecommendRegenerate.Value)
	}
	if patch.ContinuityReason.Set {
		set.add("continuity_reason", patch.ContinuityReason.Value)
	}
	if patch.ExternalJobID.Set {
		set.add("external_job_id", patch.ExternalJobID.Value)
	}
	if patch.VideoURL.Set {
		set.add("video_url", patch.VideoURL.Value)
	}
	if patch.LastFrameURL.Set {
		set.add("last_frame_url", patch.LastFrameURL.Value)
	}
	if patch.Error.Set {
		set.add("error", patch.Error.Value)
	}
	if patch.DurationSeconds.Set {
		set.add("duration_seconds", patch.DurationSeconds.Value)
	}

	return db.conditionalUpdate(ctx, "scene_video_jobs", id, expected, set)
}

// setList accumulates "col = $n" assignments for a patch.
type setList struct {
	cols []string
	args []interface{}
}

func (s *setList) add(col string, value interface{}) {
	s.args = append(s.args, value)
	s.cols = append(s.cols, fmt.Sprintf("%s = $%d", col, len(s.args)))
}

func (db *DB) conditionalUpdate(ctx context.Context, table string, id uuid.UUID, expected models.JobStatus, set setList) error {
	set.add("updated_at", db.now())

	args := append(set.args, id, expected)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND status = $%d`,
		table, strings.Join(set.cols, ", "), len(set.args)+1, len(set.args)+2)

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s %s not in status %s: %w", table, id, expected, apperr.ErrClaimConflict)
	}
	return nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
