package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

func jobTable(t models.JobType) (string, error) {
	switch t {
	case models.JobTypeSceneVideo:
		return "scene_video_jobs", nil
	case models.JobTypeFinalFilm:
		return "project_final_films", nil
	}
	return "", fmt.Errorf("unknown job type %q", t)
}

// ClaimNextQueued moves the oldest queued job of the given type to
// processing and returns it. ok is false when nothing was claimable or
// another claimer won the row.
//
// A final film is not claimable while another film of the same project is
// processing; the partial unique index backs that up.
func (db *DB) ClaimNextQueued(ctx context.Context, jobType models.JobType) (models.JobRef, bool, error) {
	table, err := jobTable(jobType)
	if err != nil {
		return models.JobRef{}, false, err
	}

	guard := ""
	if jobType == models.JobTypeFinalFilm {
		guard = `
			AND NOT EXISTS (
				SELECT 1 FROM project_final_films p
				WHERE p.project_id = c.project_id AND p.status = 'processing'
			)`
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s SET status = 'processing', updated_at = $1
		WHERE id = (
			SELECT c.id FROM %[1]s c
			WHERE c.status = 'queued'%[2]s
			ORDER BY c.created_at, c.id
			LIMIT 1
		) AND status = 'queued'
		RETURNING id, project_id
	`, table, guard)

	return db.claimOne(ctx, jobType, query, db.now())
}

// ClaimQueued claims one specific job. It is what broker consumers use: the
// message names the job, the row decides whether it may run.
func (db *DB) ClaimQueued(ctx context.Context, jobType models.JobType, id uuid.UUID) (models.JobRef, bool, error) {
	table, err := jobTable(jobType)
	if err != nil {
		return models.JobRef{}, false, err
	}

	guard := ""
	if jobType == models.JobTypeFinalFilm {
		guard = `
			AND NOT EXISTS (
				SELECT 1 FROM project_final_films p
				WHERE p.project_id = project_final_films.project_id AND p.status = 'processing'
			)`
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'processing', updated_at = $1
		WHERE id = $2 AND status = 'queued'%s
		RETURNING id, project_id
	`, table, guard)

	return db.claimOne(ctx, jobType, query, db.now(), id)
}

func (db *DB) claimOne(ctx context.Context, jobType models.JobType, query string, args ...interface{}) (models.JobRef, bool, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return models.JobRef{}, false, nil
		}
		return models.JobRef{}, false, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}
	defer rows.Close()

	var refs []models.JobRef
	for rows.Next() {
		ref := models.JobRef{Type: jobType}
		if err := rows.Scan(&ref.ID, &ref.ProjectID); err != nil {
			return models.JobRef{}, false, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		if isUniqueViolation(err) {
			return models.JobRef{}, false, nil
		}
		return models.JobRef{}, false, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}

	switch len(refs) {
	case 0:
		return models.JobRef{}, false, nil
	case 1:
		return refs[0], true, nil
	default:
		return models.JobRef{}, false, fmt.Errorf("claim of %s changed %d rows", jobType, len(refs))
	}
}

// JobStatus reads the current status of one job.
func (db *DB) JobStatus(ctx context.Context, jobType models.JobType, id uuid.UUID) (models.JobStatus, error) {
	table, err := jobTable(jobType)
	if err != nil {
		return "", err
	}

	var status models.JobStatus
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound(string(jobType)+" job", id.String())
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s job status: %w", jobType, err)
	}
	return status, nil
}

// ListQueuedBefore returns queued jobs that have not changed for olderThan,
// oldest first.
func (db *DB) ListQueuedBefore(ctx context.Context, jobType models.JobType, olderThan time.Duration) ([]models.JobRef, error) {
	table, err := jobTable(jobType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, project_id FROM %s
		WHERE status = 'queued' AND updated_at < $1
		ORDER BY created_at, id
	`, table)

	rows, err := db.QueryContext(ctx, query, db.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to list queued %s jobs: %w", jobType, err)
	}
	defer rows.Close()

	refs := []models.JobRef{}
	for rows.Next() {
		ref := models.JobRef{Type: jobType}
		if err := rows.Scan(&ref.ID, &ref.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan queued job: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// RequeueStaleProcessing returns processing jobs whose updated_at is older
// than olderThan to queued, and reports which ones moved.
func (db *DB) RequeueStaleProcessing(ctx context.Context, jobType models.JobType, olderThan time.Duration) ([]models.JobRef, error) {
	table, err := jobTable(jobType)
	if err != nil {
		return nil, err
	}

	now := db.now()
	cutoff := now.Add(-olderThan)

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'queued', updated_at = $1
		WHERE status = 'processing' AND updated_at < $2
		RETURNING id, project_id
	`, table)

	rows, err := db.QueryContext(ctx, query, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stale %s jobs: %w", jobType, err)
	}
	defer rows.Close()

	refs := []models.JobRef{}
	for rows.Next() {
		ref := models.JobRef{Type: jobType}
		if err := rows.Scan(&ref.ID, &ref.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan requeued job: %w", err)
		}
		refs = append(refs, ref)
	}

	if len(refs) > 0 {
		db.logger.Warn().Str("job_type", string(jobType)).Int("count", len(refs)).Dur("older_than", olderThan).Msg("requeued stale jobs")
	}

	return refs, rows.Err()
}
