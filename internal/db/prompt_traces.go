package db

import (
	"context"
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const defaultTraceLimit = 20

// InsertPromptTrace writes a trace. Traces are never updated.
func (db *DB) InsertPromptTrace(ctx context.Context, trace *models.SceneVideoPromptTrace) error {
	trace.CreatedAt = db.now()

	query := `
		INSERT INTO scene_video_prompt_traces (trace_id, project_id, package_id, beat_id, job_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	// Payload goes in as text so lib/pq does not send it as bytea.
	if _, err := db.ExecContext(ctx, query,
		trace.TraceID, trace.ProjectID, trace.PackageID, trace.BeatID, trace.JobID, string(trace.Payload), trace.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert prompt trace: %w", err)
	}
	return nil
}

// ListPromptTraces returns a beat's traces, newest first.
func (db *DB) ListPromptTraces(ctx context.Context, projectID uuid.UUID, beatID string, limit int) ([]models.SceneVideoPromptTrace, error) {
	if limit <= 0 {
		limit = defaultTraceLimit
	}

	query := `
		SELECT trace_id, project_id, package_id, beat_id, job_id, payload, created_at
		FROM scene_video_prompt_traces
		WHERE project_id = $1 AND beat_id = $2
		ORDER BY created_at DESC, trace_id DESC
		LIMIT $3
	`

	rows, err := db.QueryContext(ctx, query, projectID, beatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt traces: %w", err)
	}
	defer rows.Close()

	traces := []models.SceneVideoPromptTrace{}
	for rows.Next() {
		var trace models.SceneVideoPromptTrace
		var payload []byte
		if err := rows.Scan(&trace.TraceID, &trace.ProjectID, &trace.PackageID, &trace.BeatID, &trace.JobID, &payload, &trace.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt trace: %w", err)
		}
		trace.Payload = payload
		traces = append(traces, trace)
	}

	return traces, rows.Err()
}
