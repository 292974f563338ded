package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums

// JobType tags the two job variants that flow through the queue.
type JobType string

const (
	JobTypeSceneVideo JobType = "scene_video"
	JobTypeFinalFilm  JobType = "final_film"
)

// AllJobTypes lists every job variant, in the order workers start them.
var AllJobTypes = []JobType{JobTypeSceneVideo, JobTypeFinalFilm}

func (t JobType) Valid() bool {
	return t == JobTypeSceneVideo || t == JobTypeFinalFilm
}

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type ContinuationMode string

const (
	ContinuationOff      ContinuationMode = "off"
	ContinuationStrict   ContinuationMode = "strict"
	ContinuationBalanced ContinuationMode = "balanced"
	ContinuationLoose    ContinuationMode = "loose"
)

func (m ContinuationMode) Valid() bool {
	switch m {
	case ContinuationOff, ContinuationStrict, ContinuationBalanced, ContinuationLoose:
		return true
	}
	return false
}

type LayerSource string

const (
	LayerSourceManual   LayerSource = "manual"
	LayerSourceRestored LayerSource = "restored"
	LayerSourceAISeed   LayerSource = "ai-seed"
)

func (s LayerSource) Valid() bool {
	return s == LayerSourceManual || s == LayerSourceRestored || s == LayerSourceAISeed
}

// JSONB stores an arbitrary JSON object (Postgres JSONB, SQLite TEXT).
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	return scanJSON(value, j)
}

// StringList is a JSON array of strings in a single column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Models

// Project and StoryboardBeat mirror the storytelling app's records; the
// pipeline only reads them.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type StoryboardBeat struct {
	ProjectID   uuid.UUID  `json:"project_id"`
	BeatID      string     `json:"beat_id"`
	PackageID   string     `json:"package_id"`
	SceneNumber int        `json:"scene_number"`
	Description string     `json:"description"`
	CameraMoves StringList `json:"camera_moves"`
}

// JobRef identifies a claimed (or claimable) unit of work of either variant.
type JobRef struct {
	Type      JobType   `json:"job_type"`
	ID        uuid.UUID `json:"job_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

func (r JobRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// SceneVideoOptions are the overrides accepted with a render request.
type SceneVideoOptions struct {
	Prompt                  *string           `json:"prompt,omitempty"`
	FilmType                *string           `json:"film_type,omitempty"`
	ModelKey                *string           `json:"model_key,omitempty"`
	ContinuationMode        *ContinuationMode `json:"continuation_mode,omitempty"`
	AnchorBeatID            *string           `json:"anchor_beat_id,omitempty"`
	AutoRegenerateThreshold *float64          `json:"auto_regenerate_threshold,omitempty"`
	DurationSeconds         *int              `json:"duration_seconds,omitempty"`
}

func (o SceneVideoOptions) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *SceneVideoOptions) Scan(value interface{}) error {
	return scanJSON(value, o)
}

// SceneVideoJob is one render attempt for one storyboard beat. Jobs are
// superseded by newer ones, never deleted.
type SceneVideoJob struct {
	ID                  uuid.UUID         `json:"id"`
	ProjectID           uuid.UUID         `json:"project_id"`
	PackageID           string            `json:"package_id"`
	BeatID              string            `json:"beat_id"`
	Provider            *string           `json:"provider,omitempty"`
	ModelKey            *string           `json:"model_key,omitempty"`
	Prompt              *string           `json:"prompt,omitempty"`
	SourceImageURL      *string           `json:"source_image_url,omitempty"`
	ContinuityScore     *float64          `json:"continuity_score,omitempty"`
	ContinuityThreshold float64           `json:"continuity_threshold"`
	RecommendRegenerate bool              `json:"recommend_regenerate"`
	ContinuityReason    *string           `json:"continuity_reason,omitempty"`
	Status              JobStatus         `json:"status"`
	ExternalJobID       *string           `json:"external_job_id,omitempty"`
	VideoURL            *string           `json:"video_url,omitempty"`
	LastFrameURL        *string           `json:"last_frame_url,omitempty"`
	Error               *string           `json:"error,omitempty"`
	DurationSeconds     *float64          `json:"duration_seconds,omitempty"`
	Options             SceneVideoOptions `json:"options"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (j *SceneVideoJob) Ref() JobRef {
	return JobRef{Type: JobTypeSceneVideo, ID: j.ID, ProjectID: j.ProjectID}
}

// ProjectFinalFilm is one compile attempt for a project.
type ProjectFinalFilm struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Status      JobStatus `json:"status"`
	SourceCount int       `json:"source_count"`
	VideoURL    *string   `json:"video_url,omitempty"`
	OutputPath  *string   `json:"output_path,omitempty"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (f *ProjectFinalFilm) Ref() JobRef {
	return JobRef{Type: JobTypeFinalFilm, ID: f.ID, ProjectID: f.ProjectID}
}

// ScenePromptLayer is an immutable version of the prompt inputs for a beat.
type ScenePromptLayer struct {
	ID                      uuid.UUID        `json:"id"`
	ProjectID               uuid.UUID        `json:"project_id"`
	PackageID               string           `json:"package_id"`
	BeatID                  string           `json:"beat_id"`
	DirectorPrompt          string           `json:"director_prompt"`
	CinematographerPrompt   string           `json:"cinematographer_prompt"`
	MergedPrompt            string           `json:"merged_prompt"`
	FilmType                *string          `json:"film_type,omitempty"`
	GenerationModel         *string          `json:"generation_model,omitempty"`
	ContinuationMode        ContinuationMode `json:"continuation_mode"`
	AnchorBeatID            *string          `json:"anchor_beat_id,omitempty"`
	AutoRegenerateThreshold *float64         `json:"auto_regenerate_threshold,omitempty"`
	Source                  LayerSource      `json:"source"`
	Version                 int              `json:"version"`
	CreatedAt               time.Time        `json:"created_at"`
}

// SceneVideoPromptTrace is a write-once snapshot of a generation attempt's
// resolved inputs.
type SceneVideoPromptTrace struct {
	TraceID   string          `json:"trace_id"`
	ProjectID uuid.UUID       `json:"project_id"`
	PackageID string          `json:"package_id"`
	BeatID    string          `json:"beat_id"`
	JobID     *uuid.UUID      `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CompiledClipSource is the clip chosen for one scene of a final film.
type CompiledClipSource struct {
	BeatID      string    `json:"beat_id"`
	SceneNumber int       `json:"scene_number"`
	JobID       uuid.UUID `json:"job_id"`
	VideoURL    string    `json:"video_url"`
}
