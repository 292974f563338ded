package models

import "github.com/google/uuid"

// DTOs for API requests and responses

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type StoryboardBeatInput struct {
	BeatID      string   `json:"beat_id"`
	SceneNumber int      `json:"scene_number"`
	Description string   `json:"description"`
	CameraMoves []string `json:"camera_moves,omitempty"`
}

type PutStoryboardRequest struct {
	PackageID string                `json:"package_id"`
	Beats     []StoryboardBeatInput `json:"beats"`
}

type ProjectResponse struct {
	Project
	Beats []StoryboardBeat `json:"beats"`
}

// CreateSceneVideoRequest is the body of POST /projects/{id}/scenes/{beatId}/video.
type CreateSceneVideoRequest struct {
	Prompt                  *string           `json:"prompt,omitempty"`
	FilmType                *string           `json:"film_type,omitempty"`
	ModelKey                *string           `json:"model_key,omitempty"`
	ContinuationMode        *ContinuationMode `json:"continuation_mode,omitempty"`
	AnchorBeatID            *string           `json:"anchor_beat_id,omitempty"`
	AutoRegenerateThreshold *float64          `json:"auto_regenerate_threshold,omitempty"`
	DurationSeconds         *int              `json:"duration_seconds,omitempty"`
}

func (r CreateSceneVideoRequest) Options() SceneVideoOptions {
	return SceneVideoOptions{
		Prompt:                  r.Prompt,
		FilmType:                r.FilmType,
		ModelKey:                r.ModelKey,
		ContinuationMode:        r.ContinuationMode,
		AnchorBeatID:            r.AnchorBeatID,
		AutoRegenerateThreshold: r.AutoRegenerateThreshold,
		DurationSeconds:         r.DurationSeconds,
	}
}

// SavePromptLayerRequest is the body of PUT .../prompt-layer. The layer
// source is set by the server and cannot be sent.
type SavePromptLayerRequest struct {
	DirectorPrompt          string            `json:"director_prompt"`
	CinematographerPrompt   string            `json:"cinematographer_prompt"`
	FilmType                *string           `json:"film_type,omitempty"`
	GenerationModel         *string           `json:"generation_model,omitempty"`
	ContinuationMode        *ContinuationMode `json:"continuation_mode,omitempty"`
	AnchorBeatID            *string           `json:"anchor_beat_id,omitempty"`
	AutoRegenerateThreshold *float64          `json:"auto_regenerate_threshold,omitempty"`
}

type RestorePromptLayerRequest struct {
	Version int `json:"version"`
}

type SceneVideosResponse struct {
	ProjectID uuid.UUID       `json:"project_id"`
	Jobs      []SceneVideoJob `json:"jobs"`
}
