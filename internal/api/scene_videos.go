package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

// CreateSceneVideo handles POST /v1/projects/{id}/scenes/{beatId}/video
func (h *Handler) CreateSceneVideo(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	var req models.CreateSceneVideoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateSceneVideoRequest(req); err != nil {
		h.respondErr(w, err)
		return
	}

	ctx := r.Context()
	if _, err := h.db.GetProject(ctx, projectID); err != nil {
		h.respondErr(w, err)
		return
	}
	beat, err := h.db.GetBeat(ctx, projectID, beatID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			h.respondErr(w, apperr.Precondition("storyboard beat %s does not exist in project %s", beatID, projectID))
			return
		}
		h.respondErr(w, err)
		return
	}

	layer, err := h.prompts.GetLatestLayer(ctx, projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	job := &models.SceneVideoJob{
		ID:                  uuid.New(),
		ProjectID:           projectID,
		PackageID:           beat.PackageID,
		BeatID:              beat.BeatID,
		ContinuityThreshold: h.prompts.ResolveThreshold(layer, req.AutoRegenerateThreshold),
		Options:             req.Options(),
	}
	if req.ModelKey != nil && strings.TrimSpace(*req.ModelKey) != "" {
		model := strings.TrimSpace(*req.ModelKey)
		job.ModelKey = &model
	}

	if err := h.db.CreateSceneVideoJob(ctx, job); err != nil {
		h.respondErr(w, err)
		return
	}

	if err := h.queue.Enqueue(ctx, job.Ref()); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to enqueue scene video job")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID.String()).
		Str("project_id", projectID.String()).
		Str("beat_id", beatID).
		Float64("threshold", job.ContinuityThreshold).
		Msg("scene video queued")

	respondJSON(w, http.StatusAccepted, job)
}

// GetSceneVideo handles GET /v1/projects/{id}/scenes/{beatId}/video
func (h *Handler) GetSceneVideo(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	job, err := h.db.GetLatestSceneVideoJob(r.Context(), projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ListSceneVideos handles GET /v1/projects/{id}/scene-videos
func (h *Handler) ListSceneVideos(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	jobs, err := h.db.ListLatestSceneVideoJobs(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.SceneVideosResponse{ProjectID: projectID, Jobs: jobs})
}

func validateSceneVideoRequest(req models.CreateSceneVideoRequest) error {
	if req.ContinuationMode != nil && !req.ContinuationMode.Valid() {
		return apperr.Validation(fmt.Sprintf("continuation_mode must be one of off, strict, balanced, loose (got %q)", *req.ContinuationMode))
	}
	if t := req.AutoRegenerateThreshold; t != nil && (*t < 0 || *t > 1) {
		return apperr.Validation("auto_regenerate_threshold must be between 0 and 1")
	}
	if d := req.DurationSeconds; d != nil && *d < 0 {
		return apperr.Validation("duration_seconds must not be negative")
	}
	return nil
}

// CreateFinalFilm handles POST /v1/projects/{id}/final-film
func (h *Handler) CreateFinalFilm(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := h.db.GetProject(ctx, projectID); err != nil {
		h.respondErr(w, err)
		return
	}

	sources, err := h.db.ListCompiledClipSources(ctx, projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if len(sources) == 0 {
		h.respondErr(w, apperr.Precondition("project %s has no completed scene videos to compile", projectID))
		return
	}

	film := &models.ProjectFinalFilm{ID: uuid.New(), ProjectID: projectID}
	if err := h.db.CreateFinalFilm(ctx, film); err != nil {
		h.respondErr(w, err)
		return
	}

	if err := h.queue.Enqueue(ctx, film.Ref()); err != nil {
		h.logger.Error().Err(err).Str("film_id", film.ID.String()).Msg("failed to enqueue final film")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info().
		Str("film_id", film.ID.String()).
		Str("project_id", projectID.String()).
		Int("available_clips", len(sources)).
		Msg("final film queued")

	respondJSON(w, http.StatusAccepted, film)
}

// GetFinalFilm handles GET /v1/projects/{id}/final-film
func (h *Handler) GetFinalFilm(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	film, err := h.db.GetLatestFinalFilm(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, film)
}
