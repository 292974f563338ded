package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/prompts"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer hands a freshly created job to the queue backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref models.JobRef) error
}

type Handler struct {
	db      *db.DB
	queue   Enqueuer
	prompts *prompts.Service
	logger  zerolog.Logger
}

func NewHandler(database *db.DB, q Enqueuer, promptSvc *prompts.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		db:      database,
		queue:   q,
		prompts: promptSvc,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Name is required")
		return
	}

	project := &models.Project{ID: uuid.New(), Name: req.Name}
	if err := h.db.CreateProject(r.Context(), project); err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, project)
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	project, err := h.db.GetProject(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	beats, err := h.db.ListBeats(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.ProjectResponse{Project: *project, Beats: beats})
}

// DeleteProject handles DELETE /v1/projects/{id}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	if err := h.db.DeleteProject(r.Context(), projectID); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutStoryboard handles PUT /v1/projects/{id}/storyboard
func (h *Handler) PutStoryboard(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	var req models.PutStoryboardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := h.db.GetProject(r.Context(), projectID); err != nil {
		h.respondErr(w, err)
		return
	}

	seen := make(map[string]bool, len(req.Beats))
	beats := make([]models.StoryboardBeat, 0, len(req.Beats))
	for _, in := range req.Beats {
		id := strings.TrimSpace(in.BeatID)
		if id == "" {
			respondError(w, http.StatusBadRequest, "Every beat needs a beat_id")
			return
		}
		if seen[id] {
			respondError(w, http.StatusBadRequest, "Duplicate beat_id "+id)
			return
		}
		seen[id] = true
		beats = append(beats, models.StoryboardBeat{
			ProjectID:   projectID,
			BeatID:      id,
			PackageID:   req.PackageID,
			SceneNumber: in.SceneNumber,
			Description: in.Description,
			CameraMoves: in.CameraMoves,
		})
	}

	if err := h.db.ReplaceStoryboard(r.Context(), projectID, beats); err != nil {
		h.respondErr(w, err)
		return
	}

	stored, err := h.db.ListBeats(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

// Helper methods

func projectParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return uuid.Nil, false
	}
	return projectID, true
}

func beatParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	beatID := strings.TrimSpace(chi.URLParam(r, "beatId"))
	if beatID == "" {
		respondError(w, http.StatusBadRequest, "Invalid beat ID")
		return "", false
	}
	return beatID, true
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst zeroed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// limitParam parses ?limit= (default 20, max 100).
func limitParam(r *http.Request) int {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr renders an apperr-coded error. Internal errors are logged and
// answered with a generic message.
func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	code := apperr.GetCode(err)
	status := apperr.GetHTTPStatus(err)

	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError && code != apperr.CodeProvider {
		h.logger.Error().Err(err).Str("code", string(code)).Msg("request failed")
		msg = "Internal server error"
	}
	respondJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
