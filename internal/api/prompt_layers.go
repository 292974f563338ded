package api

import (
	"net/http"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
)

// PutPromptLayer handles PUT /v1/projects/{id}/scenes/{beatId}/prompt-layer
func (h *Handler) PutPromptLayer(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	var req models.SavePromptLayerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	layer, err := h.prompts.SaveLayer(r.Context(), projectID, beatID, req)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, layer)
}

// GetPromptLayer handles GET /v1/projects/{id}/scenes/{beatId}/prompt-layer
func (h *Handler) GetPromptLayer(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	layer, err := h.prompts.GetLatestLayer(r.Context(), projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if layer == nil {
		h.respondErr(w, apperr.NotFound("prompt layer for beat", beatID))
		return
	}
	respondJSON(w, http.StatusOK, layer)
}

// GetPromptLayerHistory handles GET /v1/projects/{id}/scenes/{beatId}/prompt-layer/history
func (h *Handler) GetPromptLayerHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	layers, err := h.prompts.ListLayerHistory(r.Context(), projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, layers)
}

// RestorePromptLayer handles POST /v1/projects/{id}/scenes/{beatId}/prompt-layer/restore
func (h *Handler) RestorePromptLayer(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	var req models.RestorePromptLayerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version < 1 {
		respondError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	layer, err := h.prompts.RestoreLayer(r.Context(), projectID, beatID, req.Version)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, layer)
}

// SeedPromptLayer handles POST /v1/projects/{id}/scenes/{beatId}/prompt-layer/seed
func (h *Handler) SeedPromptLayer(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	layer, err := h.prompts.SeedLayer(r.Context(), projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, layer)
}

// GetPromptTraces handles GET /v1/projects/{id}/scenes/{beatId}/prompt-trace
func (h *Handler) GetPromptTraces(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	traces, err := h.prompts.ListTraces(r.Context(), projectID, beatID, limitParam(r))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, traces)
}

// GetPromptTraceDiff handles GET /v1/projects/{id}/scenes/{beatId}/prompt-trace/diff
func (h *Handler) GetPromptTraceDiff(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	beatID, ok := beatParam(w, r)
	if !ok {
		return
	}

	diff, err := h.prompts.DiffLatest(r.Context(), projectID, beatID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, diff)
}
