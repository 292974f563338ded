package prompts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

// Layer sources recorded in traces.
const (
	SourceRequest  = "request"
	SourceLayer    = "layer"
	SourceFallback = "fallback"
	SourceNone     = "none"
)

// ComponentLengths are character counts of each merged prompt part.
type ComponentLengths struct {
	Director        int `json:"director"`
	Cinematographer int `json:"cinematographer"`
	CameraMoves     int `json:"camera_moves"`
	Guidance        int `json:"guidance"`
	Merged          int `json:"merged"`
}

// TracePayload is the resolved input snapshot stored with every generation
// attempt.
type TracePayload struct {
	JobID                 string                  `json:"job_id"`
	MergedPrompt          string                  `json:"merged_prompt"`
	DirectorPrompt        string                  `json:"director_prompt"`
	DirectorSource        string                  `json:"director_source"`
	CinematographerPrompt string                  `json:"cinematographer_prompt"`
	CinematographerSource string                  `json:"cinematographer_source"`
	CameraMoves           []string                `json:"camera_moves"`
	Guidance              string                  `json:"guidance"`
	FilmType              string                  `json:"film_type"`
	ModelKey              string                  `json:"model_key"`
	ContinuationMode      models.ContinuationMode `json:"continuation_mode"`
	Anchor                Anchor                  `json:"anchor"`
	LayerVersion          *int                    `json:"layer_version"`
	ContinuityThreshold   float64                 `json:"continuity_threshold"`
	DurationSeconds       int                     `json:"duration_seconds"`
	Lengths               ComponentLengths        `json:"lengths"`
}

// Generation is everything a drain needs to call a provider.
type Generation struct {
	TraceID             string
	Prompt              string
	ModelKey            string
	FilmType            string
	Mode                models.ContinuationMode
	Anchor              *Anchor
	DurationSeconds     int
	ContinuityThreshold float64
	Payload             TracePayload
}

// ResolveThreshold picks the continuity threshold stored on a new job:
// request, then the beat's current layer, then the configured default.
func (s *Service) ResolveThreshold(layer *models.ScenePromptLayer, requested *float64) float64 {
	if requested != nil {
		return *requested
	}
	if layer != nil && layer.AutoRegenerateThreshold != nil {
		return *layer.AutoRegenerateThreshold
	}
	return s.defaults.ContinuityThreshold
}

// PrepareGeneration resolves the job's options, the beat's current layer and
// the defaults into a Generation, and records the trace for this attempt.
func (s *Service) PrepareGeneration(ctx context.Context, job *models.SceneVideoJob, beat *models.StoryboardBeat) (*Generation, error) {
	layer, err := s.store.GetLatestPromptLayer(ctx, job.ProjectID, job.BeatID)
	if err != nil {
		return nil, err
	}
	opts := job.Options

	p := TracePayload{
		JobID:               job.ID.String(),
		CameraMoves:         beat.CameraMoves,
		ContinuityThreshold: job.ContinuityThreshold,
		FilmType:            s.defaults.FilmType,
		ModelKey:            s.defaults.ModelKey,
		ContinuationMode:    s.defaults.ContinuationMode,
		DurationSeconds:     s.defaults.ClipSeconds,
	}
	if p.CameraMoves == nil {
		p.CameraMoves = []string{}
	}

	var anchorBeatID *string
	if layer != nil {
		v := layer.Version
		p.LayerVersion = &v
		p.ContinuationMode = layer.ContinuationMode
		anchorBeatID = layer.AnchorBeatID
		if layer.FilmType != nil {
			p.FilmType = *layer.FilmType
		}
		if layer.GenerationModel != nil {
			p.ModelKey = *layer.GenerationModel
		}
	}

	switch {
	case nonEmpty(opts.Prompt):
		p.DirectorPrompt, p.DirectorSource = strings.TrimSpace(*opts.Prompt), SourceRequest
	case layer != nil && layer.DirectorPrompt != "":
		p.DirectorPrompt, p.DirectorSource = layer.DirectorPrompt, SourceLayer
	default:
		p.DirectorPrompt, p.DirectorSource = strings.TrimSpace(beat.Description), SourceFallback
	}

	if nonEmpty(opts.FilmType) {
		p.FilmType = strings.TrimSpace(*opts.FilmType)
	}
	if nonEmpty(opts.ModelKey) {
		p.ModelKey = strings.TrimSpace(*opts.ModelKey)
	}
	if opts.ContinuationMode != nil {
		p.ContinuationMode = *opts.ContinuationMode
	}
	if opts.AnchorBeatID != nil {
		anchorBeatID = opts.AnchorBeatID
	}
	if opts.DurationSeconds != nil && *opts.DurationSeconds > 0 {
		p.DurationSeconds = *opts.DurationSeconds
	}

	switch {
	case layer != nil && layer.CinematographerPrompt != "":
		p.CinematographerPrompt, p.CinematographerSource = layer.CinematographerPrompt, SourceLayer
	case p.FilmType != "":
		p.CinematographerPrompt, p.CinematographerSource = DefaultCinematographerPrompt(p.FilmType), SourceFallback
	default:
		p.CinematographerSource = SourceNone
	}

	anchor, err := s.ResolveAnchor(ctx, job.ProjectID, beat, p.ContinuationMode, anchorBeatID)
	if err != nil {
		return nil, err
	}
	p.Anchor = *anchor
	p.Guidance = Guidance(p.ContinuationMode, anchor)

	p.MergedPrompt = Merge(MergeInput{
		DirectorPrompt:        p.DirectorPrompt,
		CinematographerPrompt: p.CinematographerPrompt,
		CameraMoves:           p.CameraMoves,
		Guidance:              p.Guidance,
	})
	p.Lengths = ComponentLengths{
		Director:        utf8.RuneCountInString(p.DirectorPrompt),
		Cinematographer: utf8.RuneCountInString(p.CinematographerPrompt),
		CameraMoves:     utf8.RuneCountInString(CameraTokens(p.CameraMoves)),
		Guidance:        utf8.RuneCountInString(p.Guidance),
		Merged:          utf8.RuneCountInString(p.MergedPrompt),
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trace payload: %w", err)
	}

	jobID := job.ID
	trace := &models.SceneVideoPromptTrace{
		TraceID:   s.newID(),
		ProjectID: job.ProjectID,
		PackageID: job.PackageID,
		BeatID:    job.BeatID,
		JobID:     &jobID,
		Payload:   payload,
	}
	if err := s.store.InsertPromptTrace(ctx, trace); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("trace_id", trace.TraceID).
		Str("anchor", string(anchor.Selection)).
		Int("merged_len", p.Lengths.Merged).
		Msg("prompt trace recorded")

	return &Generation{
		TraceID:             trace.TraceID,
		Prompt:              p.MergedPrompt,
		ModelKey:            p.ModelKey,
		FilmType:            p.FilmType,
		Mode:                p.ContinuationMode,
		Anchor:              anchor,
		DurationSeconds:     p.DurationSeconds,
		ContinuityThreshold: job.ContinuityThreshold,
		Payload:             p,
	}, nil
}

// ListTraces returns a beat's traces, newest first.
func (s *Service) ListTraces(ctx context.Context, projectID uuid.UUID, beatID string, limit int) ([]models.SceneVideoPromptTrace, error) {
	return s.store.ListPromptTraces(ctx, projectID, beatID, limit)
}

// FieldChange is one top-level payload field that differs between traces.
type FieldChange struct {
	Field  string          `json:"field"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

type TraceDiff struct {
	OlderTraceID string        `json:"older_trace_id"`
	NewerTraceID string        `json:"newer_trace_id"`
	Changes      []FieldChange `json:"changes"`
}

// DiffLatest compares the two most recent traces of a beat.
func (s *Service) DiffLatest(ctx context.Context, projectID uuid.UUID, beatID string) (*TraceDiff, error) {
	traces, err := s.store.ListPromptTraces(ctx, projectID, beatID, 2)
	if err != nil {
		return nil, err
	}
	if len(traces) < 2 {
		return nil, apperr.Precondition("beat %s has %d prompt trace(s), need 2 to diff", beatID, len(traces))
	}

	changes, err := DiffTraces(traces[1], traces[0])
	if err != nil {
		return nil, err
	}
	return &TraceDiff{
		OlderTraceID: traces[1].TraceID,
		NewerTraceID: traces[0].TraceID,
		Changes:      changes,
	}, nil
}

// DiffTraces lists the top-level payload fields that differ, sorted by name.
func DiffTraces(older, newer models.SceneVideoPromptTrace) ([]FieldChange, error) {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(older.Payload, &a); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", older.TraceID, err)
	}
	if err := json.Unmarshal(newer.Payload, &b); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", newer.TraceID, err)
	}

	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	changes := []FieldChange{}
	for k := range keys {
		before, after := compact(a[k]), compact(b[k])
		if !bytes.Equal(before, after) {
			changes = append(changes, FieldChange{Field: k, Before: before, After: after})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes, nil
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func nonEmpty(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}
