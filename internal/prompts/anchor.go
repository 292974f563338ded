package prompts

import (
	"context"
	"strings"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

// AnchorSelection records how the anchor beat was chosen.
type AnchorSelection string

const (
	AnchorDisabled      AnchorSelection = "disabled"
	AnchorExplicit      AnchorSelection = "explicit"
	AnchorPreviousScene AnchorSelection = "previous-scene"
	AnchorFirstScene    AnchorSelection = "first-scene"
)

// Anchor is the prior scene a new clip should continue from. FrameURL is
// empty when the chosen beat has no rendered final frame yet.
type Anchor struct {
	Selection   AnchorSelection `json:"selection"`
	BeatID      string          `json:"beat_id,omitempty"`
	SceneNumber int             `json:"scene_number,omitempty"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	FrameURL    string          `json:"frame_url,omitempty"`
	ClipURL     string          `json:"clip_url,omitempty"`
	Prompt      string          `json:"-"`
}

// Usable reports whether there is a frame to continue from.
func (a *Anchor) Usable() bool {
	return a != nil && a.FrameURL != ""
}

// ResolveAnchor picks the anchor for beat. Mode off disables anchoring even
// when anchorBeatID is set; an explicit anchorBeatID beats the previous
// scene; the first scene has none.
func (s *Service) ResolveAnchor(ctx context.Context, projectID uuid.UUID, beat *models.StoryboardBeat, mode models.ContinuationMode, anchorBeatID *string) (*Anchor, error) {
	if mode == models.ContinuationOff {
		return &Anchor{Selection: AnchorDisabled}, nil
	}

	var (
		chosen    *models.StoryboardBeat
		selection AnchorSelection
	)
	if anchorBeatID != nil && strings.TrimSpace(*anchorBeatID) != "" {
		b, err := s.store.GetBeat(ctx, projectID, strings.TrimSpace(*anchorBeatID))
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, apperr.Precondition("anchor beat %s does not exist", *anchorBeatID)
		}
		if err != nil {
			return nil, err
		}
		chosen, selection = b, AnchorExplicit
	} else {
		prev, err := s.store.GetPreviousBeat(ctx, projectID, beat.SceneNumber)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return &Anchor{Selection: AnchorFirstScene}, nil
		}
		chosen, selection = prev, AnchorPreviousScene
	}

	anchor := &Anchor{
		Selection:   selection,
		BeatID:      chosen.BeatID,
		SceneNumber: chosen.SceneNumber,
	}

	job, err := s.store.GetLatestCompletedSceneVideoJob(ctx, projectID, chosen.BeatID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return anchor, nil
	}

	id := job.ID
	anchor.JobID = &id
	if job.VideoURL != nil {
		anchor.ClipURL = *job.VideoURL
	}
	if job.LastFrameURL != nil {
		anchor.FrameURL = *job.LastFrameURL
	}
	if job.Prompt != nil {
		anchor.Prompt = *job.Prompt
	}
	return anchor, nil
}
