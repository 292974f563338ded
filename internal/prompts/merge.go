// Package prompts composes, versions and traces the prompts sent to video
// providers.
package prompts

import (
	"fmt"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
)

// Separator joins the layers of a merged prompt.
const Separator = "\n\n"

type MergeInput struct {
	DirectorPrompt        string
	CinematographerPrompt string
	CameraMoves           []string
	Guidance              string
}

// Merge builds the prompt sent to the provider: director, then
// cinematographer, then camera tokens, then continuity guidance. Empty parts
// are dropped.
func Merge(in MergeInput) string {
	var parts []string
	for _, p := range []string{
		in.DirectorPrompt,
		in.CinematographerPrompt,
		CameraTokens(in.CameraMoves),
		in.Guidance,
	} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, Separator)
}

// CameraTokens renders camera-move shorthand as "Camera moves: [push-in] [pan-left]".
func CameraTokens(moves []string) string {
	var tokens []string
	for _, m := range moves {
		if m = strings.TrimSpace(m); m != "" {
			tokens = append(tokens, "["+m+"]")
		}
	}
	if len(tokens) == 0 {
		return ""
	}
	return "Camera moves: " + strings.Join(tokens, " ")
}

// Guidance is the continuity instruction for a mode and resolved anchor. It
// is empty when the mode is off or there is no frame to continue from.
func Guidance(mode models.ContinuationMode, anchor *Anchor) string {
	if mode == models.ContinuationOff || !anchor.Usable() {
		return ""
	}

	ref := fmt.Sprintf("scene %s (anchor frame: %s)", anchor.BeatID, anchor.FrameURL)
	switch mode {
	case models.ContinuationStrict:
		return fmt.Sprintf("Continuity (strict): continue directly from the final frame of %s. Keep the same subjects, wardrobe and lighting, hold screen direction, no jump in time or place.", ref)
	case models.ContinuationLoose:
		return fmt.Sprintf("Continuity (loose): take visual cues from the final frame of %s; framing and staging may change freely.", ref)
	default:
		return fmt.Sprintf("Continuity (balanced): match the subjects and lighting of the final frame of %s; the camera may reframe.", ref)
	}
}

// DefaultCinematographerPrompt is used when a beat has no cinematographer layer.
func DefaultCinematographerPrompt(filmType string) string {
	if filmType == "" {
		return ""
	}
	return fmt.Sprintf("Shot as a %s film with coherent lighting and deliberate camera work.", filmType)
}
