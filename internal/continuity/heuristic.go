package continuity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const (
	subjectWeight  = 0.5
	lightingWeight = 0.25
	motionWeight   = 0.25
)

var lightingTerms = map[string]bool{
	"dawn": true, "sunrise": true, "morning": true, "noon": true, "day": true, "daylight": true,
	"dusk": true, "sunset": true, "twilight": true, "night": true, "midnight": true, "golden": true,
	"moonlight": true, "sunlight": true, "candle": true, "candlelight": true, "firelight": true,
	"neon": true, "fluorescent": true, "tungsten": true, "sodium": true, "lamp": true, "lantern": true,
	"overcast": true, "fog": true, "haze": true, "rain": true, "storm": true,
	"warm": true, "cool": true, "cold": true, "backlit": true, "silhouette": true, "rim": true,
	"shadow": true, "shadows": true, "dark": true, "bright": true, "dim": true, "low-key": true, "high-key": true,
}

var opposites = map[string]string{
	"left": "right", "right": "left",
	"up": "down", "down": "up",
	"push-in": "pull-out", "pull-out": "push-in",
	"zoom-in": "zoom-out", "zoom-out": "zoom-in",
	"forward": "backward", "backward": "forward",
	"toward": "away", "away": "toward",
	"ascend": "descend", "descend": "ascend",
	"clockwise": "counterclockwise", "counterclockwise": "clockwise",
}

// Heuristic scores continuity from the render inputs alone: whether the clip
// was conditioned on the anchor frame, shared lighting vocabulary between the
// two prompts, and conflicting screen directions.
type Heuristic struct{}

func (Heuristic) Score(ctx context.Context, clip Clip, anchor *Anchor, threshold float64) (Result, error) {
	if !hasAnchor(anchor) {
		return Finalize(1, threshold, noAnchor, ""), nil
	}

	score, weakest := combine([]dimensionScore{
		subjectScore(clip, anchor),
		lightingScore(anchor.Prompt, clip.Prompt),
		motionScore(anchor.Prompt, clip.Prompt),
	})

	reason := fmt.Sprintf("%s is the weakest match with scene %s: %s", weakest.name, anchor.BeatID, weakest.detail)
	if weakest.value >= 1 {
		reason = fmt.Sprintf("consistent with scene %s", anchor.BeatID)
	}
	return Finalize(score, threshold, reason, weakest.name), nil
}

func subjectScore(clip Clip, anchor *Anchor) dimensionScore {
	d := dimensionScore{name: DimensionSubject, weight: subjectWeight, value: 1, detail: "rendered from the anchor frame"}
	if clip.SourceImageURL != anchor.FrameURL {
		d.value = 0.4
		d.detail = "clip was not rendered from the anchor frame"
	}
	return d
}

func lightingScore(anchorPrompt, clipPrompt string) dimensionScore {
	d := dimensionScore{name: DimensionLighting, weight: lightingWeight, value: 1}
	a := termSet(anchorPrompt, lightingTerms)
	b := termSet(clipPrompt, lightingTerms)

	switch {
	case len(a) == 0 && len(b) == 0:
		d.detail = "no lighting cues in either prompt"
	case len(a) == 0 || len(b) == 0:
		d.value = 0.85
		d.detail = "only one prompt describes lighting"
	default:
		shared := 0
		for t := range a {
			if b[t] {
				shared++
			}
		}
		union := len(a) + len(b) - shared
		d.value = 0.5 + 0.5*float64(shared)/float64(union)
		d.detail = fmt.Sprintf("%d of %d lighting cues shared", shared, union)
	}
	return d
}

func motionScore(anchorPrompt, clipPrompt string) dimensionScore {
	d := dimensionScore{name: DimensionMotion, weight: motionWeight, value: 1, detail: "no conflicting directions"}
	a := termSet(anchorPrompt, opposites)
	b := termSet(clipPrompt, opposites)

	var conflicts []string
	for t := range a {
		opp := opposites[t]
		if b[opp] && !b[t] {
			conflicts = append(conflicts, t+"/"+opp)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		d.value = 1 - 0.3*float64(len(conflicts))
		if d.value < 0.2 {
			d.value = 0.2
		}
		d.detail = "screen direction flips (" + strings.Join(conflicts, ", ") + ")"
	}
	return d
}

func termSet[V any](text string, vocab map[string]V) map[string]bool {
	set := map[string]bool{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	for _, w := range words {
		if _, ok := vocab[w]; ok {
			set[w] = true
			continue
		}
		// "pan-left" carries its direction after the dash.
		for _, part := range strings.Split(w, "-") {
			if _, ok := vocab[part]; ok {
				set[part] = true
			}
		}
	}
	return set
}
