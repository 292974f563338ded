// Package continuity scores how well a rendered clip continues from its
// anchor frame and decides whether it should be regenerated.
package continuity

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Scoring dimensions. The reason of a flagged result always names one.
const (
	DimensionSubject  = "subject consistency"
	DimensionLighting = "lighting"
	DimensionMotion   = "motion direction"
)

// DefaultThreshold is used when a job carries no threshold of its own.
const DefaultThreshold = 0.75

// Clip is a freshly rendered scene video.
type Clip struct {
	BeatID         string
	VideoURL       string
	FrameURL       string
	Prompt         string
	SourceImageURL string
	Mode           string
}

// Anchor is the earlier scene the clip is meant to continue from.
type Anchor struct {
	BeatID   string
	FrameURL string
	Prompt   string
}

type Result struct {
	Score               float64 `json:"score"`
	RecommendRegenerate bool    `json:"recommend_regenerate"`
	Reason              string  `json:"reason"`
}

type Scorer interface {
	Score(ctx context.Context, clip Clip, anchor *Anchor, threshold float64) (Result, error)
}

// Finalize turns a raw score into a Result: the score is clamped to [0,1],
// regeneration is recommended exactly when score < threshold, and a flagged
// result always carries a reason naming dimension.
func Finalize(score, threshold float64, reason, dimension string) Result {
	score = clamp(score)
	threshold = clamp(threshold)

	r := Result{
		Score:               score,
		RecommendRegenerate: score < threshold,
		Reason:              strings.TrimSpace(reason),
	}
	if r.RecommendRegenerate && r.Reason == "" {
		if dimension == "" {
			dimension = "continuity"
		}
		r.Reason = fmt.Sprintf("%s below threshold (%.2f < %.2f)", dimension, score, threshold)
	}
	return r
}

// New returns the scorer named by kind ("heuristic" or "openai"). client is
// only required for "openai".
func New(kind string, client JudgeClient, opts ...JudgeOption) (Scorer, error) {
	switch kind {
	case "", "heuristic":
		return Heuristic{}, nil
	case "openai":
		if client == nil {
			return nil, fmt.Errorf("continuity scorer %q needs a judge client", kind)
		}
		return NewJudge(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown continuity scorer %q", kind)
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func hasAnchor(a *Anchor) bool {
	return a != nil && a.FrameURL != ""
}

var noAnchor = "no anchor frame to compare against"

type dimensionScore struct {
	name   string
	value  float64
	weight float64
	detail string
}

// combine weights the dimensions and picks the weakest one for the reason.
func combine(dims []dimensionScore) (float64, dimensionScore) {
	var total, weights float64
	weakest := dims[0]
	for _, d := range dims {
		d.value = clamp(d.value)
		total += d.value * d.weight
		weights += d.weight
		if d.value < weakest.value {
			weakest = d
		}
	}
	if weights == 0 {
		return 1, weakest
	}
	return total / weights, weakest
}
