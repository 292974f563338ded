package continuity

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/bobarin/storyreel/internal/services"
)

func TestFinalizeRegenerateIffBelowThreshold(t *testing.T) {
	for s := 0; s <= 20; s++ {
		for th := 0; th <= 20; th++ {
			score, threshold := float64(s)/20, float64(th)/20
			r := Finalize(score, threshold, "", DimensionLighting)

			if r.RecommendRegenerate != (score < threshold) {
				t.Fatalf("Finalize(%v, %v).RecommendRegenerate = %v", score, threshold, r.RecommendRegenerate)
			}
			if r.RecommendRegenerate && r.Reason == "" {
				t.Fatalf("Finalize(%v, %v) flagged without a reason", score, threshold)
			}
		}
	}
}

func TestFinalizeClamps(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.4, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{0.42, 0.42},
	}
	for _, tt := range tests {
		if got := Finalize(tt.in, 0.75, "x", "").Score; got != tt.want {
			t.Errorf("Finalize(%v).Score = %v, want %v", tt.in, got, tt.want)
		}
	}

	r := Finalize(0.2, 0.75, "", "")
	if !strings.Contains(r.Reason, "continuity") {
		t.Errorf("Reason = %q, want a default dimension", r.Reason)
	}
}

func TestHeuristic(t *testing.T) {
	ctx := context.Background()
	anchor := &Anchor{
		BeatID:   "b1",
		FrameURL: "https://cdn/b1-last.jpg",
		Prompt:   "The keeper walks left along the gallery at dusk, warm lamp light.",
	}

	tests := []struct {
		name      string
		clip      Clip
		anchor    *Anchor
		minScore  float64
		maxScore  float64
		regen     bool
		dimension string
	}{
		{
			name:     "no anchor",
			clip:     Clip{Prompt: "anything"},
			minScore: 1, maxScore: 1,
		},
		{
			name:     "seamless",
			clip:     Clip{SourceImageURL: anchor.FrameURL, Prompt: "She keeps walking left at dusk under warm lamp light."},
			anchor:   anchor,
			minScore: 0.95, maxScore: 1,
		},
		{
			name:      "text only render",
			clip:      Clip{Prompt: "The keeper walks left at dusk, warm lamp light."},
			anchor:    anchor,
			minScore:  0.65, maxScore: 0.75,
			regen:     true,
			dimension: DimensionSubject,
		},
		{
			name:      "direction flip",
			clip:      Clip{SourceImageURL: anchor.FrameURL, Prompt: "The keeper runs right along the gallery at dusk, warm lamp light."},
			anchor:    anchor,
			minScore:  0.9, maxScore: 0.95,
			dimension: DimensionMotion,
		},
		{
			name:      "everything drifts",
			clip:      Clip{Prompt: "Neon night street, cold fluorescent haze, the car speeds right."},
			anchor:    anchor,
			minScore:  0, maxScore: 0.6,
			regen:     true,
			dimension: DimensionSubject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Heuristic{}.Score(ctx, tt.clip, tt.anchor, DefaultThreshold)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if r.Score < tt.minScore || r.Score > tt.maxScore {
				t.Errorf("Score = %v, want [%v, %v]", r.Score, tt.minScore, tt.maxScore)
			}
			if r.RecommendRegenerate != tt.regen {
				t.Errorf("RecommendRegenerate = %v, want %v (score %v)", r.RecommendRegenerate, tt.regen, r.Score)
			}
			if tt.dimension != "" && !strings.Contains(r.Reason, tt.dimension) {
				t.Errorf("Reason = %q, want it to name %q", r.Reason, tt.dimension)
			}
		})
	}
}

type fakeJudge struct {
	verdict *services.ContinuityVerdict
	err     error
	got     services.ContinuityJudgeRequest
}

func (f *fakeJudge) JudgeContinuity(ctx context.Context, req services.ContinuityJudgeRequest) (*services.ContinuityVerdict, error) {
	f.got = req
	return f.verdict, f.err
}

func TestJudge(t *testing.T) {
	ctx := context.Background()
	anchor := &Anchor{BeatID: "b1", FrameURL: "https://cdn/b1-last.jpg", Prompt: "dusk"}
	clip := Clip{BeatID: "b2", FrameURL: "https://cdn/b2-last.jpg", Prompt: "dusk", Mode: "strict", SourceImageURL: anchor.FrameURL}

	fake := &fakeJudge{verdict: &services.ContinuityVerdict{
		SubjectConsistency: 0.9,
		Lighting:           0.2,
		MotionDirection:    0.8,
	}}
	r, err := NewJudge(fake).Score(ctx, clip, anchor, 0.75)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if want := (0.9*0.5 + 0.2*0.25 + 0.8*0.25); math.Abs(r.Score-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", r.Score, want)
	}
	if !r.RecommendRegenerate || !strings.Contains(r.Reason, DimensionLighting) {
		t.Errorf("Result = %+v, want flagged on lighting", r)
	}
	if fake.got.AnchorFrameURL != anchor.FrameURL || fake.got.ClipFrameURL != clip.FrameURL || fake.got.Mode != "strict" {
		t.Errorf("judge request = %+v", fake.got)
	}

	// Out of range verdicts are clamped.
	fake.verdict = &services.ContinuityVerdict{SubjectConsistency: 3, Lighting: 2, MotionDirection: 1.5, Reason: "fine"}
	if r, _ := NewJudge(fake).Score(ctx, clip, anchor, 0.75); r.Score != 1 || r.RecommendRegenerate {
		t.Errorf("clamped Result = %+v", r)
	}

	fake.err = errors.New("rate limited")
	r, err = NewJudge(fake).Score(ctx, clip, anchor, 0.75)
	if err != nil {
		t.Fatalf("Score() with failing judge error = %v", err)
	}
	want, _ := Heuristic{}.Score(ctx, clip, anchor, 0.75)
	if r != want {
		t.Errorf("fallback Result = %+v, want heuristic %+v", r, want)
	}
}

func TestNew(t *testing.T) {
	if s, err := New("heuristic", nil); err != nil || s == nil {
		t.Errorf("New(heuristic) = %v, %v", s, err)
	}
	if _, err := New("openai", nil); err == nil {
		t.Error("New(openai) without client should fail")
	}
	if _, err := New("oracle", nil); err == nil {
		t.Error("New(oracle) should fail")
	}
}
