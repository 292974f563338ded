package continuity

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/rs/zerolog"
)

// JudgeClient is the vision model asked to compare two frames.
type JudgeClient interface {
	JudgeContinuity(ctx context.Context, req services.ContinuityJudgeRequest) (*services.ContinuityVerdict, error)
}

// Judge scores continuity with an LLM vision judge and falls back to another
// scorer when the judge cannot answer.
type Judge struct {
	client   JudgeClient
	fallback Scorer
	timeout  time.Duration
	logger   zerolog.Logger
}

type JudgeOption func(*Judge)

func WithFallback(s Scorer) JudgeOption {
	return func(j *Judge) { j.fallback = s }
}

func WithTimeout(d time.Duration) JudgeOption {
	return func(j *Judge) { j.timeout = d }
}

func WithLogger(l zerolog.Logger) JudgeOption {
	return func(j *Judge) { j.logger = l.With().Str("component", "continuity-judge").Logger() }
}

func NewJudge(client JudgeClient, opts ...JudgeOption) *Judge {
	j := &Judge{
		client:   client,
		fallback: Heuristic{},
		timeout:  45 * time.Second,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Judge) Score(ctx context.Context, clip Clip, anchor *Anchor, threshold float64) (Result, error) {
	if !hasAnchor(anchor) {
		return Finalize(1, threshold, noAnchor, ""), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	verdict, err := j.client.JudgeContinuity(callCtx, services.ContinuityJudgeRequest{
		AnchorFrameURL: anchor.FrameURL,
		ClipFrameURL:   clip.FrameURL,
		AnchorPrompt:   anchor.Prompt,
		ClipPrompt:     clip.Prompt,
		Mode:           clip.Mode,
	})
	metrics.ObserveProviderCall("openai-judge", time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		j.logger.Warn().Err(err).Str("beat_id", clip.BeatID).Msg("continuity judge failed, using fallback scorer")
		return j.fallback.Score(ctx, clip, anchor, threshold)
	}

	score, weakest := combine([]dimensionScore{
		{name: DimensionSubject, weight: subjectWeight, value: verdict.SubjectConsistency},
		{name: DimensionLighting, weight: lightingWeight, value: verdict.Lighting},
		{name: DimensionMotion, weight: motionWeight, value: verdict.MotionDirection},
	})

	reason := verdict.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s scored %.2f against scene %s", weakest.name, clamp(weakest.value), anchor.BeatID)
	}
	return Finalize(score, threshold, reason, weakest.name), nil
}
