package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/continuity"
	"github.com/bobarin/storyreel/internal/logging"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/prompts"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/rs/zerolog"
)

// DrainSceneVideo renders one claimed scene video job to a terminal state.
// A returned error leaves the job processing for redelivery or the reclaimer.
func (w *Worker) DrainSceneVideo(ctx context.Context, ref models.JobRef) error {
	log := logging.ForJob(w.logger, string(ref.Type), ref.ID.String(), ref.ProjectID.String())

	job, err := w.store.GetSceneVideoJob(ctx, ref.ID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			log.Warn().Msg("scene video job disappeared before drain")
			return nil
		}
		return err
	}
	if job.Status != models.JobStatusProcessing {
		log.Debug().Str("status", string(job.Status)).Msg("job not processing, skipping")
		return nil
	}
	log = log.With().Str("beat_id", job.BeatID).Logger()

	beat, err := w.store.GetBeat(ctx, job.ProjectID, job.BeatID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return w.failScene(ctx, log, job, "storyboard beat "+job.BeatID+" no longer exists")
		}
		return err
	}

	gen, err := w.prompts.PrepareGeneration(ctx, job, beat)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeFailedPrecond) || apperr.IsCode(err, apperr.CodeValidation) {
			return w.failScene(ctx, log, job, apperr.Message(err))
		}
		return err
	}

	var sourceImage *string
	if gen.Anchor.Usable() {
		sourceImage = strPtr(gen.Anchor.FrameURL)
	}

	if err := w.store.UpdateSceneVideoJob(ctx, job.ID, models.JobStatusProcessing, models.SceneVideoJobPatch{
		Prompt:         models.Some(strPtr(gen.Prompt)),
		SourceImageURL: models.Some(sourceImage),
		ModelKey:       models.Some(strPtr(gen.ModelKey)),
	}); err != nil {
		if settled(log, err) {
			return nil
		}
		return err
	}

	log.Info().
		Str("model", gen.ModelKey).
		Str("trace_id", gen.TraceID).
		Str("anchor", string(gen.Anchor.Selection)).
		Msg("rendering scene video")

	req := services.GenerateRequest{
		ModelKey:        gen.ModelKey,
		Prompt:          gen.Prompt,
		DurationSeconds: gen.DurationSeconds,
	}
	if sourceImage != nil {
		req.ImageURL = *sourceImage
	}

	res, err := w.providers.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("video generation failed")
		return w.failScene(ctx, log, job, apperr.Message(err))
	}

	videoURL, err := w.uploadWithLimit(ctx, func() (string, error) {
		return w.storage.Upload(ctx, storage.ClipPath(job.ProjectID.String(), job.BeatID, job.ID.String()), res.Video, "video/mp4")
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failScene(ctx, log, job, "failed to store rendered clip: "+err.Error())
	}

	frameURL, duration := w.inspectClip(ctx, log, job, res)

	clip := continuity.Clip{
		BeatID:         job.BeatID,
		VideoURL:       videoURL,
		Prompt:         gen.Prompt,
		SourceImageURL: req.ImageURL,
		Mode:           string(gen.Mode),
	}
	if frameURL != nil {
		clip.FrameURL = *frameURL
	}

	patch := models.SceneVideoJobPatch{
		Status:   models.Some(models.JobStatusCompleted),
		Provider: models.Some(strPtr(res.Provider)),
		VideoURL: models.Some(strPtr(videoURL)),
		Error:    models.Some[*string](nil),
	}
	if res.ModelKey != "" {
		patch.ModelKey = models.Some(strPtr(res.ModelKey))
	}
	if res.ExternalJobID != "" {
		patch.ExternalJobID = models.Some(strPtr(res.ExternalJobID))
	}
	if frameURL != nil {
		patch.LastFrameURL = models.Some(frameURL)
	}
	if duration > 0 {
		patch.DurationSeconds = models.Some(float64Ptr(duration))
	}

	score, err := w.scorer.Score(ctx, clip, continuityAnchor(gen.Anchor), job.ContinuityThreshold)
	if err != nil {
		log.Warn().Err(err).Msg("continuity scoring failed")
	} else {
		patch.ContinuityScore = models.Some(float64Ptr(score.Score))
		patch.RecommendRegenerate = models.Some(score.RecommendRegenerate)
		if score.Reason != "" {
			patch.ContinuityReason = models.Some(strPtr(score.Reason))
		}
	}

	if err := w.store.UpdateSceneVideoJob(ctx, job.ID, models.JobStatusProcessing, patch); err != nil {
		if settled(log, err) {
			return nil
		}
		return err
	}

	metrics.JobFinished(string(models.JobTypeSceneVideo), string(models.JobStatusCompleted))
	event := log.Info().Str("video_url", videoURL)
	if patch.ContinuityScore.Set {
		event = event.Float64("continuity", *patch.ContinuityScore.Value).Bool("regenerate", patch.RecommendRegenerate.Value)
	}
	event.Msg("scene video completed")
	return nil
}

// inspectClip extracts the last frame and measures the clip. Both are best
// effort: a clip without a frame still completes, it just cannot anchor.
func (w *Worker) inspectClip(ctx context.Context, log zerolog.Logger, job *models.SceneVideoJob, res *services.GenerateResult) (*string, float64) {
	duration := res.DurationSeconds

	dir, err := w.media.TempDir("scene-" + job.ID.String())
	if err != nil {
		log.Warn().Err(err).Msg("no scratch dir for frame extraction")
		return nil, duration
	}
	defer os.RemoveAll(dir)

	videoPath := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(videoPath, res.Video, 0644); err != nil {
		log.Warn().Err(err).Msg("failed to write clip for inspection")
		return nil, duration
	}

	if duration <= 0 {
		if d, err := w.media.Duration(ctx, videoPath); err == nil {
			duration = d
		} else {
			log.Warn().Err(err).Msg("failed to probe clip duration")
		}
	}

	framePath := filepath.Join(dir, "last.jpg")
	if err := w.media.ExtractLastFrame(ctx, videoPath, framePath); err != nil {
		log.Warn().Err(err).Msg("failed to extract last frame")
		return nil, duration
	}

	url, err := w.uploadWithLimit(ctx, func() (string, error) {
		return w.storage.UploadFile(ctx, storage.FramePath(job.ProjectID.String(), job.BeatID, job.ID.String()), framePath, "image/jpeg")
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to store last frame")
		return nil, duration
	}
	return &url, duration
}

func (w *Worker) failScene(ctx context.Context, log zerolog.Logger, job *models.SceneVideoJob, msg string) error {
	err := w.store.UpdateSceneVideoJob(ctx, job.ID, models.JobStatusProcessing, models.SceneVideoJobPatch{
		Status: models.Some(models.JobStatusFailed),
		Error:  models.Some(strPtr(msg)),
	})
	if err != nil {
		if settled(log, err) {
			return nil
		}
		return err
	}
	metrics.JobFinished(string(models.JobTypeSceneVideo), string(models.JobStatusFailed))
	log.Error().Str("error", msg).Msg("scene video failed")
	return nil
}

func continuityAnchor(a *prompts.Anchor) *continuity.Anchor {
	if !a.Usable() {
		return nil
	}
	return &continuity.Anchor{BeatID: a.BeatID, FrameURL: a.FrameURL, Prompt: a.Prompt}
}
