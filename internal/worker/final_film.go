package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/logging"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DrainFinalFilm compiles a claimed final film: each scene's latest completed
// clip, in scene order, concatenated into OUTPUT_DIR/<project>/final_<film>.mp4.
// Compilation failures are terminal and not retried.
func (w *Worker) DrainFinalFilm(ctx context.Context, ref models.JobRef) error {
	log := logging.ForJob(w.logger, string(ref.Type), ref.ID.String(), ref.ProjectID.String())

	film, err := w.store.GetFinalFilm(ctx, ref.ID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			log.Warn().Msg("final film disappeared before drain")
			return nil
		}
		return err
	}
	if film.Status != models.JobStatusProcessing {
		log.Debug().Str("status", string(film.Status)).Msg("film not processing, skipping")
		return nil
	}

	sources, err := w.store.ListCompiledClipSources(ctx, film.ProjectID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return w.failFilm(ctx, log, film, apperr.Compilation("collect", fmt.Errorf("project has no completed scene clips")))
	}

	log.Info().Int("sources", len(sources)).Msg("compiling final film")

	dir, err := w.media.TempDir("film-" + film.ID.String())
	if err != nil {
		return w.failFilm(ctx, log, film, apperr.Compilation("stage", err))
	}
	defer os.RemoveAll(dir)

	paths, err := w.stageClips(ctx, dir, sources)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failFilm(ctx, log, film, apperr.Compilation("stage", err))
	}

	outputPath := filepath.Join(w.outputDir, film.ProjectID.String(), "final_"+film.ID.String()+".mp4")
	if err := w.media.Concat(ctx, paths, outputPath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		os.Remove(outputPath)
		return w.failFilm(ctx, log, film, apperr.Compilation("concat", err))
	}

	videoURL, err := w.uploadWithLimit(ctx, func() (string, error) {
		return w.storage.UploadFile(ctx, storage.FilmPath(film.ProjectID.String(), film.ID.String()), outputPath, "video/mp4")
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failFilm(ctx, log, film, apperr.Compilation("upload", err))
	}

	if err := w.store.UpdateFinalFilm(ctx, film.ID, models.JobStatusProcessing, models.FinalFilmPatch{
		Status:      models.Some(models.JobStatusCompleted),
		SourceCount: models.Some(len(paths)),
		VideoURL:    models.Some(strPtr(videoURL)),
		OutputPath:  models.Some(strPtr(outputPath)),
		Error:       models.Some[*string](nil),
	}); err != nil {
		if settled(log, err) {
			return nil
		}
		return err
	}

	metrics.JobFinished(string(models.JobTypeFinalFilm), string(models.JobStatusCompleted))
	log.Info().Int("sources", len(paths)).Str("output", outputPath).Msg("final film completed")
	return nil
}

// stageClips downloads (and optionally normalizes) every source concurrently.
// The returned paths keep scene order.
func (w *Worker) stageClips(ctx context.Context, dir string, sources []models.CompiledClipSource) ([]string, error) {
	paths := make([]string, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.stageConcurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			raw := filepath.Join(dir, fmt.Sprintf("%03d_%s.mp4", i, src.JobID))
			if err := w.fetch.DownloadTo(gctx, src.VideoURL, raw); err != nil {
				return fmt.Errorf("scene %d (%s): %w", src.SceneNumber, src.BeatID, err)
			}
			if !w.normalize {
				paths[i] = raw
				return nil
			}

			norm := filepath.Join(dir, fmt.Sprintf("%03d_norm.mp4", i))
			if err := w.media.Normalize(gctx, raw, norm); err != nil {
				return fmt.Errorf("scene %d (%s): %w", src.SceneNumber, src.BeatID, err)
			}
			paths[i] = norm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (w *Worker) failFilm(ctx context.Context, log zerolog.Logger, film *models.ProjectFinalFilm, cause error) error {
	msg := cause.Error()
	err := w.store.UpdateFinalFilm(ctx, film.ID, models.JobStatusProcessing, models.FinalFilmPatch{
		Status: models.Some(models.JobStatusFailed),
		Error:  models.Some(strPtr(msg)),
	})
	if err != nil {
		if settled(log, err) {
			return nil
		}
		return err
	}
	metrics.JobFinished(string(models.JobTypeFinalFilm), string(models.JobStatusFailed))
	log.Error().Str("error", msg).Msg("final film failed")
	return nil
}
