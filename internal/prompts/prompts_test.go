package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeSeeder struct {
	draft *services.SeedDraft
	err   error
	got   services.SeedRequest
}

func (f *fakeSeeder) SeedPromptLayer(ctx context.Context, req services.SeedRequest) (*services.SeedDraft, error) {
	f.got = req
	return f.draft, f.err
}

type fixture struct {
	store     *db.DB
	svc       *Service
	projectID uuid.UUID
}

func newFixture(t *testing.T, seeder Seeder) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "prompts.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})

	project := &models.Project{ID: uuid.New(), Name: "prompts"}
	if err := store.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	beats := []models.StoryboardBeat{
		{BeatID: "b1", PackageID: "pkg", SceneNumber: 1, Description: "A lighthouse keeper climbs the stairs at dusk."},
		{BeatID: "b2", PackageID: "pkg", SceneNumber: 2, Description: "She lights the lamp.", CameraMoves: models.StringList{"push-in"}},
		{BeatID: "b3", PackageID: "pkg", SceneNumber: 3, Description: "A ship turns away from the rocks.", CameraMoves: models.StringList{"pan-left", "tilt-up"}},
	}
	if err := store.ReplaceStoryboard(ctx, project.ID, beats); err != nil {
		t.Fatalf("ReplaceStoryboard() error = %v", err)
	}

	var seq int
	svc := NewService(store, seeder, Defaults{
		FilmType:            "cinematic",
		ModelKey:            "grok-imagine-video",
		ContinuityThreshold: 0.75,
		ClipSeconds:         8,
	}, zerolog.Nop())
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("trace-%03d", seq)
	}

	return &fixture{store: store, svc: svc, projectID: project.ID}
}

func (f *fixture) beat(t *testing.T, beatID string) *models.StoryboardBeat {
	t.Helper()
	beat, err := f.store.GetBeat(context.Background(), f.projectID, beatID)
	if err != nil {
		t.Fatalf("GetBeat() error = %v", err)
	}
	return beat
}

// renderBeat records a completed clip with a last frame for beatID.
func (f *fixture) renderBeat(t *testing.T, beatID, frameURL string) {
	t.Helper()
	ctx := context.Background()
	job := &models.SceneVideoJob{ID: uuid.New(), ProjectID: f.projectID, BeatID: beatID, ContinuityThreshold: 0.75}
	if err := f.store.CreateSceneVideoJob(ctx, job); err != nil {
		t.Fatalf("CreateSceneVideoJob() error = %v", err)
	}
	if _, ok, err := f.store.ClaimQueued(ctx, models.JobTypeSceneVideo, job.ID); err != nil || !ok {
		t.Fatalf("ClaimQueued() = %v, %v", ok, err)
	}
	video := strings.Replace(frameURL, ".jpg", ".mp4", 1)
	prompt := "golden hour light on the " + beatID
	if err := f.store.UpdateSceneVideoJob(ctx, job.ID, models.JobStatusProcessing, models.SceneVideoJobPatch{
		Status:       models.Some(models.JobStatusCompleted),
		VideoURL:     models.Some(&video),
		LastFrameURL: models.Some(&frameURL),
		Prompt:       models.Some(&prompt),
	}); err != nil {
		t.Fatalf("UpdateSceneVideoJob() error = %v", err)
	}
}

func (f *fixture) queueJob(t *testing.T, beatID string, opts models.SceneVideoOptions) *models.SceneVideoJob {
	t.Helper()
	job := &models.SceneVideoJob{
		ID:                  uuid.New(),
		ProjectID:           f.projectID,
		PackageID:           "pkg",
		BeatID:              beatID,
		ContinuityThreshold: 0.75,
		Options:             opts,
	}
	if err := f.store.CreateSceneVideoJob(context.Background(), job); err != nil {
		t.Fatalf("CreateSceneVideoJob() error = %v", err)
	}
	return job
}

func strp(s string) *string { return &s }

func modep(m models.ContinuationMode) *models.ContinuationMode { return &m }

func TestMerge(t *testing.T) {
	got := Merge(MergeInput{
		DirectorPrompt:        "She hesitates, then runs.",
		CinematographerPrompt: "Handheld, 35mm, low key light.",
		CameraMoves:           []string{"push-in", " ", "pan-left"},
		Guidance:              "Continuity (strict): ...",
	})
	want := "She hesitates, then runs.\n\nHandheld, 35mm, low key light.\n\nCamera moves: [push-in] [pan-left]\n\nContinuity (strict): ..."
	if got != want {
		t.Errorf("Merge() = %q, want %q", got, want)
	}

	if got := Merge(MergeInput{CinematographerPrompt: "Wide shot."}); got != "Wide shot." {
		t.Errorf("Merge() with empty parts = %q", got)
	}
	if CameraTokens(nil) != "" {
		t.Error("CameraTokens(nil) should be empty")
	}
}

func TestGuidance(t *testing.T) {
	anchor := &Anchor{Selection: AnchorExplicit, BeatID: "b1", FrameURL: "https://cdn/b1.jpg"}

	if g := Guidance(models.ContinuationOff, anchor); g != "" {
		t.Errorf("Guidance(off) = %q, want empty", g)
	}
	if g := Guidance(models.ContinuationStrict, &Anchor{Selection: AnchorPreviousScene, BeatID: "b1"}); g != "" {
		t.Errorf("Guidance() without frame = %q, want empty", g)
	}
	for _, mode := range []models.ContinuationMode{models.ContinuationStrict, models.ContinuationBalanced, models.ContinuationLoose} {
		g := Guidance(mode, anchor)
		if !strings.Contains(g, "b1") || !strings.Contains(g, "https://cdn/b1.jpg") || !strings.Contains(g, string(mode)) {
			t.Errorf("Guidance(%s) = %q, want beat, frame and mode", mode, g)
		}
	}
}

func TestResolveAnchor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.renderBeat(t, "b1", "https://cdn/b1.jpg")

	tests := []struct {
		name      string
		beat      string
		mode      models.ContinuationMode
		explicit  *string
		selection AnchorSelection
		anchorID  string
		frame     string
	}{
		{"off ignores explicit anchor", "b3", models.ContinuationOff, strp("b1"), AnchorDisabled, "", ""},
		{"first scene", "b1", models.ContinuationStrict, nil, AnchorFirstScene, "", ""},
		{"previous scene rendered", "b2", models.ContinuationBalanced, nil, AnchorPreviousScene, "b1", "https://cdn/b1.jpg"},
		{"previous scene not rendered", "b3", models.ContinuationBalanced, nil, AnchorPreviousScene, "b2", ""},
		{"explicit beats previous", "b3", models.ContinuationStrict, strp("b1"), AnchorExplicit, "b1", "https://cdn/b1.jpg"},
		{"blank explicit falls back", "b2", models.ContinuationLoose, strp("  "), AnchorPreviousScene, "b1", "https://cdn/b1.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchor, err := f.svc.ResolveAnchor(ctx, f.projectID, f.beat(t, tt.beat), tt.mode, tt.explicit)
			if err != nil {
				t.Fatalf("ResolveAnchor() error = %v", err)
			}
			if anchor.Selection != tt.selection || anchor.BeatID != tt.anchorID || anchor.FrameURL != tt.frame {
				t.Errorf("ResolveAnchor() = %+v, want %s/%s/%s", anchor, tt.selection, tt.anchorID, tt.frame)
			}
		})
	}

	_, err := f.svc.ResolveAnchor(ctx, f.projectID, f.beat(t, "b2"), models.ContinuationStrict, strp("nope"))
	if !apperr.IsCode(err, apperr.CodeFailedPrecond) {
		t.Errorf("ResolveAnchor(unknown) error = %v, want precondition", err)
	}
}

func TestSaveLayerVersionsAreImmutable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.SaveLayer(ctx, f.projectID, "b2", models.SavePromptLayerRequest{
		DirectorPrompt:        "She strikes a match.",
		CinematographerPrompt: "Macro on the flame.",
	})
	if err != nil {
		t.Fatalf("SaveLayer() error = %v", err)
	}
	if first.Version != 1 || first.Source != models.LayerSourceManual || first.ContinuationMode != models.ContinuationBalanced {
		t.Errorf("first layer = %+v", first)
	}
	if !strings.Contains(first.MergedPrompt, "Camera moves: [push-in]") {
		t.Errorf("merged prompt missing camera tokens: %q", first.MergedPrompt)
	}

	second, err := f.svc.SaveLayer(ctx, f.projectID, "b2", models.SavePromptLayerRequest{
		DirectorPrompt:   "She hesitates before striking the match.",
		ContinuationMode: modep(models.ContinuationOff),
	})
	if err != nil {
		t.Fatalf("SaveLayer() error = %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}

	history, err := f.svc.ListLayerHistory(ctx, f.projectID, "b2")
	if err != nil {
		t.Fatalf("ListLayerHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].Version <= history[1].Version {
		t.Fatalf("history not strictly descending: %+v", history)
	}
	if history[1].DirectorPrompt != "She strikes a match." || history[1].MergedPrompt != first.MergedPrompt {
		t.Errorf("version 1 changed: %+v", history[1])
	}

	latest, err := f.svc.GetLatestLayer(ctx, f.projectID, "b2")
	if err != nil || latest.Version != 2 {
		t.Errorf("GetLatestLayer() = %+v, %v", latest, err)
	}
}

func TestSaveLayerValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bad := 1.2
	tight := models.ContinuationMode("tight")

	tests := []struct {
		name string
		beat string
		req  models.SavePromptLayerRequest
		code apperr.Code
	}{
		{"unknown beat", "b9", models.SavePromptLayerRequest{DirectorPrompt: "x"}, apperr.CodeFailedPrecond},
		{"empty prompts", "b1", models.SavePromptLayerRequest{}, apperr.CodeValidation},
		{"bad mode", "b1", models.SavePromptLayerRequest{DirectorPrompt: "x", ContinuationMode: &tight}, apperr.CodeValidation},
		{"bad threshold", "b1", models.SavePromptLayerRequest{DirectorPrompt: "x", AutoRegenerateThreshold: &bad}, apperr.CodeValidation},
		{"self anchor", "b2", models.SavePromptLayerRequest{DirectorPrompt: "x", AnchorBeatID: strp("b2")}, apperr.CodeValidation},
		{"unknown anchor", "b2", models.SavePromptLayerRequest{DirectorPrompt: "x", AnchorBeatID: strp("b7")}, apperr.CodeFailedPrecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SaveLayer(ctx, f.projectID, tt.beat, tt.req)
			if !apperr.IsCode(err, tt.code) {
				t.Errorf("SaveLayer() error = %v, want %s", err, tt.code)
			}
		})
	}

	if history, _ := f.svc.ListLayerHistory(ctx, f.projectID, "b1"); len(history) != 0 {
		t.Errorf("rejected saves wrote %d versions", len(history))
	}
}

func TestRestoreLayer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.svc.SaveLayer(ctx, f.projectID, "b1", models.SavePromptLayerRequest{DirectorPrompt: "original"})
	f.svc.SaveLayer(ctx, f.projectID, "b1", models.SavePromptLayerRequest{DirectorPrompt: "rewrite"})

	restored, err := f.svc.RestoreLayer(ctx, f.projectID, "b1", 1)
	if err != nil {
		t.Fatalf("RestoreLayer() error = %v", err)
	}
	if restored.Version != 3 || restored.Source != models.LayerSourceRestored || restored.DirectorPrompt != "original" {
		t.Errorf("restored = %+v", restored)
	}

	if _, err := f.svc.RestoreLayer(ctx, f.projectID, "b1", 42); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("RestoreLayer(42) error = %v, want not found", err)
	}
}

func TestSeedLayer(t *testing.T) {
	seeder := &fakeSeeder{draft: &services.SeedDraft{
		DirectorPrompt:        "The ship veers as the beam sweeps the water.",
		CinematographerPrompt: "Long lens from the cliff, sodium light.",
	}}
	f := newFixture(t, seeder)
	ctx := context.Background()

	layer, err := f.svc.SeedLayer(ctx, f.projectID, "b3")
	if err != nil {
		t.Fatalf("SeedLayer() error = %v", err)
	}
	if layer.Source != models.LayerSourceAISeed || layer.Version != 1 {
		t.Errorf("seeded layer = %+v", layer)
	}
	if seeder.got.BeatDescription != "A ship turns away from the rocks." || seeder.got.FilmType != "cinematic" {
		t.Errorf("seed request = %+v", seeder.got)
	}

	seeder.err = errors.New("rate limited")
	if _, err := f.svc.SeedLayer(ctx, f.projectID, "b3"); !apperr.IsCode(err, apperr.CodeProvider) {
		t.Errorf("SeedLayer() with failing seeder error = %v, want provider error", err)
	}

	unseeded := newFixture(t, nil)
	if _, err := unseeded.svc.SeedLayer(ctx, unseeded.projectID, "b1"); !apperr.IsCode(err, apperr.CodeFailedPrecond) {
		t.Errorf("SeedLayer() without seeder error = %v, want precondition", err)
	}
}

func decodePayload(t *testing.T, trace models.SceneVideoPromptTrace) TracePayload {
	t.Helper()
	var p TracePayload
	if err := json.Unmarshal(trace.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

// An explicit anchor must win over the default previous-scene anchor all the
// way into the recorded trace.
func TestPrepareGenerationExplicitAnchorOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.renderBeat(t, "b1", "https://cdn/frames/b1-last.jpg")
	f.renderBeat(t, "b2", "https://cdn/frames/b2-last.jpg")

	job := f.queueJob(t, "b3", models.SceneVideoOptions{
		ContinuationMode: modep(models.ContinuationStrict),
		AnchorBeatID:     strp("b1"),
	})

	gen, err := f.svc.PrepareGeneration(ctx, job, f.beat(t, "b3"))
	if err != nil {
		t.Fatalf("PrepareGeneration() error = %v", err)
	}

	traces, err := f.svc.ListTraces(ctx, f.projectID, "b3", 10)
	if err != nil || len(traces) != 1 {
		t.Fatalf("ListTraces() = %d traces, %v", len(traces), err)
	}
	if traces[0].TraceID != gen.TraceID || traces[0].JobID == nil || *traces[0].JobID != job.ID {
		t.Errorf("trace %+v does not match generation %s", traces[0], gen.TraceID)
	}

	payload := decodePayload(t, traces[0])
	if !strings.Contains(payload.MergedPrompt, "https://cdn/frames/b1-last.jpg") {
		t.Errorf("merged prompt does not reference the explicit anchor frame: %q", payload.MergedPrompt)
	}
	if strings.Contains(payload.MergedPrompt, "b2-last.jpg") {
		t.Errorf("merged prompt references the previous scene: %q", payload.MergedPrompt)
	}
	if payload.Anchor.Selection != AnchorExplicit || payload.Anchor.BeatID != "b1" {
		t.Errorf("anchor = %+v", payload.Anchor)
	}
	if gen.Anchor.FrameURL != "https://cdn/frames/b1-last.jpg" {
		t.Errorf("generation anchor frame = %q", gen.Anchor.FrameURL)
	}
}

func TestPrepareGenerationSourcesAndDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// No layer: beat description and film-type defaults fill in.
	job := f.queueJob(t, "b1", models.SceneVideoOptions{})
	gen, err := f.svc.PrepareGeneration(ctx, job, f.beat(t, "b1"))
	if err != nil {
		t.Fatalf("PrepareGeneration() error = %v", err)
	}
	if gen.Payload.DirectorSource != SourceFallback || gen.Payload.DirectorPrompt != "A lighthouse keeper climbs the stairs at dusk." {
		t.Errorf("director = %q (%s)", gen.Payload.DirectorPrompt, gen.Payload.DirectorSource)
	}
	if gen.Payload.CinematographerSource != SourceFallback || gen.ModelKey != "grok-imagine-video" || gen.DurationSeconds != 8 {
		t.Errorf("defaults not applied: %+v", gen.Payload)
	}
	if gen.Payload.Anchor.Selection != AnchorFirstScene || gen.Payload.Guidance != "" {
		t.Errorf("first scene anchor = %+v, guidance %q", gen.Payload.Anchor, gen.Payload.Guidance)
	}

	if _, err := f.svc.SaveLayer(ctx, f.projectID, "b1", models.SavePromptLayerRequest{
		DirectorPrompt:        "He pauses on the landing.",
		CinematographerPrompt: "Low angle, rim light.",
		GenerationModel:       strp("veo-3.1-generate-preview"),
		FilmType:              strp("noir"),
	}); err != nil {
		t.Fatalf("SaveLayer() error = %v", err)
	}

	// The request prompt replaces the director layer; the rest comes from the layer.
	job = f.queueJob(t, "b1", models.SceneVideoOptions{Prompt: strp("He sprints up the stairs.")})
	gen, err = f.svc.PrepareGeneration(ctx, job, f.beat(t, "b1"))
	if err != nil {
		t.Fatalf("PrepareGeneration() error = %v", err)
	}
	p := gen.Payload
	if p.DirectorSource != SourceRequest || p.DirectorPrompt != "He sprints up the stairs." {
		t.Errorf("director = %q (%s)", p.DirectorPrompt, p.DirectorSource)
	}
	if p.CinematographerSource != SourceLayer || p.FilmType != "noir" || gen.ModelKey != "veo-3.1-generate-preview" {
		t.Errorf("layer values not applied: %+v", p)
	}
	if p.LayerVersion == nil || *p.LayerVersion != 1 {
		t.Errorf("layer version = %v", p.LayerVersion)
	}
	if p.Lengths.Merged != len([]rune(p.MergedPrompt)) || p.Lengths.Director != len([]rune(p.DirectorPrompt)) {
		t.Errorf("lengths = %+v", p.Lengths)
	}

	diff, err := f.svc.DiffLatest(ctx, f.projectID, "b1")
	if err != nil {
		t.Fatalf("DiffLatest() error = %v", err)
	}
	fields := map[string]bool{}
	for _, c := range diff.Changes {
		fields[c.Field] = true
	}
	for _, want := range []string{"director_prompt", "director_source", "film_type", "model_key", "merged_prompt"} {
		if !fields[want] {
			t.Errorf("diff missing %s: %+v", want, diff.Changes)
		}
	}
	if fields["continuation_mode"] || fields["duration_seconds"] {
		t.Errorf("diff reports unchanged fields: %+v", diff.Changes)
	}
}

func TestDiffLatestNeedsTwoTraces(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.DiffLatest(context.Background(), f.projectID, "b1"); !apperr.IsCode(err, apperr.CodeFailedPrecond) {
		t.Errorf("DiffLatest() error = %v, want precondition", err)
	}
}

func TestResolveThreshold(t *testing.T) {
	svc := NewService(nil, nil, Defaults{ContinuityThreshold: 0.75}, zerolog.Nop())
	layerValue := 0.6
	requested := 0.9
	layer := &models.ScenePromptLayer{AutoRegenerateThreshold: &layerValue}

	if got := svc.ResolveThreshold(nil, nil); got != 0.75 {
		t.Errorf("default = %v", got)
	}
	if got := svc.ResolveThreshold(layer, nil); got != 0.6 {
		t.Errorf("layer = %v", got)
	}
	if got := svc.ResolveThreshold(layer, &requested); got != 0.9 {
		t.Errorf("request = %v", got)
	}
}
