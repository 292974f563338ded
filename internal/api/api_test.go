package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/prompts"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeQueue struct {
	mu   sync.Mutex
	refs []models.JobRef
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, ref models.JobRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.refs = append(q.refs, ref)
	return nil
}

type testServer struct {
	store  *db.DB
	queue  *fakeQueue
	router *chi.Mux
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var clockMu sync.Mutex
	now := time.Date(2026, 5, 11, 20, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	})

	promptSvc := prompts.NewService(store, nil, prompts.Defaults{
		FilmType:            "cinematic",
		ModelKey:            "grok-imagine-video",
		ContinuityThreshold: 0.75,
		ClipSeconds:         8,
	}, zerolog.Nop())

	q := &fakeQueue{}
	return &testServer{
		store:  store,
		queue:  q,
		router: NewRouter(NewHandler(store, q, promptSvc, zerolog.Nop()), cfg),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", rec.Body.String(), err)
	}
}

// seedProject creates a project with a three-beat storyboard through the API.
func (s *testServer) seedProject(t *testing.T) uuid.UUID {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/projects", models.CreateProjectRequest{Name: "Night Ferry"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /projects = %d %s", rec.Code, rec.Body.String())
	}
	var project models.Project
	decode(t, rec, &project)

	rec = s.do(t, http.MethodPut, "/v1/projects/"+project.ID.String()+"/storyboard", models.PutStoryboardRequest{
		PackageID: "pkg-1",
		Beats: []models.StoryboardBeatInput{
			{BeatID: "b1", SceneNumber: 1, Description: "The ferry leaves the dock."},
			{BeatID: "b2", SceneNumber: 2, Description: "Passengers watch the lights.", CameraMoves: []string{"pan-left"}},
			{BeatID: "b3", SceneNumber: 3, Description: "The ferry reaches open water."},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /storyboard = %d %s", rec.Code, rec.Body.String())
	}
	return project.ID
}

func (s *testServer) completeJob(t *testing.T, id uuid.UUID, videoURL string) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.store.ClaimQueued(ctx, models.JobTypeSceneVideo, id); err != nil || !ok {
		t.Fatalf("ClaimQueued() = %v, %v", ok, err)
	}
	if err := s.store.UpdateSceneVideoJob(ctx, id, models.JobStatusProcessing, models.SceneVideoJobPatch{
		Status:   models.Some(models.JobStatusCompleted),
		VideoURL: models.Some(&videoURL),
	}); err != nil {
		t.Fatalf("UpdateSceneVideoJob() error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterConfig{BackendAPIKey: "secret"})
	rec := s.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, RouterConfig{BackendAPIKey: "secret"})
	path := "/v1/projects/" + uuid.NewString()

	tests := []struct {
		name   string
		header func(*http.Request)
		want   int
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusForbidden},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }, http.StatusNotFound},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			tt.header(req)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProjectAndStoryboard(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)

	rec := s.do(t, http.MethodGet, "/v1/projects/"+projectID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /projects/{id} = %d", rec.Code)
	}
	var resp models.ProjectResponse
	decode(t, rec, &resp)
	if resp.Name != "Night Ferry" || len(resp.Beats) != 3 || resp.Beats[1].CameraMoves[0] != "pan-left" {
		t.Errorf("project = %+v", resp)
	}

	rec = s.do(t, http.MethodPut, "/v1/projects/"+projectID.String()+"/storyboard", models.PutStoryboardRequest{
		Beats: []models.StoryboardBeatInput{{BeatID: "x", SceneNumber: 1}, {BeatID: "x", SceneNumber: 2}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate beats = %d, want 400", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/v1/projects/"+projectID.String(), nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/projects/"+projectID.String(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d", rec.Code)
	}
}

func TestCreateSceneVideo(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String()

	threshold := 0.9
	mode := models.ContinuationStrict
	rec := s.do(t, http.MethodPost, base+"/scenes/b2/video", models.CreateSceneVideoRequest{
		AutoRegenerateThreshold: &threshold,
		ContinuationMode:        &mode,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST video = %d %s", rec.Code, rec.Body.String())
	}

	var job models.SceneVideoJob
	decode(t, rec, &job)
	if job.Status != models.JobStatusQueued || job.BeatID != "b2" || job.PackageID != "pkg-1" {
		t.Errorf("job = %+v", job)
	}
	if job.ContinuityThreshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", job.ContinuityThreshold)
	}
	if job.Options.ContinuationMode == nil || *job.Options.ContinuationMode != models.ContinuationStrict {
		t.Errorf("options = %+v", job.Options)
	}
	if len(s.queue.refs) != 1 || s.queue.refs[0] != job.Ref() {
		t.Errorf("enqueued = %v", s.queue.refs)
	}

	rec = s.do(t, http.MethodGet, base+"/scenes/b2/video", nil)
	var latest models.SceneVideoJob
	decode(t, rec, &latest)
	if rec.Code != http.StatusOK || latest.ID != job.ID {
		t.Errorf("GET video = %d, id %s", rec.Code, latest.ID)
	}
}

func TestCreateSceneVideoThresholdDefaults(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String()

	rec := s.do(t, http.MethodPost, base+"/scenes/b1/video", nil)
	var job models.SceneVideoJob
	decode(t, rec, &job)
	if rec.Code != http.StatusAccepted || job.ContinuityThreshold != 0.75 {
		t.Errorf("no layer: %d threshold %v", rec.Code, job.ContinuityThreshold)
	}

	layerThreshold := 0.6
	rec = s.do(t, http.MethodPut, base+"/scenes/b1/prompt-layer", models.SavePromptLayerRequest{
		DirectorPrompt:          "The ferry pulls away slowly.",
		AutoRegenerateThreshold: &layerThreshold,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT prompt-layer = %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, base+"/scenes/b1/video", nil)
	decode(t, rec, &job)
	if job.ContinuityThreshold != 0.6 {
		t.Errorf("layer threshold = %v, want 0.6", job.ContinuityThreshold)
	}
}

func TestCreateSceneVideoRejects(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String()

	bad := 1.5
	badMode := models.ContinuationMode("sideways")
	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown beat", base + "/scenes/b9/video", nil, http.StatusPreconditionFailed},
		{"unknown project", "/v1/projects/" + uuid.NewString() + "/scenes/b1/video", nil, http.StatusNotFound},
		{"bad project id", "/v1/projects/nope/scenes/b1/video", nil, http.StatusBadRequest},
		{"threshold", base + "/scenes/b1/video", models.CreateSceneVideoRequest{AutoRegenerateThreshold: &bad}, http.StatusBadRequest},
		{"mode", base + "/scenes/b1/video", models.CreateSceneVideoRequest{ContinuationMode: &badMode}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if len(s.queue.refs) != 0 {
		t.Errorf("rejected requests enqueued %v", s.queue.refs)
	}
	if rec := s.do(t, http.MethodGet, base+"/scene-videos", nil); rec.Code == http.StatusOK {
		var resp models.SceneVideosResponse
		decode(t, rec, &resp)
		if len(resp.Jobs) != 0 {
			t.Errorf("rejected requests created %d jobs", len(resp.Jobs))
		}
	}
}

func TestCreateSceneVideoEnqueueFailure(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	s.queue.err = errors.New("broker unavailable")

	rec := s.do(t, http.MethodPost, "/v1/projects/"+projectID.String()+"/scenes/b1/video", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestListSceneVideosLatestPerBeat(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String()

	var last models.SceneVideoJob
	for _, beat := range []string{"b1", "b1", "b3"} {
		rec := s.do(t, http.MethodPost, base+"/scenes/"+beat+"/video", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("POST video = %d", rec.Code)
		}
		if beat == "b1" {
			decode(t, rec, &last)
		}
	}

	rec := s.do(t, http.MethodGet, base+"/scene-videos", nil)
	var resp models.SceneVideosResponse
	decode(t, rec, &resp)
	if len(resp.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(resp.Jobs))
	}
	for _, j := range resp.Jobs {
		if j.BeatID == "b1" && j.ID != last.ID {
			t.Errorf("b1 job = %s, want latest %s", j.ID, last.ID)
		}
	}
}

func TestCreateFinalFilm(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String()

	rec := s.do(t, http.MethodPost, base+"/final-film", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("no clips: status = %d, want 412", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, base+"/final-film", nil); rec.Code != http.StatusNotFound {
		t.Errorf("412 created a film row: GET = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, base+"/scenes/b1/video", nil)
	var job models.SceneVideoJob
	decode(t, rec, &job)
	s.completeJob(t, job.ID, "https://cdn.example.com/b1.mp4")

	rec = s.do(t, http.MethodPost, base+"/final-film", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST final-film = %d %s", rec.Code, rec.Body.String())
	}
	var film models.ProjectFinalFilm
	decode(t, rec, &film)
	if film.Status != models.JobStatusQueued || film.ProjectID != projectID {
		t.Errorf("film = %+v", film)
	}
	if got := s.queue.refs[len(s.queue.refs)-1]; got != film.Ref() {
		t.Errorf("enqueued %v, want %v", got, film.Ref())
	}

	rec = s.do(t, http.MethodGet, base+"/final-film", nil)
	var latest models.ProjectFinalFilm
	decode(t, rec, &latest)
	if latest.ID != film.ID {
		t.Errorf("latest film = %s, want %s", latest.ID, film.ID)
	}
}

func TestPutPromptLayerIgnoresClientSource(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String() + "/scenes/b2"

	for _, source := range []string{"ai-seed", "restored"} {
		rec := s.do(t, http.MethodPut, base+"/prompt-layer", map[string]interface{}{
			"director_prompt":        "A forged take.",
			"cinematographer_prompt": "Handheld.",
			"source":                 source,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("PUT prompt-layer = %d %s", rec.Code, rec.Body.String())
		}
		var layer models.ScenePromptLayer
		decode(t, rec, &layer)
		if layer.Source != models.LayerSourceManual {
			t.Errorf("PUT with source %q stored %q, want manual", source, layer.Source)
		}
	}
}

func TestPromptLayerEndpoints(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String() + "/scenes/b2"

	if rec := s.do(t, http.MethodGet, base+"/prompt-layer", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET empty layer = %d, want 404", rec.Code)
	}

	for _, director := range []string{"First take.", "Second take."} {
		rec := s.do(t, http.MethodPut, base+"/prompt-layer", models.SavePromptLayerRequest{
			DirectorPrompt:        director,
			CinematographerPrompt: "Wide lens, sodium lights.",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("PUT prompt-layer = %d %s", rec.Code, rec.Body.String())
		}
	}

	rec := s.do(t, http.MethodPost, base+"/prompt-layer/restore", models.RestorePromptLayerRequest{Version: 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("restore = %d %s", rec.Code, rec.Body.String())
	}
	var restored models.ScenePromptLayer
	decode(t, rec, &restored)
	if restored.Version != 3 || restored.Source != models.LayerSourceRestored || restored.DirectorPrompt != "First take." {
		t.Errorf("restored = %+v", restored)
	}

	rec = s.do(t, http.MethodGet, base+"/prompt-layer/history", nil)
	var history []models.ScenePromptLayer
	decode(t, rec, &history)
	if len(history) != 3 || history[0].Version != 3 || history[2].Version != 1 {
		t.Errorf("history versions = %v", history)
	}

	if rec := s.do(t, http.MethodPost, base+"/prompt-layer/restore", models.RestorePromptLayerRequest{Version: 7}); rec.Code != http.StatusNotFound {
		t.Errorf("restore missing version = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, base+"/prompt-layer/seed", nil); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("seed without seeder = %d, want 412", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/v1/projects/"+projectID.String()+"/scenes/b9/prompt-layer", models.SavePromptLayerRequest{DirectorPrompt: "x"}); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("layer for unknown beat = %d, want 412", rec.Code)
	}
}

func TestPromptTraceEndpoints(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	projectID := s.seedProject(t)
	base := "/v1/projects/" + projectID.String() + "/scenes/b1"

	rec := s.do(t, http.MethodGet, base+"/prompt-trace", nil)
	var traces []models.SceneVideoPromptTrace
	decode(t, rec, &traces)
	if rec.Code != http.StatusOK || len(traces) != 0 {
		t.Errorf("GET prompt-trace = %d with %d traces", rec.Code, len(traces))
	}

	if rec := s.do(t, http.MethodGet, base+"/prompt-trace/diff", nil); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("diff without traces = %d, want 412", rec.Code)
	}
}
